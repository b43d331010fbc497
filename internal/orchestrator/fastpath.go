package orchestrator

import (
	"fmt"
	"strings"

	"pveassist/internal/domain"
	"pveassist/internal/intent"
)

// fastPath builds the turn for a recognized command without planning or
// generation. A command it cannot carry out (a chapter outside the catalog,
// a value the field schema rejects) is answered with a clarifying question.
// Below the fast intent threshold patches are only suggested.
func (o *Orchestrator) fastPath(state domain.WizardState, in *intent.Intent) domain.TurnResult {
	res := domain.TurnResult{
		Patches:    []domain.PatchEvent{},
		Chapter:    state.CurrentChapter,
		Source:     domain.SourceFastIntent,
		Confidence: in.Confidence,
	}
	switch in.Kind {
	case intent.KindNavigate:
		target := in.Chapter
		if target == "" {
			target = stepChapter(state, in.Step)
		}
		switch {
		case target == "":
			res.Reply = "There is no chapter in that direction; we stay with " + o.chapterTitle(state.CurrentChapter) + "."
		case !o.knownChapter(target):
			res.Reply = o.unknownChapterReply(target)
		case target == state.CurrentChapter:
			res.Reply = "We are already at " + o.chapterTitle(target) + "."
		default:
			res.Navigate = target
			res.Reply = "Moving to " + o.chapterTitle(target) + "."
		}
		return res

	case intent.KindFocusField:
		if !o.knownChapter(in.Chapter) {
			res.Reply = o.unknownChapterReply(in.Chapter)
			return res
		}
		res.FocusField = in.FocusPointer()
		if in.Chapter != state.CurrentChapter {
			res.Navigate = in.Chapter
		}
		res.Reply = fmt.Sprintf("Sure, let's look at %s.", o.fieldLabel(in.Chapter, in.Field))
		return res
	}

	patch, ok := in.Patch()
	switch {
	case !ok:
		res.Reply = "Could you say that again in other words?"
		return res
	case !o.knownChapter(patch.Chapter):
		res.Reply = o.unknownChapterReply(patch.Chapter)
		return res
	}
	if s := o.Guard.Schema; s != nil && !s.Validate(patch.Chapter, map[string]any{patch.Delta.Path: patch.Delta.Value}) {
		res.Reply = fmt.Sprintf("%v does not fit %s. Could you give it again?", in.Value, o.fieldLabel(in.Chapter, in.Field))
		return res
	}
	if in.Confidence < o.fastIntentConfidence() {
		res.Suggestions = []domain.PatchEvent{patch}
		res.Reply = fmt.Sprintf("Did you mean %s", strings.TrimSuffix(o.describeFast(in), ".")+"?")
		return res
	}
	res.Reply = o.describeFast(in)
	o.applyBands(&res, []domain.PatchEvent{patch}, in.Confidence)
	return res
}

func (o *Orchestrator) unknownChapterReply(key string) string {
	return fmt.Sprintf("This project has no chapter %q. Which chapter do you mean?", key)
}

func (o *Orchestrator) describeFast(in *intent.Intent) string {
	label := o.fieldLabel(in.Chapter, in.Field)
	switch in.Kind {
	case intent.KindBudgetDelta:
		if v, ok := in.Value.(float64); ok && v < 0 {
			return fmt.Sprintf("%s lowered by %.0f.", label, -v)
		}
		return fmt.Sprintf("%s raised by %v.", label, in.Value)
	case intent.KindBudgetSet:
		return fmt.Sprintf("%s set to %.0f.", label, in.Value)
	}
	return fmt.Sprintf("%s: %v.", label, in.Value)
}

func stepChapter(state domain.WizardState, step int) string {
	flow := state.Flow()
	for i, ch := range flow {
		if ch != state.CurrentChapter {
			continue
		}
		j := i + step
		if j < 0 || j >= len(flow) {
			return ""
		}
		return flow[j]
	}
	return ""
}

func (o *Orchestrator) knownChapter(key string) bool {
	if o.Config == nil {
		return false
	}
	_, ok := o.Config.Chapter(key)
	return ok
}

func (o *Orchestrator) chapterTitle(key string) string {
	if o.Config != nil {
		if ch, ok := o.Config.Chapter(key); ok && ch.Title != "" {
			return ch.Title
		}
	}
	return key
}

func (o *Orchestrator) fieldLabel(chapter, field string) string {
	if o.Config != nil {
		if ch, ok := o.Config.Chapter(chapter); ok {
			if f, ok := ch.Field(field); ok && f.Label != "" {
				return f.Label
			}
		}
	}
	return field
}
