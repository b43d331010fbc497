package orchestrator

import (
	"context"
	"strings"

	"pveassist/internal/config"
	"pveassist/internal/domain"
)

// ChapterInitializer produces the opening turn of a chapter the user just
// entered.
type ChapterInitializer interface {
	InitChapter(ctx context.Context, state domain.WizardState) domain.TurnResult
}

// IntroInitializer greets a chapter with its intro text and the open
// required fields, and focuses the first of them.
type IntroInitializer struct {
	Config *config.Config
}

func (i IntroInitializer) InitChapter(ctx context.Context, state domain.WizardState) domain.TurnResult {
	o := Orchestrator{Config: i.Config}
	title := o.chapterTitle(state.CurrentChapter)
	var b strings.Builder
	b.WriteString("Welcome to " + title + ".")
	if i.Config != nil {
		if ch, ok := i.Config.Chapter(state.CurrentChapter); ok && ch.Intro != "" {
			b.WriteString(" " + strings.TrimSpace(ch.Intro))
		}
	}
	res := domain.TurnResult{
		Patches:    []domain.PatchEvent{},
		Chapter:    state.CurrentChapter,
		Confidence: 1,
	}
	missing := o.watchFields(domain.WizardState{
		CurrentChapter: state.CurrentChapter,
		ChapterAnswers: state.ChapterAnswers,
	})
	if len(missing) > 0 {
		labels := make([]string, 0, len(missing))
		for _, f := range missing {
			labels = append(labels, f.Label)
		}
		b.WriteString(" Still open: " + strings.Join(labels, ", ") + ".")
		res.FocusField = missing[0].Pointer()
	}
	res.Reply = b.String()
	return res
}
