// Package planner turns an utterance plus assembled context into a TurnPlan.
package planner

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"pveassist/internal/config"
	"pveassist/internal/domain"
	"pveassist/internal/llm"
)

// Plan confidences. Explicit "field is value" statements in the current
// chapter land in the pending band; loose mentions land lower.
const (
	confidenceExplicit     = 0.9
	confidenceMention      = 0.75
	confidenceOtherChapter = 0.6
	hedgePenalty           = 0.2
)

type Input struct {
	Message string
	State   domain.WizardState
	Missing []llm.FieldRef
	Signals []string
}

type Planner interface {
	Plan(ctx context.Context, in Input) (domain.TurnPlan, error)
}

// Rules is a deterministic keyword planner driven by the field catalog.
type Rules struct {
	Config *config.Config
}

var (
	questionPattern = regexp.MustCompile(`(?i)(\?\s*$|^(wat|hoe|waarom|welke|wanneer|kan|kun|moet|what|how|why|which|when|can|should)\b)`)
	hedgePattern    = regexp.MustCompile(`(?i)\b(misschien|denk|ongeveer|weet niet|maybe|perhaps|not sure|i think|roughly)\b`)
	donePattern     = regexp.MustCompile(`(?i)\b(klaar|verder|volgende stap|done|continue|move on)\b`)
	numberPattern   = regexp.MustCompile(`\d+(?:[.,]\d+)*`)
	yesPattern      = regexp.MustCompile(`(?i)\b(ja|wel|graag|yes|want)\b`)
	noPattern       = regexp.MustCompile(`(?i)\b(nee|geen|niet|no|without)\b`)
)

func (r Rules) Plan(ctx context.Context, in Input) (domain.TurnPlan, error) {
	if err := ctx.Err(); err != nil {
		return domain.TurnPlan{}, err
	}
	msg := strings.TrimSpace(in.Message)
	current := in.State.CurrentChapter
	plan := domain.TurnPlan{Goal: domain.GoalClarify, TargetChapter: current}
	if hasSignal(in.Signals, domain.SignalRepeatedCorrection) {
		// the user keeps correcting; ask instead of guessing again
		plan.Confidence = confidenceMention
		plan.Rationale = "repeated correction"
		return plan, nil
	}

	var (
		patches    []domain.PatchEvent
		confidence float64
	)
	if !questionPattern.MatchString(msg) {
		patches, confidence = r.extract(msg, current)
	}
	switch {
	case len(patches) > 0:
		plan.Goal = domain.GoalExtract
		plan.Patches = patches
		if hedgePattern.MatchString(msg) || hasSignal(in.Signals, domain.SignalHesitation) {
			confidence -= hedgePenalty
		}
		plan.Confidence = confidence
		plan.TargetChapter = patches[0].Chapter
		plan.Rationale = "field values mentioned"
	case questionPattern.MatchString(msg):
		plan.Goal = domain.GoalAdvise
		plan.Confidence = confidenceMention
		plan.Rationale = "question"
	default:
		plan.Confidence = confidenceMention
		plan.Rationale = "nothing to extract"
	}

	if donePattern.MatchString(msg) && len(in.Missing) == 0 {
		plan.Navigate = nextChapter(in.State, current)
	}
	return plan, nil
}

// extract finds field values in msg. Fields of the current chapter are
// checked first; each field yields at most one patch.
func (r Rules) extract(msg, current string) ([]domain.PatchEvent, float64) {
	if r.Config == nil {
		return nil, 0
	}
	lower := strings.ToLower(msg)
	if len(lower) != len(msg) {
		msg = lower
	}
	var (
		patches    []domain.PatchEvent
		confidence = 1.0
	)
	for _, ch := range orderedChapters(r.Config, current) {
		for _, f := range ch.Fields {
			value, explicit, ok := matchField(msg, lower, f, ch.Key == current)
			if !ok {
				continue
			}
			c := confidenceMention
			if explicit {
				c = confidenceExplicit
			}
			if ch.Key != current {
				c = confidenceOtherChapter
			}
			if c < confidence {
				confidence = c
			}
			op := domain.OpSet
			if f.Type == config.FieldList {
				op = domain.OpAppend
			}
			patches = append(patches, domain.PatchEvent{Chapter: ch.Key, Delta: domain.Delta{Path: f.ID, Operation: op, Value: value}})
		}
	}
	if len(patches) == 0 {
		return nil, 0
	}
	return patches, confidence
}

func orderedChapters(cfg *config.Config, current string) []config.Chapter {
	out := make([]config.Chapter, 0, len(cfg.Chapters))
	if ch, ok := cfg.Chapter(current); ok {
		out = append(out, ch)
	}
	for _, ch := range cfg.Chapters {
		if ch.Key != current {
			out = append(out, ch)
		}
	}
	return out
}

// matchField looks for one of the field's names in lower and reads a value
// next to it. Text values are cut from orig, which has the same byte layout.
// explicit reports a "name is value" form. Enum values outside the current
// chapter, and very short ones, only count when the field is named too.
func matchField(orig, lower string, f config.Field, inCurrent bool) (any, bool, bool) {
	if f.Type == config.FieldEnum {
		mentioned := mentionsField(lower, f)
		if !inCurrent && !mentioned {
			return nil, false, false
		}
		for _, v := range f.Enum {
			v = strings.ToLower(v)
			if len(v) < 3 && !mentioned {
				continue
			}
			if containsWord(lower, v) {
				return f.Enum[indexOf(f.Enum, v)], mentioned, true
			}
		}
		return nil, false, false
	}
	for _, name := range fieldNames(f) {
		idx := indexWord(lower, name)
		if idx < 0 {
			continue
		}
		after := strings.TrimSpace(orig[idx+len(name):])
		before := strings.TrimSpace(lower[:idx])
		explicit := hasAssignment(after)
		if explicit {
			after = trimAssignment(after)
		}
		switch f.Type {
		case config.FieldInteger, config.FieldNumber:
			if n, ok := leadingNumber(after); ok {
				return numberValue(f, n), explicit, true
			}
			if n, ok := trailingNumber(before); ok {
				return numberValue(f, n), true, true
			}
		case config.FieldBoolean:
			window := before + " " + firstWords(after, 3)
			switch {
			case noPattern.MatchString(window):
				return false, explicit, true
			case yesPattern.MatchString(window):
				return true, explicit, true
			}
		case config.FieldString:
			if explicit && after != "" {
				return strings.TrimRight(after, ".!"), true, true
			}
		case config.FieldList:
			if explicit && after != "" {
				return strings.TrimRight(after, ".!"), true, true
			}
		}
	}
	return nil, false, false
}

func fieldNames(f config.Field) []string {
	names := make([]string, 0, len(f.Aliases)+2)
	for _, a := range f.Aliases {
		names = append(names, strings.ToLower(a))
	}
	if f.Label != "" {
		names = append(names, strings.ToLower(f.Label))
	}
	names = append(names, strings.ToLower(f.ID))
	return names
}

func mentionsField(msg string, f config.Field) bool {
	for _, name := range fieldNames(f) {
		if indexWord(msg, name) >= 0 {
			return true
		}
	}
	return false
}

var assignmentPattern = regexp.MustCompile(`(?i)^(?:is|wordt|zijn|worden|=|:|van|of|to|naar)\s*`)

func hasAssignment(s string) bool { return assignmentPattern.MatchString(s) }

func trimAssignment(s string) string {
	return strings.TrimSpace(assignmentPattern.ReplaceAllString(s, ""))
}

func leadingNumber(s string) (float64, bool) {
	s = strings.TrimLeft(s, "€ ")
	loc := numberPattern.FindStringIndex(s)
	if loc == nil || loc[0] != 0 {
		return 0, false
	}
	return parseNumber(s[loc[0]:loc[1]])
}

func trailingNumber(s string) (float64, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, false
	}
	last := fields[len(fields)-1]
	if !numberPattern.MatchString(last) || numberPattern.FindString(last) != last {
		return 0, false
	}
	return parseNumber(last)
}

// parseNumber reads "250.000" and "250,000" as thousands and "2,5" as a decimal.
func parseNumber(s string) (float64, bool) {
	if i := strings.LastIndexAny(s, ".,"); i >= 0 && len(s)-i-1 != 3 {
		s = strings.ReplaceAll(s[:i], ".", "") + "." + s[i+1:]
		s = strings.ReplaceAll(s, ",", "")
	} else {
		s = strings.NewReplacer(".", "", ",", "").Replace(s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func numberValue(f config.Field, n float64) any {
	if f.Type == config.FieldInteger && n == float64(int(n)) {
		return int(n)
	}
	return n
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

func indexOf(values []string, lowered string) int {
	for i, v := range values {
		if strings.ToLower(v) == lowered {
			return i
		}
	}
	return 0
}

func containsWord(s, word string) bool { return indexWord(s, word) >= 0 }

// indexWord finds word in s on word boundaries.
func indexWord(s, word string) int {
	if word == "" {
		return -1
	}
	from := 0
	for {
		i := strings.Index(s[from:], word)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(word)
		if (i == 0 || !isWordByte(s[i-1])) && (end == len(s) || !isWordByte(s[end])) {
			return i
		}
		from = i + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}

func hasSignal(signals []string, name string) bool {
	for _, s := range signals {
		if s == name {
			return true
		}
	}
	return false
}

func nextChapter(state domain.WizardState, current string) string {
	flow := state.Flow()
	for i, ch := range flow {
		if ch == current && i+1 < len(flow) {
			return flow[i+1]
		}
	}
	return ""
}
