package llm

import (
	"context"
	"fmt"
	"strings"

	"pveassist/internal/config"
	"pveassist/internal/domain"
)

const maxKnowledgeReply = 400

// RulesGenerator answers turns from the plan alone. It needs no model and is
// fully deterministic, which makes it the default for offline use and tests.
type RulesGenerator struct {
	Config *config.Config
}

func (g RulesGenerator) Name() string { return "rules" }

func (g RulesGenerator) Generate(ctx context.Context, req GenerateRequest) (*domain.OrchestratorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	plan := req.Plan
	res := &domain.OrchestratorResult{Navigate: plan.Navigate, Confidence: plan.Confidence}
	var parts []string

	switch {
	case plan.Goal == domain.GoalExtract && len(plan.Patches) > 0 && hasConstraint(req, ConstraintClarify):
		p := plan.Patches[0]
		parts = append(parts, fmt.Sprintf("Should %s be %s?", g.label(p.Chapter, p.Delta.Path), formatValue(p.Delta.Value)))
	case plan.Goal == domain.GoalExtract && len(plan.Patches) > 0:
		noted := make([]string, 0, len(plan.Patches))
		for _, p := range plan.Patches {
			noted = append(noted, g.describe(p))
		}
		parts = append(parts, "Noted: "+strings.Join(noted, "; ")+".")
		res.Patches = append(res.Patches, plan.Patches...)
	case plan.Goal == domain.GoalAdvise && req.Knowledge != "":
		parts = append(parts, "For reference: "+firstParagraph(req.Knowledge, maxKnowledgeReply))
	case plan.Goal == domain.GoalAdvise:
		parts = append(parts, "Good question. Your architect is happy to look into this with you.")
	case hasSignal(req.Signals, domain.SignalRepeatedCorrection):
		parts = append(parts, "Sorry for the confusion. What exactly should I write down?")
	default:
		if len(req.Missing) > 0 {
			parts = append(parts, fmt.Sprintf("Could you tell me about %s?", req.Missing[0].Label))
		} else {
			parts = append(parts, "Could you explain that a bit more?")
		}
	}
	if plan.Navigate != "" {
		parts = append(parts, fmt.Sprintf("Let's continue with %s.", g.title(plan.Navigate)))
	} else if plan.Goal != domain.GoalClarify && len(req.Missing) > 0 && len(res.Patches) > 0 {
		parts = append(parts, fmt.Sprintf("What is %s?", req.Missing[0].Label))
	}

	res.Reply = strings.Join(parts, " ")
	if hasConstraint(req, ConstraintNoPricing) {
		res.Reply = RedactPricing(res.Reply)
	}
	return res, nil
}

func (g RulesGenerator) describe(p domain.PatchEvent) string {
	label := g.label(p.Chapter, p.Delta.Path)
	switch p.Delta.Operation {
	case domain.OpAdd:
		return fmt.Sprintf("%s %+v", label, p.Delta.Value)
	case domain.OpAppend:
		return fmt.Sprintf("%s + %s", label, formatValue(p.Delta.Value))
	case domain.OpRemove:
		return label + " cleared"
	}
	return fmt.Sprintf("%s: %s", label, formatValue(p.Delta.Value))
}

func (g RulesGenerator) label(chapter, path string) string {
	if g.Config == nil {
		return path
	}
	ch, ok := g.Config.Chapter(chapter)
	if !ok {
		return path
	}
	if f, ok := ch.Field(path); ok && f.Label != "" {
		return f.Label
	}
	return path
}

func (g RulesGenerator) title(chapter string) string {
	if g.Config == nil {
		return chapter
	}
	if ch, ok := g.Config.Chapter(chapter); ok && ch.Title != "" {
		return ch.Title
	}
	return chapter
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	}
	return fmt.Sprint(v)
}

func firstParagraph(text string, max int) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "\n\n"); i > 0 {
		text = text[:i]
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > max {
		cut := strings.LastIndex(text[:max], " ")
		if cut <= 0 {
			cut = max
		}
		text = text[:cut] + "..."
	}
	return text
}

func hasSignal(signals []string, want string) bool {
	for _, s := range signals {
		if s == want {
			return true
		}
	}
	return false
}
