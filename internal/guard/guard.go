// Package guard validates generated turn results before any patch reaches the
// wizard state. Checks run cheapest first and stop at the first failure.
package guard

import (
	"regexp"
	"strings"

	"pveassist/internal/config"
	"pveassist/internal/domain"
)

type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRetry    Verdict = "retry"
	VerdictHardFail Verdict = "hard_fail"
)

// Reason codes. Callers use them to choose between asking the user for
// clarification and retrying silently.
const (
	ReasonMalformedOutput   = "malformed_output"
	ReasonEmptyReply        = "empty_reply"
	ReasonMalformedPatch    = "malformed_patch"
	ReasonUnknownChapter    = "unknown_chapter"
	ReasonSchemaViolation   = "schema_violation"
	ReasonPricingInPreview  = "pricing_in_preview"
	ReasonDisallowedContent = "disallowed_content"
	ReasonLowConfidence     = "low_confidence"
)

const DefaultMinConfidence = 0.5

// Decision is the tagged outcome of Validate.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
	// Detail names the offending chapter, path or phrase.
	Detail string `json:"detail,omitempty"`
}

func (d Decision) Approved() bool      { return d.Verdict == VerdictApproved }
func (d Decision) RequiresRetry() bool { return d.Verdict == VerdictRetry }
func (d Decision) HardFail() bool      { return d.Verdict == VerdictHardFail }

func approved() Decision { return Decision{Verdict: VerdictApproved} }

func retry(reason, detail string) Decision {
	return Decision{Verdict: VerdictRetry, Reason: reason, Detail: detail}
}

func hardFail(reason, detail string) Decision {
	return Decision{Verdict: VerdictHardFail, Reason: reason, Detail: detail}
}

// SchemaValidator checks a chapter answer fragment.
type SchemaValidator interface {
	Validate(chapter string, data map[string]any) bool
}

// Guard holds the per-deployment validation policy. It is a value type;
// WithMode derives the per-turn copy.
type Guard struct {
	Chapters       map[string]bool
	Schema         SchemaValidator
	Mode           string
	BlockedPhrases []string
	MinConfidence  float64
}

func New(cfg *config.Config, schema SchemaValidator) Guard {
	g := Guard{Chapters: map[string]bool{}, Schema: schema, Mode: domain.ModePreview, MinConfidence: DefaultMinConfidence}
	if cfg == nil {
		for _, ch := range domain.DefaultChapterFlow {
			g.Chapters[ch] = true
		}
		return g
	}
	for _, key := range cfg.ChapterKeys() {
		g.Chapters[key] = true
	}
	g.BlockedPhrases = append([]string(nil), cfg.Safety.BlockedPhrases...)
	if cfg.Turn.MinConfidence > 0 {
		g.MinConfidence = cfg.Turn.MinConfidence
	}
	return g
}

func (g Guard) WithMode(mode string) Guard {
	if mode != "" {
		g.Mode = mode
	}
	return g
}

// Validate classifies result. plan supplies the fallback confidence when the
// result carries none.
func (g Guard) Validate(result *domain.OrchestratorResult, plan domain.TurnPlan) Decision {
	if d := g.checkStructure(result); !d.Approved() {
		return d
	}
	if d := g.checkChapters(result); !d.Approved() {
		return d
	}
	if d := g.checkSchema(result); !d.Approved() {
		return d
	}
	if d := g.checkSafety(result.Reply); !d.Approved() {
		return d
	}
	return g.checkConfidence(result, plan)
}

func (g Guard) checkStructure(result *domain.OrchestratorResult) Decision {
	if result == nil {
		return hardFail(ReasonMalformedOutput, "nil result")
	}
	if strings.TrimSpace(result.Reply) == "" {
		return hardFail(ReasonEmptyReply, "")
	}
	for _, p := range result.Patches {
		if strings.TrimSpace(p.Chapter) == "" || strings.TrimSpace(p.Delta.Path) == "" {
			return hardFail(ReasonMalformedPatch, p.Chapter+":"+p.Delta.Path)
		}
		switch p.Delta.Operation {
		case domain.OpRemove:
		case domain.OpAdd, domain.OpSet, domain.OpAppend:
			if p.Delta.Value == nil {
				return hardFail(ReasonMalformedPatch, "missing value for "+p.Delta.Path)
			}
		default:
			return hardFail(ReasonMalformedPatch, "operation "+p.Delta.Operation)
		}
	}
	return approved()
}

func (g Guard) checkChapters(result *domain.OrchestratorResult) Decision {
	for _, p := range result.Patches {
		if !g.Chapters[p.Chapter] {
			return retry(ReasonUnknownChapter, p.Chapter)
		}
	}
	if result.Navigate != "" && !g.Chapters[result.Navigate] {
		return retry(ReasonUnknownChapter, result.Navigate)
	}
	return approved()
}

func (g Guard) checkSchema(result *domain.OrchestratorResult) Decision {
	if g.Schema == nil {
		return approved()
	}
	for _, p := range result.Patches {
		var value any
		if p.Delta.Operation != domain.OpRemove {
			value = p.Delta.Value
		}
		if !g.Schema.Validate(p.Chapter, map[string]any{p.Delta.Path: value}) {
			return retry(ReasonSchemaViolation, p.Chapter+"."+p.Delta.Path)
		}
	}
	return approved()
}

// pricingPattern matches concrete money amounts such as "€ 1.200", "35k euro"
// or "EUR 900".
var pricingPattern = regexp.MustCompile(`(?i)(€\s*\d|\b\d[\d.,]*\s*(?:k\s*)?(?:euro|eur)\b|\beur\s*\d|\b\d[\d.,]*\s*(?:per|/)\s*m(?:2|²))`)

func (g Guard) checkSafety(reply string) Decision {
	if g.Mode == domain.ModePreview {
		if m := pricingPattern.FindString(reply); m != "" {
			return retry(ReasonPricingInPreview, m)
		}
	}
	lower := strings.ToLower(reply)
	for _, phrase := range g.BlockedPhrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" && strings.Contains(lower, phrase) {
			return retry(ReasonDisallowedContent, phrase)
		}
	}
	return approved()
}

func (g Guard) checkConfidence(result *domain.OrchestratorResult, plan domain.TurnPlan) Decision {
	if len(result.Patches) == 0 {
		return approved()
	}
	if domain.EffectiveConfidence(*result, plan) < g.MinConfidence {
		return retry(ReasonLowConfidence, "")
	}
	return approved()
}
