// Package intent recognizes a small set of unambiguous wizard commands
// directly from user text, without calling a language model.
package intent

import (
	"regexp"
	"strings"

	"pveassist/internal/domain"
)

type Kind string

const (
	KindNavigate    Kind = "navigate"
	KindProjectName Kind = "project_name"
	KindBudgetDelta Kind = "budget_delta"
	KindBudgetSet   Kind = "budget_set"
	KindRoomCount   Kind = "room_count"
	KindFocusField  Kind = "focus_field"
)

// Pattern confidences, highest for navigation and explicit field setting.
const (
	ConfidenceNavigate    = 0.95
	ConfidenceProjectName = 0.92
	ConfidenceBudget      = 0.90
	ConfidenceRoomCount   = 0.90
	ConfidenceFocusField  = 0.85
)

// Intent is a recognized client command.
type Intent struct {
	Kind       Kind    `json:"kind"`
	Confidence float64 `json:"confidence"`
	// Chapter is the navigation target or the chapter a patch applies to.
	Chapter string `json:"chapter,omitempty"`
	// Step is a relative navigation offset when Chapter is empty.
	Step  int    `json:"step,omitempty"`
	Field string `json:"field,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Patch returns the wizard patch implied by the intent, if any.
func (i Intent) Patch() (domain.PatchEvent, bool) {
	switch i.Kind {
	case KindProjectName, KindRoomCount, KindBudgetSet:
		return domain.PatchEvent{Chapter: i.Chapter, Delta: domain.Delta{Path: i.Field, Operation: domain.OpSet, Value: i.Value}}, true
	case KindBudgetDelta:
		return domain.PatchEvent{Chapter: i.Chapter, Delta: domain.Delta{Path: i.Field, Operation: domain.OpAdd, Value: i.Value}}, true
	}
	return domain.PatchEvent{}, false
}

// FocusPointer returns the "chapter:field" pointer of a focus intent.
func (i Intent) FocusPointer() string {
	if i.Kind != KindFocusField {
		return ""
	}
	return i.Chapter + ":" + i.Field
}

type rule struct {
	kind       Kind
	confidence float64
	patterns   []*regexp.Regexp
	extract    func(m []string) (Intent, bool)
}

// Rules are evaluated in order; the first pattern that matches and extracts wins.
var rules = []rule{
	{
		kind:       KindNavigate,
		confidence: ConfidenceNavigate,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(?:ga|gaan|spring)\s+naar\s+(?:het\s+)?(?:hoofdstuk\s+)?([a-z]+)$`),
			regexp.MustCompile(`(?i)^(?:go|jump|navigate|take\s+me)\s+to\s+(?:the\s+)?(?:chapter\s+)?([a-z]+)(?:\s+chapter)?$`),
		},
		extract: func(m []string) (Intent, bool) {
			chapter, ok := chapterAliases[strings.ToLower(m[1])]
			if !ok {
				return Intent{}, false
			}
			return Intent{Chapter: chapter}, true
		},
	},
	{
		kind:       KindNavigate,
		confidence: ConfidenceNavigate,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(volgende|next)(?:\s+(?:hoofdstuk|chapter|stap|step))?$`),
			regexp.MustCompile(`(?i)^(vorige|previous|terug|back)(?:\s+(?:hoofdstuk|chapter|stap|step))?$`),
		},
		extract: func(m []string) (Intent, bool) {
			switch strings.ToLower(m[1]) {
			case "volgende", "next":
				return Intent{Step: 1}, true
			default:
				return Intent{Step: -1}, true
			}
		},
	},
	{
		kind:       KindProjectName,
		confidence: ConfidenceProjectName,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(?:de\s+)?project\s*naam\s+(?:is|wordt)\s*:?\s+(.+)$`),
			regexp.MustCompile(`(?i)^(?:the\s+)?project\s+name\s*(?:is|:|=)\s*(.+)$`),
			regexp.MustCompile(`(?i)^(?:noem|call)\s+(?:het|the|my|ons|mijn)\s+project\s+(.+)$`),
		},
		extract: func(m []string) (Intent, bool) {
			name := strings.Trim(strings.TrimSpace(m[1]), `"'“”.!`)
			if name == "" {
				return Intent{}, false
			}
			return Intent{Chapter: domain.ChapterBasis, Field: "projectName", Value: name}, true
		},
	},
	{
		kind:       KindBudgetSet,
		confidence: ConfidenceBudget,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(?:(?:het|the|my|mijn|ons|our)\s+)?(?:totaal\s*budget|total\s+budget|budget)\s*(?:is|wordt|of|van|to|naar|=|:)?\s*([+-])?\s*(?:€|eur\b|euro\b)?\s*(\d[\d.,]*(?:\s\d{3})*)\s*(k)?\s*(?:euro|eur)?\.?$`),
			regexp.MustCompile(`(?i)^([+-])\s*(?:€|eur\b)?\s*(\d[\d.,]*)\s*(k)?$`),
		},
		extract: func(m []string) (Intent, bool) {
			return budgetIntent(m[1], m[2], m[3] != "")
		},
	},
	{
		kind:       KindBudgetDelta,
		confidence: ConfidenceBudget,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(verhoog|verlaag|increase|decrease|raise|lower)\s+(?:het\s+|the\s+|my\s+|mijn\s+)?budget\s+(?:met|by)\s+(?:€|eur\b)?\s*(\d[\d.,]*)\s*(k)?$`),
		},
		extract: func(m []string) (Intent, bool) {
			sign := "+"
			switch strings.ToLower(m[1]) {
			case "verlaag", "decrease", "lower":
				sign = "-"
			}
			return budgetIntent(sign, m[2], m[3] != "")
		},
	},
	{
		kind:       KindRoomCount,
		confidence: ConfidenceRoomCount,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(?:(?:ik|we)\s+(?:wil|willen)\s+|(?:i|we)\s+(?:want|need)\s+)?(\d{1,2})\s+(slaapkamers?|bedrooms?|badkamers?|bathrooms?)\.?$`),
			regexp.MustCompile(`(?i)^(slaapkamers|bedrooms|badkamers|bathrooms)\s*[:=]?\s*(\d{1,2})$`),
		},
		extract: func(m []string) (Intent, bool) {
			count, noun := m[1], m[2]
			if !isDigits(count) {
				count, noun = m[2], m[1]
			}
			n, ok := parseInt(count)
			if !ok {
				return Intent{}, false
			}
			field := "bedrooms"
			noun = strings.ToLower(noun)
			if strings.HasPrefix(noun, "bad") || strings.HasPrefix(noun, "bath") {
				field = "bathrooms"
			}
			return Intent{Chapter: domain.ChapterRuimtes, Field: field, Value: n}, true
		},
	},
	{
		kind:       KindFocusField,
		confidence: ConfidenceFocusField,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(?:focus\s+(?:op|on)|bewerk|wijzig|edit)\s+(?:het\s+|de\s+|the\s+)?(?:veld\s+|field\s+)?([a-z][a-z ]*?)(?:\s+(?:veld|field))?$`),
		},
		extract: func(m []string) (Intent, bool) {
			ref, ok := fieldAliases[strings.ToLower(strings.TrimSpace(m[1]))]
			if !ok {
				return Intent{}, false
			}
			return Intent{Chapter: ref[0], Field: ref[1]}, true
		},
	},
}

// Detect returns the first matching intent for text, or nil when the text
// needs full planning.
func Detect(text string) *Intent {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	for _, r := range rules {
		for _, p := range r.patterns {
			m := p.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			in, ok := r.extract(m)
			if !ok {
				continue
			}
			if in.Kind == "" {
				in.Kind = r.kind
			}
			in.Confidence = r.confidence
			return &in
		}
	}
	return nil
}
