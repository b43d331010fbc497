package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"pveassist/internal/domain"
)

const systemInstruction = `You are the intake assistant for a construction Programme of Requirements (PvE).
Answer in the user's language. Respond with a single JSON object:
{"reply": string, "patches": [{"chapter": string, "delta": {"path": string, "operation": "add"|"set"|"append"|"remove", "value": any}}], "navigate": string, "confidence": number}
Only use chapter keys and field ids listed in the context. Leave patches empty when unsure.`

// BuildPrompt renders the user-side prompt for a model backend.
func BuildPrompt(req GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n", req.Mode)
	fmt.Fprintf(&b, "Current chapter: %s\n", req.State.CurrentChapter)
	fmt.Fprintf(&b, "Chapters: %s\n", strings.Join(req.State.Flow(), ", "))
	if answers, ok := req.State.ChapterAnswers[req.State.CurrentChapter]; ok && len(answers) > 0 {
		data, _ := json.Marshal(answers)
		fmt.Fprintf(&b, "Answers so far: %s\n", data)
	}
	if len(req.Missing) > 0 {
		refs := make([]string, 0, len(req.Missing))
		for _, f := range req.Missing {
			refs = append(refs, fmt.Sprintf("%s (%s)", f.Pointer(), f.Label))
		}
		fmt.Fprintf(&b, "Open fields: %s\n", strings.Join(refs, ", "))
	}
	if req.Anticipated != "" {
		fmt.Fprintf(&b, "Likely next topic: %s\n", req.Anticipated)
	}
	if len(req.Signals) > 0 {
		fmt.Fprintf(&b, "User signals: %s\n", strings.Join(req.Signals, ", "))
	}
	if req.Plan.Goal != "" {
		fmt.Fprintf(&b, "Plan: goal=%s confidence=%.2f\n", req.Plan.Goal, req.Plan.Confidence)
		if len(req.Plan.Patches) > 0 {
			data, _ := json.Marshal(req.Plan.Patches)
			fmt.Fprintf(&b, "Proposed patches: %s\n", data)
		}
	}
	if req.Knowledge != "" {
		fmt.Fprintf(&b, "Reference material:\n%s\n", req.Knowledge)
	}
	if len(req.Memory) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range req.Memory {
			fmt.Fprintf(&b, "user: %s\nassistant: %s\n", t.UserMessage, t.Reply)
		}
	}
	for _, c := range req.Constraints {
		fmt.Fprintf(&b, "Constraint: %s\n", c)
	}
	fmt.Fprintf(&b, "User: %s\n", req.Message)
	return b.String()
}

var fencePattern = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// DecodeResult parses a model's JSON answer. Anything that is not a JSON
// object is malformed output.
func DecodeResult(text string) (*domain.OrchestratorResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	var res domain.OrchestratorResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	res.UsedFallback = false
	res.Attempts = 0
	res.Reasons = nil
	return &res, nil
}

// pricePattern matches concrete money amounts.
var pricePattern = regexp.MustCompile(`(?i)(€\s*\d[\d.,]*(?:\s*k\b)?|\b\d[\d.,]*\s*(?:k\s*)?(?:euro|eur)\b|\beur\s*\d[\d.,]*)`)

// RedactPricing replaces concrete money amounts with a neutral phrase.
func RedactPricing(text string) string {
	return pricePattern.ReplaceAllString(text, "an amount")
}

func hasConstraint(req GenerateRequest, c string) bool {
	for _, have := range req.Constraints {
		if have == c {
			return true
		}
	}
	return false
}

// Constraints appended after a failed attempt. Backends match on them.
const (
	ConstraintNoPricing    = "avoid pricing language; do not mention concrete amounts"
	ConstraintKnownOnly    = "only use the listed chapter keys and field ids"
	ConstraintClarify      = "ask a clarifying question instead of changing answers"
	ConstraintSafeLanguage = "avoid promises and guarantees"
	ConstraintNonEmpty     = "always include a non-empty reply"
)

