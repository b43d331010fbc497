package orchestrator

import (
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"pveassist/internal/domain"
)

const (
	repeatSimilarity     = 0.85
	correctionSimilarity = 0.5
)

var (
	hesitationPattern = regexp.MustCompile(`(?i)(\.\.\.|\b(uh+|uhm+|hmm+|eh+|misschien|weet niet|geen idee|denk ik|not sure|maybe|i guess)\b)`)
	correctionPattern = regexp.MustCompile(`(?i)^(nee[,!]?|no[,!]|niet\s|ik bedoel|i meant|correctie|sorry,?\s+(ik bedoel|i mean))`)
)

func detectSignals(message string, memory []domain.Turn) []string {
	msg := strings.TrimSpace(message)
	var signals []string
	if hesitationPattern.MatchString(msg) {
		signals = append(signals, domain.SignalHesitation)
	}
	prev := lastUserMessage(memory)
	correcting := correctionPattern.MatchString(msg)
	if correcting {
		signals = append(signals, domain.SignalCorrection)
	}
	if prev == "" {
		return signals
	}
	sim := similarity(strings.ToLower(msg), strings.ToLower(prev))
	switch {
	case sim >= repeatSimilarity:
		signals = append(signals, domain.SignalRepeat)
	case correcting && (sim >= correctionSimilarity || correctionPattern.MatchString(prev)):
		signals = append(signals, domain.SignalRepeatedCorrection)
	}
	return signals
}

func lastUserMessage(memory []domain.Turn) string {
	for i := len(memory) - 1; i >= 0; i-- {
		if m := strings.TrimSpace(memory[i].UserMessage); m != "" {
			return m
		}
	}
	return ""
}

// similarity is one minus the normalized Levenshtein distance.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	dmp := diffmatchpatch.New()
	dist := dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))
	return 1 - float64(dist)/float64(longest)
}
