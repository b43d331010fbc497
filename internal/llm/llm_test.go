package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pveassist/internal/config"
	"pveassist/internal/domain"
)

func TestDecodeResult(t *testing.T) {
	res, err := DecodeResult("```json\n{\"reply\":\"Genoteerd.\",\"patches\":[{\"chapter\":\"ruimtes\",\"delta\":{\"path\":\"bedrooms\",\"operation\":\"set\",\"value\":3}}],\"confidence\":0.9}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Genoteerd.", res.Reply)
	require.Len(t, res.Patches, 1)
	assert.Equal(t, "bedrooms", res.Patches[0].Delta.Path)
	assert.Equal(t, 3.0, res.Patches[0].Delta.Value)
	assert.Equal(t, 0.9, res.Confidence)

	_, err = DecodeResult("   ")
	assert.True(t, errors.Is(err, ErrEmptyResponse))

	_, err = DecodeResult("Sure! Here is your answer")
	assert.True(t, errors.Is(err, ErrMalformedOutput))
}

func TestRedactPricing(t *testing.T) {
	assert.Equal(t, "Expect an amount for the kitchen.", RedactPricing("Expect € 35.000 for the kitchen."))
	assert.Equal(t, "About an amount per year.", RedactPricing("About 1.200 euro per year."))
	assert.Equal(t, "Three bedrooms.", RedactPricing("Three bedrooms."))
}

func TestBuildPromptCarriesContext(t *testing.T) {
	prompt := BuildPrompt(GenerateRequest{
		Message:     "Wat kost een warmtepomp?",
		Mode:        domain.ModePreview,
		State:       domain.WizardState{CurrentChapter: domain.ChapterTechniek},
		Missing:     []FieldRef{{Chapter: "techniek", ID: "heating", Label: "heating"}},
		Constraints: []string{ConstraintNoPricing},
		Knowledge:   "Warmtepompen vragen goede isolatie.",
	})
	assert.Contains(t, prompt, "Current chapter: techniek")
	assert.Contains(t, prompt, "techniek:heating")
	assert.Contains(t, prompt, "Constraint: "+ConstraintNoPricing)
	assert.Contains(t, prompt, "Warmtepompen vragen goede isolatie.")
	assert.True(t, strings.HasSuffix(prompt, "User: Wat kost een warmtepomp?\n"))
}

func TestRulesGenerator(t *testing.T) {
	gen := RulesGenerator{Config: config.Default("p")}
	ctx := context.Background()
	patch := domain.PatchEvent{Chapter: "ruimtes", Delta: domain.Delta{Path: "bedrooms", Operation: domain.OpSet, Value: 3}}

	t.Run("extract", func(t *testing.T) {
		res, err := gen.Generate(ctx, GenerateRequest{Plan: domain.TurnPlan{Goal: domain.GoalExtract, Patches: []domain.PatchEvent{patch}, Confidence: 0.8}})
		require.NoError(t, err)
		assert.Equal(t, "Noted: bedrooms: 3.", res.Reply)
		assert.Len(t, res.Patches, 1)
		assert.Equal(t, 0.8, res.Confidence)
	})

	t.Run("clarify constraint drops patches", func(t *testing.T) {
		res, err := gen.Generate(ctx, GenerateRequest{
			Plan:        domain.TurnPlan{Goal: domain.GoalExtract, Patches: []domain.PatchEvent{patch}, Confidence: 0.3},
			Constraints: []string{ConstraintClarify},
		})
		require.NoError(t, err)
		assert.Empty(t, res.Patches)
		assert.Contains(t, res.Reply, "Should bedrooms be 3?")
	})

	t.Run("repeated correction asks what to note", func(t *testing.T) {
		res, err := gen.Generate(ctx, GenerateRequest{
			Plan:    domain.TurnPlan{Goal: domain.GoalClarify},
			Signals: []string{domain.SignalRepeatedCorrection},
			Missing: []FieldRef{{Chapter: "ruimtes", ID: "bedrooms", Label: "bedrooms"}},
		})
		require.NoError(t, err)
		assert.Empty(t, res.Patches)
		assert.Equal(t, "Sorry for the confusion. What exactly should I write down?", res.Reply)
	})

	t.Run("advise redacts prices on request", func(t *testing.T) {
		req := GenerateRequest{Plan: domain.TurnPlan{Goal: domain.GoalAdvise}, Knowledge: "Een warmtepomp kost € 12.000 inclusief installatie."}
		res, err := gen.Generate(ctx, req)
		require.NoError(t, err)
		assert.Contains(t, res.Reply, "€ 12.000")

		req.Constraints = []string{ConstraintNoPricing}
		res, err = gen.Generate(ctx, req)
		require.NoError(t, err)
		assert.NotContains(t, res.Reply, "12.000")
	})

	t.Run("clarify asks for missing field", func(t *testing.T) {
		res, err := gen.Generate(ctx, GenerateRequest{
			Plan:    domain.TurnPlan{Goal: domain.GoalClarify},
			Missing: []FieldRef{{Chapter: "budget", ID: "budgetTotal", Label: "total budget"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "Could you tell me about total budget?", res.Reply)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := gen.Generate(cctx, GenerateRequest{})
		assert.True(t, errors.Is(err, ErrUnavailable))
	})
}
