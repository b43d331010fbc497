package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pveassist/internal/config"
	"pveassist/internal/domain"
	"pveassist/internal/guard"
	"pveassist/internal/llm"
	"pveassist/internal/schema"
)

type scriptedGenerator struct {
	steps []func() (*domain.OrchestratorResult, error)
	reqs  []llm.GenerateRequest
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (*domain.OrchestratorResult, error) {
	g.reqs = append(g.reqs, req)
	i := len(g.reqs) - 1
	if i >= len(g.steps) {
		i = len(g.steps) - 1
	}
	return g.steps[i]()
}

func returns(res *domain.OrchestratorResult, err error) func() (*domain.OrchestratorResult, error) {
	return func() (*domain.OrchestratorResult, error) { return res, err }
}

func good() *domain.OrchestratorResult {
	return &domain.OrchestratorResult{
		Reply:      "Genoteerd.",
		Confidence: 0.9,
		Patches:    []domain.PatchEvent{{Chapter: "ruimtes", Delta: domain.Delta{Path: "bedrooms", Operation: domain.OpSet, Value: 3}}},
	}
}

func newStrategy(gen llm.Generator) Strategy {
	cfg := config.Default("p")
	return Strategy{Generator: gen, Guard: guard.New(cfg, schema.New(cfg)), Logger: zap.NewNop()}
}

func TestHardFailStopsAfterOneAttempt(t *testing.T) {
	gen := &scriptedGenerator{steps: []func() (*domain.OrchestratorResult, error){returns(&domain.OrchestratorResult{Reply: ""}, nil)}}
	out := newStrategy(gen).RunWithGuardAndRetry(context.Background(), llm.GenerateRequest{}, Options{MaxAttempts: 3})

	assert.Len(t, gen.reqs, 1)
	assert.True(t, out.UsedFallback)
	assert.Empty(t, out.Patches)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, []string{guard.ReasonEmptyReply}, out.Reasons)
	assert.Equal(t, BuildFallbackResponse(domain.WizardState{}).Reply, out.Reply)
}

func TestRetryThenApprove(t *testing.T) {
	bad := good()
	bad.Patches[0].Chapter = "zolder"
	gen := &scriptedGenerator{steps: []func() (*domain.OrchestratorResult, error){returns(bad, nil), returns(good(), nil)}}
	out := newStrategy(gen).RunWithGuardAndRetry(context.Background(), llm.GenerateRequest{Temperature: 0.4}, Options{})

	require.Len(t, gen.reqs, 2)
	assert.False(t, out.UsedFallback)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "Genoteerd.", out.Reply)
	assert.Len(t, out.Patches, 1)
	assert.Equal(t, []string{guard.ReasonUnknownChapter}, out.Reasons)

	assert.Empty(t, gen.reqs[0].Constraints)
	assert.Equal(t, []string{llm.ConstraintKnownOnly}, gen.reqs[1].Constraints)
	assert.Equal(t, 1, gen.reqs[0].Attempt)
	assert.Equal(t, 2, gen.reqs[1].Attempt)
	assert.Less(t, gen.reqs[1].Temperature, gen.reqs[0].Temperature)
}

func TestRetriesExhausted(t *testing.T) {
	priced := &domain.OrchestratorResult{Reply: "Dat kost € 40.000."}
	gen := &scriptedGenerator{steps: []func() (*domain.OrchestratorResult, error){returns(priced, nil)}}
	out := newStrategy(gen).RunWithGuardAndRetry(context.Background(), llm.GenerateRequest{State: domain.WizardState{CurrentChapter: "budget"}}, Options{})

	assert.Len(t, gen.reqs, DefaultMaxAttempts)
	assert.True(t, out.UsedFallback)
	assert.Contains(t, out.Reply, "budget")
	assert.Equal(t, []string{guard.ReasonPricingInPreview, guard.ReasonPricingInPreview}, out.Reasons)
	assert.Equal(t, []string{llm.ConstraintNoPricing}, gen.reqs[1].Constraints)
}

func TestCapabilityFailures(t *testing.T) {
	tests := []struct {
		name   string
		first  func() (*domain.OrchestratorResult, error)
		reason string
	}{
		{"error", returns(nil, errors.New("boom")), ReasonGenerationUnavailable},
		{"nil result", returns(nil, nil), ReasonGenerationEmpty},
		{"empty response", returns(nil, llm.ErrEmptyResponse), ReasonGenerationEmpty},
		{"panic", func() (*domain.OrchestratorResult, error) { panic("model exploded") }, ReasonGenerationUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{steps: []func() (*domain.OrchestratorResult, error){tt.first, returns(good(), nil)}}
			out := newStrategy(gen).RunWithGuardAndRetry(context.Background(), llm.GenerateRequest{}, Options{})
			assert.False(t, out.UsedFallback)
			assert.Equal(t, 2, out.Attempts)
			assert.Equal(t, []string{tt.reason}, out.Reasons)
		})
	}
}

func TestMalformedOutputIsNotRetried(t *testing.T) {
	gen := &scriptedGenerator{steps: []func() (*domain.OrchestratorResult, error){returns(nil, llm.ErrMalformedOutput), returns(good(), nil)}}
	out := newStrategy(gen).RunWithGuardAndRetry(context.Background(), llm.GenerateRequest{}, Options{})
	assert.Len(t, gen.reqs, 1)
	assert.True(t, out.UsedFallback)
	assert.Equal(t, []string{guard.ReasonMalformedOutput}, out.Reasons)
}

func TestBackoffBetweenAttempts(t *testing.T) {
	var waits []time.Duration
	gen := &scriptedGenerator{steps: []func() (*domain.OrchestratorResult, error){returns(nil, nil)}}
	s := newStrategy(gen)
	s.Sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	out := s.RunWithGuardAndRetry(context.Background(), llm.GenerateRequest{}, Options{MaxAttempts: 3, Backoff: 50 * time.Millisecond})
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, waits)
}

func TestCancelledContextFallsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &scriptedGenerator{steps: []func() (*domain.OrchestratorResult, error){returns(nil, llm.ErrUnavailable)}}
	out := newStrategy(gen).RunWithGuardAndRetry(ctx, llm.GenerateRequest{}, Options{MaxAttempts: 5, Backoff: time.Second})
	assert.Len(t, gen.reqs, 1)
	assert.True(t, out.UsedFallback)
	assert.Equal(t, []string{ReasonGenerationUnavailable, ReasonCancelled}, out.Reasons)
}

func TestMissingGenerator(t *testing.T) {
	out := Strategy{}.RunWithGuardAndRetry(context.Background(), llm.GenerateRequest{}, Options{MaxAttempts: 1})
	assert.True(t, out.UsedFallback)
	assert.Equal(t, []string{ReasonGenerationUnavailable}, out.Reasons)
}

func TestBuildFallbackResponse(t *testing.T) {
	out := BuildFallbackResponse(domain.WizardState{})
	assert.NotEmpty(t, out.Reply)
	assert.True(t, out.UsedFallback)
	assert.Empty(t, out.Patches)
	assert.Empty(t, out.Navigate)
}
