package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pveassist/internal/config"
	"pveassist/internal/domain"
	"pveassist/internal/llm"
	"pveassist/internal/planner"
)

type countingPlanner struct {
	calls int
	plan  domain.TurnPlan
	panic bool
}

func (p *countingPlanner) Plan(ctx context.Context, in planner.Input) (domain.TurnPlan, error) {
	p.calls++
	if p.panic {
		panic("planner bug")
	}
	return p.plan, nil
}

type countingGenerator struct {
	calls int
	reqs  []llm.GenerateRequest
	res   *domain.OrchestratorResult
	err   error
}

func (g *countingGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (*domain.OrchestratorResult, error) {
	g.calls++
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	out := *g.res
	return &out, nil
}

type countingInit struct{ calls int }

func (c *countingInit) InitChapter(ctx context.Context, state domain.WizardState) domain.TurnResult {
	c.calls++
	return domain.TurnResult{Reply: "welcome to " + state.CurrentChapter}
}

type fakeRetriever struct {
	mu      sync.Mutex
	queries []string
	answers map[string]string
	fail    map[string]bool
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string, limit int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	if r.fail[query] {
		return "", errors.New("index offline")
	}
	return r.answers[query], nil
}

var bedroomsPatch = domain.PatchEvent{Chapter: "ruimtes", Delta: domain.Delta{Path: "bedrooms", Operation: domain.OpSet, Value: 3}}

type fixture struct {
	o    *Orchestrator
	plan *countingPlanner
	gen  *countingGenerator
	init *countingInit
}

func newFixture() fixture {
	cfg := config.Default("p")
	gen := &countingGenerator{res: &domain.OrchestratorResult{Reply: "Noted.", Confidence: 0.97, Patches: []domain.PatchEvent{bedroomsPatch}}}
	pl := &countingPlanner{plan: domain.TurnPlan{Goal: domain.GoalExtract, Patches: []domain.PatchEvent{bedroomsPatch}, Confidence: 0.9}}
	in := &countingInit{}
	o := New(cfg, gen, nil, zap.NewNop())
	o.Planner = pl
	o.ChapterInit = in
	return fixture{o: o, plan: pl, gen: gen, init: in}
}

func TestFastIntentSkipsPlanning(t *testing.T) {
	state := domain.WizardState{CurrentChapter: domain.ChapterBasis}
	for _, msg := range []string{"ga naar budget", "+10k", "3 slaapkamers", "projectnaam is Villa Zon", "focus op verwarming", "volgende"} {
		t.Run(msg, func(t *testing.T) {
			f := newFixture()
			res := f.o.OrchestrateTurn(context.Background(), Input{State: state, Message: msg})
			assert.Equal(t, 0, f.plan.calls)
			assert.Equal(t, 0, f.gen.calls)
			assert.Equal(t, domain.SourceFastIntent, res.Source)
			assert.False(t, res.UsedFallback)
			assert.NotEmpty(t, res.Reply)
		})
	}
}

func TestFastIntentResults(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	state := domain.WizardState{CurrentChapter: domain.ChapterBasis}

	res := f.o.OrchestrateTurn(ctx, Input{State: state, Message: "ga naar budget"})
	assert.Equal(t, domain.ChapterBudget, res.Navigate)
	assert.Empty(t, res.Patches)

	res = f.o.OrchestrateTurn(ctx, Input{State: state, Message: "+10k"})
	require.Len(t, res.Patches, 1)
	assert.Equal(t, domain.OpAdd, res.Patches[0].Delta.Operation)
	assert.Equal(t, 10000.0, res.Patches[0].Delta.Value)
	assert.True(t, HasPendingPatches(res))

	res = f.o.OrchestrateTurn(ctx, Input{State: state, Message: "focus op verwarming"})
	assert.Equal(t, "techniek:heating", res.FocusField)
	assert.Equal(t, domain.ChapterTechniek, res.Navigate)

	res = f.o.OrchestrateTurn(ctx, Input{State: state, Message: "vorige"})
	assert.Empty(t, res.Navigate)
	assert.Contains(t, res.Reply, "no chapter")
}

func TestFastIntentAnswersWhenItCannotApply(t *testing.T) {
	cfg := config.Default("p")
	var chapters []config.Chapter
	for _, ch := range cfg.Chapters {
		if ch.Key != domain.ChapterTechniek {
			chapters = append(chapters, ch)
		}
	}
	cfg.Chapters = chapters
	cfg.Turn.FastIntentConfidence = 0.99

	pl := &countingPlanner{}
	gen := &countingGenerator{res: &domain.OrchestratorResult{Reply: "planned"}}
	o := New(cfg, gen, nil, zap.NewNop())
	o.Planner = pl
	state := domain.WizardState{CurrentChapter: domain.ChapterBasis}
	ctx := context.Background()

	res := o.OrchestrateTurn(ctx, Input{State: state, Message: "ga naar techniek"})
	assert.Equal(t, domain.SourceFastIntent, res.Source)
	assert.Empty(t, res.Navigate)
	assert.Contains(t, res.Reply, "no chapter")

	res = o.OrchestrateTurn(ctx, Input{State: state, Message: "focus op verwarming"})
	assert.Empty(t, res.FocusField)
	assert.Contains(t, res.Reply, "no chapter")

	res = o.OrchestrateTurn(ctx, Input{State: state, Message: "3 slaapkamers"})
	assert.Equal(t, domain.SourceFastIntent, res.Source)
	assert.Empty(t, res.Patches)
	require.Len(t, res.Suggestions, 1)
	assert.Equal(t, "bedrooms", res.Suggestions[0].Delta.Path)
	assert.Contains(t, res.Reply, "Did you mean")

	assert.Equal(t, 0, pl.calls)
	assert.Equal(t, 0, gen.calls)
}

func TestChapterTransitionRunsInitOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	state := domain.WizardState{CurrentChapter: domain.ChapterWensen}

	res := f.o.OrchestrateTurn(ctx, Input{State: state, PreviousChapter: domain.ChapterBasis, Message: "3 slaapkamers"})
	assert.Equal(t, 1, f.init.calls)
	assert.Equal(t, 0, f.plan.calls)
	assert.Equal(t, 0, f.gen.calls)
	assert.True(t, res.ChapterInit)
	assert.Equal(t, domain.SourceChapterInit, res.Source)
	assert.Equal(t, domain.ChapterWensen, res.Chapter)
	assert.Empty(t, res.Patches)

	res = f.o.OrchestrateTurn(ctx, Input{State: state, PreviousChapter: res.Chapter, Message: "we willen veel licht"})
	assert.Equal(t, 1, f.init.calls)
	assert.Equal(t, 1, f.plan.calls)
	assert.Equal(t, 1, f.gen.calls)
	assert.False(t, res.ChapterInit)

	// an empty previous chapter is not a transition
	f.o.OrchestrateTurn(ctx, Input{State: state, Message: "hallo"})
	assert.Equal(t, 1, f.init.calls)
}

func TestIntroInitializer(t *testing.T) {
	res := IntroInitializer{Config: config.Default("p")}.InitChapter(context.Background(), domain.WizardState{CurrentChapter: domain.ChapterWensen})
	assert.Contains(t, res.Reply, "Welcome to Wishes.")
	assert.Contains(t, res.Reply, "Still open: wishes.")
	assert.Equal(t, "wensen:wishes", res.FocusField)
}

func TestConfidenceBands(t *testing.T) {
	tests := []struct {
		confidence  float64
		patches     int
		suggestions int
		pending     bool
	}{
		{0.97, 1, 0, false},
		{0.95, 1, 0, false},
		{0.8, 1, 0, true},
		{0.7, 1, 0, true},
		{0.6, 0, 1, false},
	}
	for _, tt := range tests {
		f := newFixture()
		f.gen.res.Confidence = tt.confidence
		res := f.o.OrchestrateTurn(context.Background(), Input{State: domain.WizardState{CurrentChapter: domain.ChapterRuimtes}, Message: "we hebben er drie nodig"})
		assert.Equal(t, domain.SourcePlanned, res.Source, "confidence %v", tt.confidence)
		assert.Len(t, res.Patches, tt.patches, "confidence %v", tt.confidence)
		assert.Len(t, res.Suggestions, tt.suggestions, "confidence %v", tt.confidence)
		assert.Equal(t, tt.pending, HasPendingPatches(res), "confidence %v", tt.confidence)
	}
}

func TestMissingResultConfidenceUsesPlan(t *testing.T) {
	f := newFixture()
	f.gen.res.Confidence = 0
	f.plan.plan.Confidence = 0.97
	res := f.o.OrchestrateTurn(context.Background(), Input{State: domain.WizardState{CurrentChapter: domain.ChapterRuimtes}, Message: "we hebben er drie nodig"})
	assert.Equal(t, domain.SourcePlanned, res.Source)
	assert.Len(t, res.Patches, 1)
	assert.Empty(t, res.Suggestions)
	assert.False(t, HasPendingPatches(res))
	assert.Equal(t, 0.97, res.Confidence)

	f = newFixture()
	f.gen.res.Confidence = 0
	f.plan.plan.Confidence = 0.8
	res = f.o.OrchestrateTurn(context.Background(), Input{State: domain.WizardState{CurrentChapter: domain.ChapterRuimtes}, Message: "we hebben er drie nodig"})
	assert.True(t, HasPendingPatches(res))
}

func TestGenerationFailureFallsBack(t *testing.T) {
	f := newFixture()
	f.gen.err = llm.ErrUnavailable
	res := f.o.OrchestrateTurn(context.Background(), Input{State: domain.WizardState{CurrentChapter: domain.ChapterRuimtes}, Message: "we hebben er drie nodig"})
	assert.True(t, UsedFallback(res))
	assert.Equal(t, domain.SourceFallback, res.Source)
	assert.NotNil(t, res.Patches)
	assert.Empty(t, res.Patches)
	assert.Equal(t, 2, f.gen.calls)
	assert.NotEmpty(t, res.Reply)
}

func TestPlannerPanicIsContained(t *testing.T) {
	f := newFixture()
	f.plan.panic = true
	res := f.o.OrchestrateTurn(context.Background(), Input{State: domain.WizardState{CurrentChapter: domain.ChapterRuimtes}, Message: "iets"})
	assert.True(t, res.UsedFallback)
	assert.Equal(t, domain.SourceFallback, res.Source)
}

func TestRetrievalIsGatedAndDegrades(t *testing.T) {
	f := newFixture()
	r := &fakeRetriever{
		answers: map[string]string{"is een warmtepomp slim": "Heat pumps need good insulation."},
		fail:    map[string]bool{"heating": true},
	}
	f.o.Retriever = r
	state := domain.WizardState{CurrentChapter: domain.ChapterTechniek}

	f.o.OrchestrateTurn(context.Background(), Input{State: state, Message: "is een warmtepomp slim"})
	assert.Empty(t, r.queries)

	f.o.OrchestrateTurn(context.Background(), Input{State: state, Message: "is een warmtepomp slim", AllowRetrieval: true})
	sort.Strings(r.queries)
	assert.Equal(t, []string{"heating", "is een warmtepomp slim"}, r.queries)
	require.Len(t, f.gen.reqs, 2)
	assert.Empty(t, f.gen.reqs[0].Knowledge)
	assert.Equal(t, "Heat pumps need good insulation.", f.gen.reqs[1].Knowledge)
	assert.Equal(t, "heating", f.gen.reqs[1].Anticipated)
}

func TestWatchFieldsPutsFocusFirst(t *testing.T) {
	o := New(config.Default("p"), nil, nil, nil)
	focus := "ruimtes:floorArea"
	state := domain.WizardState{
		CurrentChapter: domain.ChapterRuimtes,
		FocusedField:   &focus,
		ChapterAnswers: map[string]map[string]any{"ruimtes": {"bedrooms": 3}},
	}
	var ids []string
	for _, f := range o.watchFields(state) {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"floorArea", "bathrooms"}, ids)
}

func TestRulesPipelineEndToEnd(t *testing.T) {
	cfg := config.Default("p")
	o := New(cfg, llm.RulesGenerator{Config: cfg}, nil, nil)
	ctx := context.Background()

	res := o.OrchestrateTurn(ctx, Input{State: domain.WizardState{CurrentChapter: domain.ChapterRuimtes}, Message: "We willen 4 slaapkamers en 2 badkamers"})
	assert.Equal(t, domain.SourcePlanned, res.Source)
	assert.Len(t, res.Patches, 2)
	assert.True(t, HasPendingPatches(res))
	assert.Contains(t, res.Reply, "Noted:")

	res = o.OrchestrateTurnSimple(ctx, domain.WizardState{CurrentChapter: domain.ChapterTechniek}, "Wat kost een warmtepomp?")
	assert.Equal(t, domain.SourcePlanned, res.Source)
	assert.Empty(t, res.Patches)
	assert.False(t, res.UsedFallback)
}

func TestRulesPipelineClarifiesRepeatedCorrection(t *testing.T) {
	cfg := config.Default("p")
	o := New(cfg, llm.RulesGenerator{Config: cfg}, nil, nil)
	memory := []domain.Turn{{UserMessage: "we willen 3 slaapkamers", Reply: "Noted."}}

	res := o.OrchestrateTurn(context.Background(), Input{
		State:   domain.WizardState{CurrentChapter: domain.ChapterRuimtes},
		Message: "nee, we willen 4 slaapkamers",
		Memory:  memory,
	})
	assert.Equal(t, domain.SourcePlanned, res.Source)
	assert.Empty(t, res.Patches)
	assert.Empty(t, res.Suggestions)
	assert.Contains(t, res.Reply, "What exactly should I write down?")
}

func TestDetectSignals(t *testing.T) {
	assert.Contains(t, detectSignals("hmm, misschien drie", nil), domain.SignalHesitation)

	memory := []domain.Turn{{UserMessage: "we willen 3 slaapkamers"}}
	assert.Contains(t, detectSignals("we willen 3 slaapkamers", memory), domain.SignalRepeat)

	signals := detectSignals("nee, we willen 4 slaapkamers", memory)
	assert.Contains(t, signals, domain.SignalCorrection)
	assert.Contains(t, signals, domain.SignalRepeatedCorrection)

	assert.Empty(t, detectSignals("de keuken moet open zijn", memory))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("abc", "abc"))
	assert.Equal(t, 0.0, similarity("abc", "xyz"))
	assert.InDelta(t, 0.75, similarity("abcd", "abce"), 1e-9)
}
