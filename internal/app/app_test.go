package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pveassist/internal/config"
	"pveassist/internal/domain"
	"pveassist/internal/eventqueue"
	"pveassist/internal/llm"
	"pveassist/internal/repo"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.Default("villa")
	rt, err := Open(context.Background(), Options{
		Workspace:    t.TempDir(),
		Config:       cfg,
		QueueOptions: []eventqueue.Option{eventqueue.WithTimings(config.Queue{DebounceMS: 10, DedupeTTLSeconds: 30, RateLimitSeconds: 10})},
	})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestRunTurnPersistsMemoryAndDerivesTransition(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	res, turn, err := rt.RunTurn(ctx, TurnRequest{
		ProjectID: "villa",
		Message:   "We willen 4 slaapkamers en 2 badkamers",
		State:     domain.WizardState{CurrentChapter: domain.ChapterRuimtes},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SourcePlanned, res.Source)
	assert.Len(t, res.Patches, 2)
	assert.Equal(t, domain.ChapterRuimtes, turn.Chapter)
	assert.Contains(t, turn.PatchesJSON, "bedrooms")

	res, _, err = rt.RunTurn(ctx, TurnRequest{
		ProjectID: "villa",
		Message:   "wat nu?",
		State:     domain.WizardState{CurrentChapter: domain.ChapterWensen},
	})
	require.NoError(t, err)
	assert.True(t, res.ChapterInit)
	assert.Equal(t, domain.SourceChapterInit, res.Source)

	turns, err := rt.Repo.RecentTurns(ctx, "villa", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.ChapterWensen, turns[1].Chapter)

	evs, err := rt.Repo.ListEvents(ctx, repo.EventFilters{ProjectID: "villa", Type: domain.TurnRecordedEvtType})
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestRunTurnValidatesInput(t *testing.T) {
	rt := newRuntime(t)
	_, _, err := rt.RunTurn(context.Background(), TurnRequest{ProjectID: "villa", Message: "  "})
	assert.ErrorContains(t, err, "message is required")
	_, _, err = rt.RunTurn(context.Background(), TurnRequest{Message: "hallo"})
	assert.ErrorContains(t, err, "project id is required")
}

func TestArchitectEventsReachEventLog(t *testing.T) {
	rt := newRuntime(t)
	n := rt.EnqueueArchitectEvents("villa", "u1", []domain.ArchitectEvent{
		{Type: "budget.changed", Priority: domain.PriorityLow},
		{Type: "risk.flagged", Priority: domain.PriorityHigh},
	})
	assert.Equal(t, 2, n)

	var evs []domain.Event
	require.Eventually(t, func() bool {
		var err error
		evs, err = rt.Repo.ListEvents(context.Background(), repo.EventFilters{ProjectID: "villa", Type: domain.NotificationEvtType})
		return err == nil && len(evs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "u1", evs[0].ActorID)
	assert.Contains(t, evs[0].Payload, `"type":"risk.flagged"`)
}

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := ResolveConfig(dir, "")
	assert.Error(t, err)

	cfg, err := ResolveConfig(dir, "override")
	require.NoError(t, err)
	assert.Equal(t, "override", cfg.Project.ID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pve.yml"), []byte(config.GenerateDefault("from-file")), 0o644))
	cfg, err = ResolveConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Project.ID)
}

func TestNewGenerator(t *testing.T) {
	cfg := config.Default("p")
	gen, err := NewGenerator(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, llm.RulesGenerator{}, gen)

	cfg.LLM.Provider = "gemini"
	cfg.LLM.APIKeyEnv = "PVE_TEST_UNSET_GEMINI_KEY"
	_, err = NewGenerator(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "PVE_TEST_UNSET_GEMINI_KEY")
}
