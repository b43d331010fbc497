package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pveassist/internal/domain"
	"pveassist/internal/events"
	"pveassist/internal/orchestrator"
	"pveassist/internal/repo"
)

// TurnRequest is one chat message with the caller's wizard state.
type TurnRequest struct {
	ProjectID string
	ActorID   string
	Message   string
	State     domain.WizardState
	// PreviousChapter defaults to the chapter of the last stored turn.
	PreviousChapter string
	Mode            string
	AllowRetrieval  bool
}

// RunTurn feeds stored memory into the orchestrator and persists the
// exchange together with a turn.recorded event.
func (rt *Runtime) RunTurn(ctx context.Context, req TurnRequest) (domain.TurnResult, domain.Turn, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return domain.TurnResult{}, domain.Turn{}, fmt.Errorf("project id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return domain.TurnResult{}, domain.Turn{}, fmt.Errorf("message is required")
	}
	memory, err := rt.Repo.RecentTurns(ctx, req.ProjectID, rt.memoryTurns())
	if err != nil {
		return domain.TurnResult{}, domain.Turn{}, fmt.Errorf("load memory: %w", err)
	}
	previous := req.PreviousChapter
	if previous == "" {
		previous, err = rt.Repo.LastTurnChapter(ctx, req.ProjectID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.TurnResult{}, domain.Turn{}, fmt.Errorf("load previous chapter: %w", err)
		}
	}

	res := rt.Orchestrator.OrchestrateTurn(ctx, orchestrator.Input{
		ProjectID:       req.ProjectID,
		State:           req.State,
		Message:         req.Message,
		PreviousChapter: previous,
		Memory:          memory,
		Mode:            req.Mode,
		AllowRetrieval:  req.AllowRetrieval,
	})

	turn, err := rt.recordTurn(ctx, req, res)
	if err != nil {
		return res, domain.Turn{}, err
	}
	rt.Logger.Info("turn recorded",
		zap.String("project", req.ProjectID),
		zap.String("source", res.Source),
		zap.Bool("used_fallback", res.UsedFallback),
		zap.Int("patches", len(res.Patches)),
	)
	return res, turn, nil
}

func (rt *Runtime) recordTurn(ctx context.Context, req TurnRequest, res domain.TurnResult) (domain.Turn, error) {
	patches, err := json.Marshal(res.Patches)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("marshal patches: %w", err)
	}
	turn := domain.Turn{
		ID:           uuid.NewString(),
		ProjectID:    req.ProjectID,
		TS:           rt.Now().UTC().Format(time.RFC3339),
		Chapter:      res.Chapter,
		UserMessage:  req.Message,
		Reply:        res.Reply,
		Source:       res.Source,
		UsedFallback: res.UsedFallback,
		PatchesJSON:  string(patches),
	}
	if turn.Chapter == "" {
		turn.Chapter = req.State.CurrentChapter
	}
	actor := req.ActorID
	if actor == "" {
		actor = "local-user"
	}

	tx, err := rt.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Turn{}, err
	}
	defer tx.Rollback()
	if err := rt.Repo.InsertTurnTx(ctx, tx, turn); err != nil {
		return domain.Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	if err := rt.Events.Append(ctx, tx, domain.TurnRecordedEvtType, req.ProjectID, events.EntityTurn, turn.ID, actor, events.EventPayload{
		"chapter":       turn.Chapter,
		"source":        res.Source,
		"used_fallback": res.UsedFallback,
		"patches":       len(res.Patches),
		"suggestions":   len(res.Suggestions),
		"reasons":       res.Reasons,
	}); err != nil {
		return domain.Turn{}, fmt.Errorf("append turn event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Turn{}, err
	}
	return turn, nil
}

// EnqueueArchitectEvents hands events to the project's queue and returns the
// number accepted.
func (rt *Runtime) EnqueueArchitectEvents(projectID, actorID string, evs []domain.ArchitectEvent) int {
	for i := range evs {
		if evs[i].UserID == "" {
			evs[i].UserID = actorID
		}
	}
	return rt.Queues.Enqueue(projectID, evs)
}

func (rt *Runtime) memoryTurns() int {
	if n := rt.Config.Turn.MemoryTurns; n > 0 {
		return n
	}
	return orchestrator.DefaultMemoryTurns
}
