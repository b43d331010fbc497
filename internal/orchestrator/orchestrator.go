// Package orchestrator coordinates one chat turn: chapter initialization, the
// fast intent path, context assembly, planning and guarded generation.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pveassist/internal/config"
	"pveassist/internal/domain"
	"pveassist/internal/fallback"
	"pveassist/internal/guard"
	"pveassist/internal/intent"
	"pveassist/internal/llm"
	"pveassist/internal/planner"
	"pveassist/internal/schema"
)

// Default merge thresholds.
const (
	DefaultAutoApplyConfidence  = 0.95
	DefaultPendingConfidence    = 0.7
	DefaultFastIntentConfidence = 0.85
	DefaultMemoryTurns          = 6
	DefaultRetrievalLimit       = 3
)

// Input is one user utterance with the caller-owned state.
type Input struct {
	ProjectID string
	State     domain.WizardState
	Message   string
	// PreviousChapter is the chapter of the caller's previous turn. A
	// different non-empty value marks a chapter transition.
	PreviousChapter string
	Memory          []domain.Turn
	Mode            string
	AllowRetrieval  bool
}

type Orchestrator struct {
	Config      *config.Config
	Planner     planner.Planner
	Generator   llm.Generator
	Guard       guard.Guard
	Retriever   llm.Retriever
	ChapterInit ChapterInitializer
	Logger      *zap.Logger
	// Sleep is passed to the fallback strategy; nil waits on a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New wires an orchestrator with the rule-based planner, the config-driven
// schema guard and the chapter intro initializer.
func New(cfg *config.Config, gen llm.Generator, retriever llm.Retriever, logger *zap.Logger) *Orchestrator {
	if cfg == nil {
		cfg = config.Default("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		Config:      cfg,
		Planner:     planner.Rules{Config: cfg},
		Generator:   gen,
		Guard:       guard.New(cfg, schema.New(cfg)),
		Retriever:   retriever,
		ChapterInit: IntroInitializer{Config: cfg},
		Logger:      logger,
	}
}

// OrchestrateTurn never fails: every error path resolves to a fallback reply
// without patches.
func (o *Orchestrator) OrchestrateTurn(ctx context.Context, in Input) (res domain.TurnResult) {
	state := in.State
	if state.CurrentChapter == "" {
		state.CurrentChapter = state.Flow()[0]
	}
	log := o.logger().With(zap.String("project", in.ProjectID), zap.String("chapter", state.CurrentChapter))
	defer func() {
		if r := recover(); r != nil {
			log.Error("turn panicked", zap.Any("panic", r))
			res = fallbackTurn(state, []string{fmt.Sprintf("panic: %v", r)})
		}
	}()

	if in.PreviousChapter != "" && in.PreviousChapter != state.CurrentChapter {
		log.Info("chapter transition", zap.String("from", in.PreviousChapter))
		res = o.chapterInit().InitChapter(ctx, state)
		res.ChapterInit = true
		res.Source = domain.SourceChapterInit
		res.Chapter = state.CurrentChapter
		if res.Patches == nil {
			res.Patches = []domain.PatchEvent{}
		}
		return res
	}

	if fast := intent.Detect(in.Message); fast != nil {
		log.Debug("fast intent", zap.String("kind", string(fast.Kind)), zap.Float64("confidence", fast.Confidence))
		return o.fastPath(state, fast)
	}

	tc := o.assemble(ctx, in, state)
	plan, err := o.planner().Plan(ctx, planner.Input{
		Message: in.Message,
		State:   state,
		Missing: tc.missing,
		Signals: tc.signals,
	})
	if err != nil {
		log.Warn("planner failed", zap.Error(err))
		plan = domain.TurnPlan{Goal: domain.GoalClarify, TargetChapter: state.CurrentChapter}
	}

	mode := in.Mode
	if mode == "" {
		mode = domain.ModePreview
	}
	strategy := fallback.Strategy{
		Generator: o.Generator,
		Guard:     o.Guard.WithMode(mode),
		Logger:    log,
		Sleep:     o.Sleep,
	}
	req := llm.GenerateRequest{
		Message:     in.Message,
		State:       state,
		Plan:        plan,
		Mode:        mode,
		Memory:      tc.memory,
		Missing:     tc.missing,
		Signals:     tc.signals,
		Anticipated: tc.anticipated,
		Knowledge:   tc.knowledge,
		Temperature: o.temperature(),
	}
	out := strategy.RunWithGuardAndRetry(ctx, req, fallback.Options{
		MaxAttempts: o.turnConfig().MaxAttempts,
		Backoff:     o.turnConfig().Backoff(),
	})
	res = o.merge(state, plan, out)
	log.Info("turn orchestrated",
		zap.String("goal", plan.Goal),
		zap.String("source", res.Source),
		zap.Int("attempts", out.Attempts),
		zap.Strings("reasons", out.Reasons),
		zap.Int("patches", len(res.Patches)),
		zap.Bool("pending", res.PendingPatches))
	return res
}

// OrchestrateTurnSimple runs a turn without memory, previous chapter or
// retrieval, in preview mode.
func (o *Orchestrator) OrchestrateTurnSimple(ctx context.Context, state domain.WizardState, message string) domain.TurnResult {
	return o.OrchestrateTurn(ctx, Input{State: state, Message: message, Mode: domain.ModePreview})
}

// HasPendingPatches reports whether the caller must confirm patches inline.
func HasPendingPatches(r domain.TurnResult) bool {
	return r.PendingPatches && len(r.Patches) > 0
}

func UsedFallback(r domain.TurnResult) bool { return r.UsedFallback }

// merge applies the confidence bands to a validated generation result.
func (o *Orchestrator) merge(state domain.WizardState, plan domain.TurnPlan, out domain.OrchestratorResult) domain.TurnResult {
	if out.UsedFallback {
		res := fallbackTurn(state, out.Reasons)
		res.Reply = out.Reply
		return res
	}
	confidence := domain.EffectiveConfidence(out, plan)
	res := domain.TurnResult{
		Reply:      out.Reply,
		Patches:    []domain.PatchEvent{},
		Navigate:   out.Navigate,
		Chapter:    state.CurrentChapter,
		Source:     domain.SourcePlanned,
		Confidence: confidence,
		Reasons:    out.Reasons,
	}
	o.applyBands(&res, out.Patches, confidence)
	return res
}

func (o *Orchestrator) applyBands(res *domain.TurnResult, patches []domain.PatchEvent, confidence float64) {
	if len(patches) == 0 {
		return
	}
	switch {
	case confidence >= o.autoApplyConfidence():
		res.Patches = append(res.Patches, patches...)
	case confidence >= o.pendingConfidence():
		res.Patches = append(res.Patches, patches...)
		res.PendingPatches = true
	default:
		res.Suggestions = append(res.Suggestions, patches...)
	}
}

func fallbackTurn(state domain.WizardState, reasons []string) domain.TurnResult {
	out := fallback.BuildFallbackResponse(state)
	return domain.TurnResult{
		Reply:        out.Reply,
		Patches:      []domain.PatchEvent{},
		UsedFallback: true,
		Chapter:      state.CurrentChapter,
		Source:       domain.SourceFallback,
		Reasons:      reasons,
	}
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

func (o *Orchestrator) planner() planner.Planner {
	if o.Planner != nil {
		return o.Planner
	}
	return planner.Rules{Config: o.Config}
}

func (o *Orchestrator) chapterInit() ChapterInitializer {
	if o.ChapterInit != nil {
		return o.ChapterInit
	}
	return IntroInitializer{Config: o.Config}
}

func (o *Orchestrator) turnConfig() config.Turn {
	if o.Config == nil {
		return config.Turn{}
	}
	return o.Config.Turn
}

func (o *Orchestrator) autoApplyConfidence() float64 {
	return orDefault(o.turnConfig().AutoApplyConfidence, DefaultAutoApplyConfidence)
}

func (o *Orchestrator) pendingConfidence() float64 {
	return orDefault(o.turnConfig().PendingConfidence, DefaultPendingConfidence)
}

func (o *Orchestrator) fastIntentConfidence() float64 {
	return orDefault(o.turnConfig().FastIntentConfidence, DefaultFastIntentConfidence)
}

func (o *Orchestrator) temperature() float64 {
	if o.Config == nil {
		return 0
	}
	return o.Config.LLM.Temperature
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
