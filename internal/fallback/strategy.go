// Package fallback runs the generate, validate and retry loop and produces a
// safe canned reply when every attempt fails.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pveassist/internal/domain"
	"pveassist/internal/guard"
	"pveassist/internal/llm"
)

const DefaultMaxAttempts = 2

// Reasons for failures of the generation capability itself.
const (
	ReasonGenerationUnavailable = "generation_unavailable"
	ReasonGenerationEmpty       = "generation_empty"
	ReasonCancelled             = "cancelled"
)

// temperatureStep is subtracted from the request temperature per retry.
const (
	temperatureStep = 0.15
	minTemperature  = 0.05
)

const (
	fallbackReply   = "Sorry, I could not handle that properly. Could you rephrase your question? You can also ask your architect for help."
	fallbackChapter = " We will stay with %s for now."
)

type Options struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Validator is the guard contract used by the strategy.
type Validator interface {
	Validate(result *domain.OrchestratorResult, plan domain.TurnPlan) guard.Decision
}

type Strategy struct {
	Generator llm.Generator
	Guard     Validator
	Logger    *zap.Logger
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type state int

const (
	stateAttempting state = iota
	stateRetrying
	stateApproved
	stateExhausted
)

func (s state) String() string {
	switch s {
	case stateAttempting:
		return "attempting"
	case stateRetrying:
		return "retrying"
	case stateApproved:
		return "approved"
	default:
		return "exhausted"
	}
}

// RunWithGuardAndRetry generates a result for req and validates it. A retry
// verdict triggers another attempt while attempts remain; a hard fail or an
// exhausted budget yields BuildFallbackResponse. It never returns an error.
func (s Strategy) RunWithGuardAndRetry(ctx context.Context, req llm.GenerateRequest, opts Options) domain.OrchestratorResult {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	log := s.logger()

	var (
		st      = stateAttempting
		attempt int
		reasons []string
		result  *domain.OrchestratorResult
	)
	for {
		switch st {
		case stateAttempting:
			attempt++
			var d guard.Decision
			result, d = s.attempt(ctx, req, attempt, reasons)
			switch {
			case d.Approved():
				st = stateApproved
			case d.HardFail():
				reasons = append(reasons, d.Reason)
				st = stateExhausted
			default:
				reasons = append(reasons, d.Reason)
				st = stateRetrying
			}
			log.Debug("turn attempt",
				zap.Int("attempt", attempt),
				zap.String("verdict", string(d.Verdict)),
				zap.String("reason", d.Reason),
				zap.String("detail", d.Detail),
				zap.Stringer("next", st))

		case stateRetrying:
			if attempt >= opts.MaxAttempts {
				st = stateExhausted
				continue
			}
			if err := s.wait(ctx, opts.Backoff); err != nil {
				reasons = append(reasons, ReasonCancelled)
				st = stateExhausted
				continue
			}
			st = stateAttempting

		case stateApproved:
			out := *result
			out.UsedFallback = false
			out.Attempts = attempt
			out.Reasons = reasons
			return out

		case stateExhausted:
			out := BuildFallbackResponse(req.State)
			out.Attempts = attempt
			out.Reasons = reasons
			log.Warn("turn fell back", zap.Int("attempts", attempt), zap.Strings("reasons", reasons))
			return out
		}
	}
}

func (s Strategy) attempt(ctx context.Context, req llm.GenerateRequest, n int, reasons []string) (*domain.OrchestratorResult, guard.Decision) {
	req.Attempt = n
	req.Constraints = constraintsFor(req.Constraints, reasons)
	if req.Temperature > 0 && n > 1 {
		req.Temperature -= temperatureStep * float64(n-1)
		if req.Temperature < minTemperature {
			req.Temperature = minTemperature
		}
	}

	res, err := s.generate(ctx, req)
	switch {
	case errors.Is(err, llm.ErrMalformedOutput):
		return nil, guard.Decision{Verdict: guard.VerdictHardFail, Reason: guard.ReasonMalformedOutput, Detail: err.Error()}
	case errors.Is(err, llm.ErrEmptyResponse):
		return nil, guard.Decision{Verdict: guard.VerdictRetry, Reason: ReasonGenerationEmpty}
	case err != nil:
		return nil, guard.Decision{Verdict: guard.VerdictRetry, Reason: ReasonGenerationUnavailable, Detail: err.Error()}
	case res == nil:
		return nil, guard.Decision{Verdict: guard.VerdictRetry, Reason: ReasonGenerationEmpty}
	}
	if s.Guard == nil {
		return res, guard.Decision{Verdict: guard.VerdictApproved}
	}
	return res, s.Guard.Validate(res, req.Plan)
}

func (s Strategy) generate(ctx context.Context, req llm.GenerateRequest) (res *domain.OrchestratorResult, err error) {
	if s.Generator == nil {
		return nil, fmt.Errorf("%w: no generator configured", llm.ErrUnavailable)
	}
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("%w: panic: %v", llm.ErrUnavailable, r)
		}
	}()
	return s.Generator.Generate(ctx, req)
}

func (s Strategy) wait(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s Strategy) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// constraintsFor extends base with the instruction matching each failure reason.
func constraintsFor(base []string, reasons []string) []string {
	out := append([]string(nil), base...)
	seen := map[string]bool{}
	for _, c := range out {
		seen[c] = true
	}
	for _, r := range reasons {
		c := constraintFor(r)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func constraintFor(reason string) string {
	switch reason {
	case guard.ReasonPricingInPreview:
		return llm.ConstraintNoPricing
	case guard.ReasonUnknownChapter, guard.ReasonSchemaViolation:
		return llm.ConstraintKnownOnly
	case guard.ReasonLowConfidence:
		return llm.ConstraintClarify
	case guard.ReasonDisallowedContent:
		return llm.ConstraintSafeLanguage
	case guard.ReasonEmptyReply, ReasonGenerationEmpty:
		return llm.ConstraintNonEmpty
	}
	return ""
}

// BuildFallbackResponse is the degraded reply: apologetic, no patches and no
// navigation change.
func BuildFallbackResponse(state domain.WizardState) domain.OrchestratorResult {
	reply := fallbackReply
	if state.CurrentChapter != "" {
		reply += fmt.Sprintf(fallbackChapter, state.CurrentChapter)
	}
	return domain.OrchestratorResult{
		Reply:        reply,
		UsedFallback: true,
	}
}
