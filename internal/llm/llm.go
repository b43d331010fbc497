// Package llm defines the response-generation and knowledge-retrieval
// capabilities used by the turn pipeline, plus the backends that implement
// them.
package llm

import (
	"context"
	"errors"

	"pveassist/internal/domain"
)

var (
	ErrUnavailable     = errors.New("llm unavailable")
	ErrEmptyResponse   = errors.New("llm empty response")
	ErrMalformedOutput = errors.New("llm malformed output")
)

// FieldRef points at a chapter field the user has not answered yet.
type FieldRef struct {
	Chapter string `json:"chapter"`
	ID      string `json:"id"`
	Label   string `json:"label"`
}

func (f FieldRef) Pointer() string { return f.Chapter + ":" + f.ID }

// GenerateRequest is everything a generator may use to answer one turn.
type GenerateRequest struct {
	Message string
	State   domain.WizardState
	Plan    domain.TurnPlan
	Mode    string
	Memory  []domain.Turn
	// Missing lists open required fields of the current chapter, focused field first.
	Missing []FieldRef
	Signals []string
	// Anticipated is the likely next topic.
	Anticipated string
	Knowledge   string
	// Constraints are instructions derived from earlier failed attempts.
	Constraints []string
	Temperature float64
	Attempt     int
}

// Generator produces a turn result. A nil result with a nil error counts as
// an empty response.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*domain.OrchestratorResult, error)
}

// Retriever returns plain-text guidance for query. Callers treat errors as
// an empty result.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (*domain.OrchestratorResult, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (*domain.OrchestratorResult, error) {
	return f(ctx, req)
}
