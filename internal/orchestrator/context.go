package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pveassist/internal/domain"
	"pveassist/internal/llm"
)

// turnContext is the assembled context for the planning path.
type turnContext struct {
	memory      []domain.Turn
	missing     []llm.FieldRef
	signals     []string
	anticipated string
	knowledge   string
}

func (o *Orchestrator) assemble(ctx context.Context, in Input, state domain.WizardState) turnContext {
	tc := turnContext{
		memory:  lastTurns(in.Memory, o.memoryTurns()),
		missing: o.watchFields(state),
	}
	tc.signals = detectSignals(in.Message, tc.memory)
	tc.anticipated = o.anticipate(state, tc.missing)
	if in.AllowRetrieval && o.Retriever != nil {
		tc.knowledge = o.retrieve(ctx, in.Message, tc.anticipated)
	}
	return tc
}

func lastTurns(turns []domain.Turn, n int) []domain.Turn {
	if n <= 0 || len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

// watchFields lists the open required fields of the current chapter. The
// focused field comes first when it belongs to the current chapter.
func (o *Orchestrator) watchFields(state domain.WizardState) []llm.FieldRef {
	if o.Config == nil {
		return nil
	}
	ch, ok := o.Config.Chapter(state.CurrentChapter)
	if !ok {
		return nil
	}
	var focused string
	if state.FocusedField != nil {
		if chapter, field, ok := strings.Cut(*state.FocusedField, ":"); ok && chapter == ch.Key {
			focused = field
		}
	}
	var out []llm.FieldRef
	for _, f := range ch.Fields {
		ref := llm.FieldRef{Chapter: ch.Key, ID: f.ID, Label: f.Label}
		if ref.Label == "" {
			ref.Label = f.ID
		}
		if f.ID == focused {
			out = append([]llm.FieldRef{ref}, out...)
			continue
		}
		if !f.Required {
			continue
		}
		if v, ok := state.Answer(ch.Key, f.ID); ok && !isEmpty(v) {
			continue
		}
		out = append(out, ref)
	}
	return out
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	}
	return false
}

// anticipate names the likely next topic: the next open field, otherwise
// the next chapter in the flow.
func (o *Orchestrator) anticipate(state domain.WizardState, missing []llm.FieldRef) string {
	if len(missing) > 0 {
		return missing[0].Label
	}
	if next := stepChapter(state, 1); next != "" {
		return o.chapterTitle(next)
	}
	return ""
}

// retrieve queries the utterance and the anticipated topic concurrently.
// Failures degrade to an empty result.
func (o *Orchestrator) retrieve(ctx context.Context, message, anticipated string) string {
	queries := []string{message}
	if anticipated != "" && !strings.EqualFold(anticipated, message) {
		queries = append(queries, anticipated)
	}
	results := make([]string, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					o.logger().Warn("retrieval panicked", zap.Any("panic", r))
				}
			}()
			text, err := o.Retriever.Retrieve(gctx, q, o.retrievalLimit())
			if err != nil {
				o.logger().Warn("retrieval failed", zap.String("query", q), zap.Error(err))
				return nil
			}
			results[i] = strings.TrimSpace(text)
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	seen := map[string]bool{}
	for _, r := range results {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return strings.Join(out, "\n\n")
}

func (o *Orchestrator) memoryTurns() int {
	if n := o.turnConfig().MemoryTurns; n > 0 {
		return n
	}
	return DefaultMemoryTurns
}

func (o *Orchestrator) retrievalLimit() int {
	if n := o.turnConfig().RetrievalLimit; n > 0 {
		return n
	}
	return DefaultRetrievalLimit
}
