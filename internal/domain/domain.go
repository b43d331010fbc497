package domain

import "time"

// Known chapter keys. The catalog in pve.yml may extend or narrow this set.
const (
	ChapterBasis        = "basis"
	ChapterRuimtes      = "ruimtes"
	ChapterWensen       = "wensen"
	ChapterBudget       = "budget"
	ChapterTechniek     = "techniek"
	ChapterDuurzaamheid = "duurzaamheid"
	ChapterRisico       = "risico"
)

// Conversation modes. Preview mode must not quote concrete prices.
const (
	ModePreview = "preview"
	ModePremium = "premium"
)

// Event log types.
const (
	NotificationEvtType = "architect.notification"
	TurnRecordedEvtType = "turn.recorded"
)

// DefaultChapterFlow is the navigation order used when a state carries none.
var DefaultChapterFlow = []string{
	ChapterBasis,
	ChapterRuimtes,
	ChapterWensen,
	ChapterBudget,
	ChapterTechniek,
	ChapterDuurzaamheid,
	ChapterRisico,
}

// WizardState is the project-answer document owned by the caller.
type WizardState struct {
	StateVersion   int                       `json:"state_version"`
	ChapterAnswers map[string]map[string]any `json:"chapter_answers,omitempty"`
	CurrentChapter string                    `json:"current_chapter"`
	ChapterFlow    []string                  `json:"chapter_flow,omitempty"`
	FocusedField   *string                   `json:"focused_field,omitempty"`
}

// Flow returns the chapter flow, falling back to the default order.
func (s WizardState) Flow() []string {
	if len(s.ChapterFlow) > 0 {
		return s.ChapterFlow
	}
	return DefaultChapterFlow
}

// Answer returns the stored value for chapter/field.
func (s WizardState) Answer(chapter, field string) (any, bool) {
	answers, ok := s.ChapterAnswers[chapter]
	if !ok {
		return nil, false
	}
	v, ok := answers[field]
	return v, ok
}

// Patch operations.
const (
	OpAdd    = "add"
	OpSet    = "set"
	OpAppend = "append"
	OpRemove = "remove"
)

type Delta struct {
	Path      string `json:"path"`
	Operation string `json:"operation" enum:"add,set,append,remove"`
	Value     any    `json:"value,omitempty"`
}

// PatchEvent is one atomic intended mutation to a chapter's answers.
type PatchEvent struct {
	Chapter string `json:"chapter"`
	Delta   Delta  `json:"delta"`
}

// Behaviour signals derived from the utterance and conversation memory.
const (
	SignalHesitation         = "hesitation"
	SignalCorrection         = "correction"
	SignalRepeatedCorrection = "repeated_correction"
	SignalRepeat             = "repeat"
)

// Turn plan goals.
const (
	GoalClarify = "clarify"
	GoalExtract = "extract"
	GoalAdvise  = "advise"
)

// TurnPlan is produced by the planner and discarded after execution.
type TurnPlan struct {
	Goal          string       `json:"goal" enum:"clarify,extract,advise"`
	TargetChapter string       `json:"target_chapter,omitempty"`
	Patches       []PatchEvent `json:"patches,omitempty"`
	Navigate      string       `json:"navigate,omitempty"`
	Confidence    float64      `json:"confidence"`
	Rationale     string       `json:"rationale,omitempty"`
}

// OrchestratorResult is what the response-generation capability returns,
// annotated by the fallback strategy.
type OrchestratorResult struct {
	Reply        string       `json:"reply"`
	Patches      []PatchEvent `json:"patches,omitempty"`
	Navigate     string       `json:"navigate,omitempty"`
	Confidence   float64      `json:"confidence"`
	UsedFallback bool         `json:"used_fallback,omitempty"`
	Attempts     int          `json:"attempts,omitempty"`
	Reasons      []string     `json:"reasons,omitempty"`
}

// EffectiveConfidence is the result's own confidence, or the plan's when the
// generator reported none.
func EffectiveConfidence(res OrchestratorResult, plan TurnPlan) float64 {
	if res.Confidence > 0 {
		return res.Confidence
	}
	return plan.Confidence
}

// Turn result sources.
const (
	SourceFastIntent  = "fast_intent"
	SourceChapterInit = "chapter_init"
	SourcePlanned     = "planned"
	SourceFallback    = "fallback"
)

// TurnResult is the unified answer handed back to the chat endpoint.
type TurnResult struct {
	Reply          string       `json:"reply"`
	Patches        []PatchEvent `json:"patches"`
	Suggestions    []PatchEvent `json:"suggestions,omitempty"`
	Navigate       string       `json:"navigate,omitempty"`
	FocusField     string       `json:"focus_field,omitempty"`
	PendingPatches bool         `json:"pending_patches"`
	UsedFallback   bool         `json:"used_fallback"`
	ChapterInit    bool         `json:"chapter_init"`
	Chapter        string       `json:"chapter"`
	Source         string       `json:"source" enum:"fast_intent,chapter_init,planned,fallback"`
	Confidence     float64      `json:"confidence"`
	Reasons        []string     `json:"reasons,omitempty"`
}

// Turn is one persisted exchange, used as conversation memory.
type Turn struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	TS           string `json:"ts" format:"date-time"`
	Chapter      string `json:"chapter"`
	UserMessage  string `json:"user_message"`
	Reply        string `json:"reply"`
	Source       string `json:"source"`
	UsedFallback bool   `json:"used_fallback"`
	PatchesJSON  string `json:"patches_json,omitempty"`
}

// Architect event priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// PriorityRank orders priorities; unknown values rank as low.
func PriorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ArchitectEvent is a domain occurrence eligible for human-architect notification.
type ArchitectEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	ProjectID string         `json:"project_id"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  string         `json:"priority" enum:"low,medium,high"`
	Chapter   string         `json:"chapter,omitempty"`
	FieldPath string         `json:"field_path,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Event is a row of the append-only event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// KnowledgeSnippet is a retrievable piece of guidance text.
type KnowledgeSnippet struct {
	ID      string `json:"id" yaml:"id"`
	Chapter string `json:"chapter,omitempty" yaml:"chapter"`
	Title   string `json:"title" yaml:"title"`
	Body    string `json:"body" yaml:"body"`
}
