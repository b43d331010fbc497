package pvesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal PvE assistant HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   30 * time.Second,
	}
}

// WizardState is the caller-owned answer document sent with every turn.
type WizardState struct {
	StateVersion   int                       `json:"state_version"`
	ChapterAnswers map[string]map[string]any `json:"chapter_answers,omitempty"`
	CurrentChapter string                    `json:"current_chapter"`
	ChapterFlow    []string                  `json:"chapter_flow,omitempty"`
	FocusedField   *string                   `json:"focused_field,omitempty"`
}

type Delta struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Value     any    `json:"value,omitempty"`
}

type PatchEvent struct {
	Chapter string `json:"chapter"`
	Delta   Delta  `json:"delta"`
}

// TurnOptions are the optional fields of a turn request.
type TurnOptions struct {
	PreviousChapter string `json:"previous_chapter,omitempty"`
	Mode            string `json:"mode,omitempty"`
	AllowRetrieval  bool   `json:"allow_retrieval,omitempty"`
}

// TurnResult mirrors the server's unified turn answer.
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
	Source         string       `json:"source"`
	Confidence     float64      `json:"confidence"`
	Reasons        []string     `json:"reasons,omitempty"`
}

type TurnResponse struct {
	TurnID string     `json:"turn_id"`
	Result TurnResult `json:"result"`
}

// ArchitectEvent is a domain occurrence for the human architect.
type ArchitectEvent struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Chapter   string         `json:"chapter,omitempty"`
	FieldPath string         `json:"field_path,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type EnqueueResult struct {
	Accepted int `json:"accepted"`
	Pending  int `json:"pending"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Turn sends one chat message with the current wizard state.
func (c *Client) Turn(ctx context.Context, message string, state WizardState, opts TurnOptions) (TurnResponse, error) {
	body := struct {
		Message string      `json:"message"`
		State   WizardState `json:"state"`
		TurnOptions
	}{Message: message, State: state, TurnOptions: opts}
	var resp TurnResponse
	err := c.do(ctx, http.MethodPost, c.projectPath("turns"), body, &resp)
	return resp, err
}

// EnqueueArchitectEvents queues events for architect notification.
func (c *Client) EnqueueArchitectEvents(ctx context.Context, events []ArchitectEvent) (EnqueueResult, error) {
	var resp EnqueueResult
	err := c.do(ctx, http.MethodPost, c.projectPath("architect-events"), map[string]any{"events": events}, &resp)
	return resp, err
}

// ListArchitectEvents returns delivered notifications, newest first.
func (c *Client) ListArchitectEvents(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("architect-events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
