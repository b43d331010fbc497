package server

import (
	"bytes"
	"context"
	"encoding/json"
	"go/format"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pveassist/internal/app"
	"pveassist/internal/config"
	"pveassist/internal/domain"
	"pveassist/internal/eventqueue"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default("villa")
	rt, err := app.Open(context.Background(), app.Options{
		Workspace:    t.TempDir(),
		Config:       cfg,
		QueueOptions: []eventqueue.Option{eventqueue.WithTimings(config.Queue{DebounceMS: 10, DedupeTTLSeconds: 30, RateLimitSeconds: 10})},
	})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	handler, err := New(Config{Runtime: rt, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, DevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		rt.Close()
	})
	token, err := SignToken(testSecret, "architect-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return &testServer{URL: srv.URL, client: srv.Client(), token: token}
}

func (s *testServer) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var body HealthResponse
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.SchemaVersion)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv := newTestServer(t)
	bodies := make([][]byte, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.client.Get(srv.URL + "/v0/openapi.json")
			if !assert.NoError(t, err) {
				return
			}
			defer res.Body.Close()
			assert.Equal(t, http.StatusOK, res.StatusCode)
			bodies[i], _ = io.ReadAll(res.Body)
		}()
	}
	wg.Wait()
	require.NotEmpty(t, bodies[0])
	for _, b := range bodies[1:] {
		assert.Equal(t, string(bodies[0]), string(b))
	}
}

func TestSourcesAreFormatted(t *testing.T) {
	files, err := filepath.Glob("*.go")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, name := range files {
		src, err := os.ReadFile(name)
		require.NoError(t, err)
		formatted, err := format.Source(src)
		require.NoError(t, err, name)
		assert.Equal(t, string(formatted), string(src), "%s is not gofmt-formatted", name)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/villa/turns", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "unauthorized", env.Error.Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/villa/turns", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "invalid_credentials", env.Error.Code)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/villa/turns", nil, map[string]string{"X-Actor-Id": "someone"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "dev"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/villa/turns", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestTurnFlow(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v0/projects/villa/turns"

	res, data := doJSON(t, srv.client, http.MethodPost, url, TurnRequest{
		Message: "We willen 4 slaapkamers en 2 badkamers",
		State:   domain.WizardState{CurrentChapter: domain.ChapterRuimtes},
	}, srv.authHeaders())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var turn TurnResponse
	require.NoError(t, json.Unmarshal(data, &turn))
	assert.NotEmpty(t, turn.TurnID)
	assert.Equal(t, domain.SourcePlanned, turn.Result.Source)
	assert.Len(t, turn.Result.Patches, 2)

	res, data = doJSON(t, srv.client, http.MethodPost, url, TurnRequest{
		Message: "ga naar budget",
		State:   domain.WizardState{CurrentChapter: domain.ChapterRuimtes},
	}, srv.authHeaders())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &turn))
	assert.Equal(t, domain.SourceFastIntent, turn.Result.Source)
	assert.Equal(t, domain.ChapterBudget, turn.Result.Navigate)
	assert.NotNil(t, turn.Result.Patches)

	res, data = doJSON(t, srv.client, http.MethodGet, url+"?limit=10", nil, srv.authHeaders())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list turnList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 2)
	assert.Len(t, list.Items[0].Patches, 2)
	assert.Equal(t, "ga naar budget", list.Items[1].UserMessage)
}

func TestTurnValidation(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/projects/villa/turns", map[string]any{"message": ""}, srv.authHeaders())
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "bad_request", env.Error.Code)
}

func TestArchitectEvents(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v0/projects/villa/architect-events"

	res, data := doJSON(t, srv.client, http.MethodPost, url, EnqueueEventsRequest{Events: []ArchitectEventInput{
		{Type: "budget.changed", Priority: domain.PriorityLow, Payload: map[string]any{"delta": 10000}},
		{Type: "risk.flagged", Priority: domain.PriorityHigh, Chapter: domain.ChapterRisico},
	}}, srv.authHeaders())
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var accepted EnqueueEventsResponse
	require.NoError(t, json.Unmarshal(data, &accepted))
	assert.Equal(t, 2, accepted.Accepted)

	var page paginatedEvents
	require.Eventually(t, func() bool {
		res, data := doJSON(t, srv.client, http.MethodGet, url, nil, srv.authHeaders())
		if res.StatusCode != http.StatusOK || json.Unmarshal(data, &page) != nil {
			return false
		}
		return len(page.Items) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, domain.NotificationEvtType, page.Items[0].Type)
	assert.Equal(t, "architect-1", page.Items[0].ActorID)
	assert.Equal(t, "risk.flagged", page.Items[0].Payload["type"])
	assert.Equal(t, "risico", page.Items[0].Payload["chapter"])

	res, _ = doJSON(t, srv.client, http.MethodGet, url+"?cursor=abc", nil, srv.authHeaders())
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = doJSON(t, srv.client, http.MethodPost, url, map[string]any{"events": []any{}}, srv.authHeaders())
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
