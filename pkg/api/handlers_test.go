package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/councild/pkg/config"
	"github.com/opencouncil/councild/pkg/council"
	"github.com/opencouncil/councild/pkg/llm"
	"github.com/opencouncil/councild/pkg/models"
	"github.com/opencouncil/councild/pkg/registry"
	"github.com/opencouncil/councild/pkg/store"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

// fakeUpstream plays back scripted streams per model, popping successive
// scripts on successive calls.
type fakeUpstream struct {
	mu      sync.Mutex
	scripts map[string][][]llm.StreamEvent
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{scripts: make(map[string][][]llm.StreamEvent)}
}

func (f *fakeUpstream) script(model string, texts ...string) {
	events := make([]llm.StreamEvent, 0, len(texts)+1)
	for _, t := range texts {
		events = append(events, llm.StreamEvent{Delta: t})
	}
	events = append(events, llm.StreamEvent{Done: true})
	f.mu.Lock()
	f.scripts[model] = append(f.scripts[model], events)
	f.mu.Unlock()
}

func (f *fakeUpstream) Complete(context.Context, llm.Request) (*llm.Result, error) {
	return nil, fmt.Errorf("not scripted")
}

func (f *fakeUpstream) CompleteStream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	f.mu.Lock()
	queue := f.scripts[req.Model]
	if len(queue) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("no scripted stream for %s", req.Model)
	}
	script := queue[0]
	f.scripts[req.Model] = queue[1:]
	f.mu.Unlock()

	out := make(chan llm.StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range script {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type testEnv struct {
	server   *Server
	store    *store.MemoryStore
	registry *registry.Registry
	upstream *fakeUpstream
	cfg      *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		APIKey:               "sk-test",
		LiteModels:           []string{"M1", "M2"},
		UltraModels:          []string{"M1", "M2"},
		LiteChairman:         "C",
		UltraChairman:        "C",
		DefaultMode:          models.ModeLite,
		Stage1Timeout:        5 * time.Second,
		Stage2Timeout:        5 * time.Second,
		Stage3Timeout:        5 * time.Second,
		ParticipantMaxTokens: 1024,
		ChairmanMaxTokens:    2048,
		RecentMessages:       10,
		MaxSessionsPerUser:   3,
		MaxConcurrent:        2,
	}
	st := store.NewMemoryStore()
	reg := registry.New(registry.Config{
		MaxConcurrent:     cfg.MaxConcurrent,
		GracePeriod:       time.Minute,
		StaleThreshold:    time.Hour,
		SweepInterval:     time.Hour,
		HeartbeatInterval: time.Hour,
	})
	t.Cleanup(reg.Shutdown)

	upstream := newFakeUpstream()
	orch := council.New(cfg, st, upstream, nil)
	return &testEnv{
		server:   NewServer(cfg, st, reg, orch),
		store:    st,
		registry: reg,
		upstream: upstream,
		cfg:      cfg,
	}
}

func (e *testEnv) createSession(t *testing.T, userID string) string {
	t.Helper()
	sessionID := uuid.NewString()
	require.NoError(t, e.store.CreateSession(context.Background(), &models.CouncilSession{
		UserID:    userID,
		SessionID: sessionID,
		Messages:  []models.Message{},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))
	return sessionID
}

func doRequest(router *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuth_MissingHeader(t *testing.T) {
	env := newTestEnv(t)
	w := doRequest(env.server.Router(), http.MethodGet, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateSession_AndLimit(t *testing.T) {
	env := newTestEnv(t)
	router := env.server.Router()

	for i := 0; i < env.cfg.MaxSessionsPerUser; i++ {
		w := doRequest(router, http.MethodPost, "/api/sessions", "u1", nil)
		require.Equal(t, http.StatusCreated, w.Code)

		var resp createSessionResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		_, err := uuid.Parse(resp.SessionID)
		assert.NoError(t, err)
	}

	w := doRequest(router, http.MethodPost, "/api/sessions", "u1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Another user is unaffected.
	w = doRequest(router, http.MethodPost, "/api/sessions", "u2", nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t)
	router := env.server.Router()
	sessionID := env.createSession(t, "u1")

	w := doRequest(router, http.MethodGet, "/api/sessions/"+sessionID, "u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/sessions/not-a-uuid", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodGet, "/api/sessions/"+uuid.NewString(), "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Sessions are scoped per user.
	w = doRequest(router, http.MethodGet, "/api/sessions/"+sessionID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t)
	router := env.server.Router()
	sessionID := env.createSession(t, "u1")

	w := doRequest(router, http.MethodDelete, "/api/sessions/"+sessionID, "u1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(router, http.MethodDelete, "/api/sessions/"+sessionID, "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessage_Validation(t *testing.T) {
	env := newTestEnv(t)
	router := env.server.Router()
	sessionID := env.createSession(t, "u1")
	path := "/api/sessions/" + sessionID + "/messages"

	tests := []struct {
		name string
		body any
		want int
	}{
		{"empty content", sendMessageRequest{Content: ""}, http.StatusBadRequest},
		{"oversize content", sendMessageRequest{Content: strings.Repeat("x", 4001)}, http.StatusBadRequest},
		{"invalid mode", sendMessageRequest{Content: "hi", Mode: "turbo"}, http.StatusBadRequest},
		{"malformed body", "not json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodPost, path, "u1", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w := doRequest(router, http.MethodPost, "/api/sessions/nope/messages", "u1",
		sendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessage_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	w := doRequest(env.server.Router(), http.MethodPost,
		"/api/sessions/"+uuid.NewString()+"/messages", "u1",
		sendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessage_UpstreamUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.APIKey = ""
	sessionID := env.createSession(t, "u1")

	w := doRequest(env.server.Router(), http.MethodPost,
		"/api/sessions/"+sessionID+"/messages", "u1",
		sendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSendMessage_AlreadyProcessing(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t, "u1")

	blocker := make(chan models.Event)
	_, err := env.registry.StartJob("u1", sessionID, "x", models.ModeLite,
		func(ctx context.Context) <-chan models.Event { return blocker })
	require.NoError(t, err)
	defer close(blocker)

	w := doRequest(env.server.Router(), http.MethodPost,
		"/api/sessions/"+sessionID+"/messages", "u1",
		sendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSendMessage_AtCapacity(t *testing.T) {
	env := newTestEnv(t)
	target := env.createSession(t, "u1")

	// Fill both slots with jobs for other sessions.
	for i := 0; i < env.cfg.MaxConcurrent; i++ {
		blocker := make(chan models.Event)
		defer close(blocker)
		_, err := env.registry.StartJob("u1", uuid.NewString(), "x", models.ModeLite,
			func(ctx context.Context) <-chan models.Event { return blocker })
		require.NoError(t, err)
	}

	w := doRequest(env.server.Router(), http.MethodPost,
		"/api/sessions/"+target+"/messages", "u1",
		sendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.False(t, env.registry.IsProcessing("u1", target))
}

func TestContentBoundary_Exactly4000Accepted(t *testing.T) {
	req := sendMessageRequest{Content: strings.Repeat("x", 4000)}
	assert.NoError(t, req.validate(models.ModeLite))
	req = sendMessageRequest{Content: strings.Repeat("x", 4001)}
	assert.Error(t, req.validate(models.ModeLite))
}

func TestModeDefaulting(t *testing.T) {
	req := sendMessageRequest{Content: "hi"}
	require.NoError(t, req.validate(models.ModeUltra))
	assert.Equal(t, models.ModeUltra, req.Mode)
}

func readSSEEvents(t *testing.T, body *bufio.Scanner, until models.EventType) []models.Event {
	t.Helper()
	var events []models.Event
	for body.Scan() {
		line := body.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
		if ev.Type == until {
			return events
		}
	}
	t.Fatalf("stream ended before %s", until)
	return nil
}

func TestSendMessage_StreamsFullRun(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.script("M1", "Hello")
	env.upstream.script("M2", "Hola")
	env.upstream.script("M1", "FINAL RANKING:\n1. Response A\n2. Response B")
	env.upstream.script("M2", "FINAL RANKING:\n1. Response B\n2. Response A")
	env.upstream.script("C", "Greetings")

	srv := httptest.NewServer(env.server.Router())
	defer srv.Close()
	sessionID := env.createSession(t, "u1")

	body, _ := json.Marshal(sendMessageRequest{Content: "hi"})
	req, err := http.NewRequest(http.MethodPost,
		srv.URL+"/api/sessions/"+sessionID+"/messages", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSEEvents(t, bufio.NewScanner(resp.Body), models.EventComplete)
	var types []models.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, models.EventStage1Start)
	assert.Contains(t, types, models.EventStage2Complete)
	assert.Contains(t, types, models.EventStage3Response)

	// The session now holds the persisted turn pair.
	require.Eventually(t, func() bool {
		sess, err := env.store.GetSession(context.Background(), "u1", sessionID)
		return err == nil && len(sess.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnect_ReplaysAndContinues(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t, "u1")

	producer := make(chan models.Event, 16)
	_, err := env.registry.StartJob("u1", sessionID, "hi", models.ModeLite,
		func(ctx context.Context) <-chan models.Event { return producer })
	require.NoError(t, err)

	producer <- models.Event{Type: models.EventStage1Start}
	producer <- models.Event{Type: models.EventStage1Chunk, Model: "M1", Delta: "He"}
	producer <- models.Event{Type: models.EventStage1Chunk, Model: "M1", Delta: "llo"}

	// Let the pump record everything before reconnecting.
	require.Eventually(t, func() bool {
		return env.registry.Status("u1", sessionID).CurrentStage == models.Stage1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	srv := httptest.NewServer(env.server.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet,
		srv.URL+"/api/sessions/"+sessionID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	events := readSSEEvents(t, scanner, models.EventReconnected)

	require.Len(t, events, 3)
	assert.Equal(t, models.EventStage1Start, events[0].Type)
	assert.Equal(t, models.EventStage1Chunk, events[1].Type)
	assert.Equal(t, "Hello", events[1].Delta)
	assert.Equal(t, models.Stage1, events[2].Stage)
	assert.Equal(t, "hi", events[2].UserMessage)

	// Live continuation past the marker.
	producer <- models.Event{Type: models.EventStage1Complete}
	live := readSSEEvents(t, scanner, models.EventStage1Complete)
	assert.Equal(t, models.EventStage1Complete, live[len(live)-1].Type)

	close(producer)
}

func TestReconnect_NoActiveJob(t *testing.T) {
	env := newTestEnv(t)
	w := doRequest(env.server.Router(), http.MethodGet,
		"/api/sessions/"+uuid.NewString()+"/stream", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAbort(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t, "u1")

	w := doRequest(env.server.Router(), http.MethodPost,
		"/api/sessions/"+sessionID+"/abort", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	producer := make(chan models.Event)
	var jobCtx context.Context
	_, err := env.registry.StartJob("u1", sessionID, "x", models.ModeLite,
		func(ctx context.Context) <-chan models.Event {
			jobCtx = ctx
			return producer
		})
	require.NoError(t, err)
	defer close(producer)

	w = doRequest(env.server.Router(), http.MethodPost,
		"/api/sessions/"+sessionID+"/abort", "u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Error(t, jobCtx.Err())
	assert.False(t, env.registry.IsProcessing("u1", sessionID))
}

func TestProcessingStatus(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t, "u1")

	w := doRequest(env.server.Router(), http.MethodGet,
		"/api/sessions/"+sessionID+"/status", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st registry.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.False(t, st.IsProcessing)

	producer := make(chan models.Event, 4)
	_, err := env.registry.StartJob("u1", sessionID, "x", models.ModeLite,
		func(ctx context.Context) <-chan models.Event { return producer })
	require.NoError(t, err)
	defer close(producer)

	producer <- models.Event{Type: models.EventStage1Start}
	require.Eventually(t, func() bool {
		return env.registry.Status("u1", sessionID).CurrentStage == models.Stage1
	}, time.Second, 5*time.Millisecond)

	w = doRequest(env.server.Router(), http.MethodGet,
		"/api/sessions/"+sessionID+"/status", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.IsProcessing)
	assert.True(t, st.CanReconnect)
	assert.Equal(t, models.Stage1, st.CurrentStage)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := doRequest(env.server.Router(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}
