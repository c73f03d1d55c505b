// ABOUTME: Tests for the admin HTTP API handlers
// ABOUTME: Uses httptest against Hub.Handler with a mock store and a loopback agent server

package hub

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-hub/internal/agent"
	"github.com/2389/agent-hub/internal/auth"
	"github.com/2389/agent-hub/internal/config"
	"github.com/2389/agent-hub/internal/protocol"
	"github.com/2389/agent-hub/internal/store"
	"github.com/2389/agent-hub/internal/task"
)

const testAdminSecret = "0123456789abcdef0123456789abcdef"

type apiFixture struct {
	hub     *Hub
	store   *store.MockStore
	handler http.Handler
	token   string
	addr    string // agent listener, empty until serveAgents
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.Key = testKey
	cfg.Auth.AdminSecret = testAdminSecret

	st := store.NewMockStore()
	h, err := NewWithStore(cfg, st, discardLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	verifier := auth.NewJWTVerifier([]byte(testAdminSecret))
	token, err := verifier.Generate("ops", time.Hour)
	require.NoError(t, err)

	return &apiFixture{hub: h, store: st, handler: h.Handler(verifier), token: token}
}

// serveAgents starts the agent TCP server on a loopback port.
func (f *apiFixture) serveAgents(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.hub.Server().Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *apiFixture) connect(t *testing.T, uuid string) *testAgent {
	t.Helper()
	a := dialAgent(t, f.addr)
	a.auth(uuid)
	a.expect(protocol.TypeConfig)
	return a
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) register(t *testing.T, uuid string) {
	t.Helper()
	require.NoError(t, f.hub.Agents().RegisterAgent(t.Context(), uuid, "box", "10.1.1.1", ""))
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/health", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"garbage", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + mustToken(t, []byte("another-secret-another-secret-xx"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func mustToken(t *testing.T, secret []byte) string {
	t.Helper()
	tok, err := auth.NewJWTVerifier(secret).Generate("ops", time.Hour)
	require.NoError(t, err)
	return tok
}

func TestAPI_ListAgents(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "agent-a")
	f.register(t, "agent-b")
	require.NoError(t, f.hub.Agents().UpdateAgentStatus(t.Context(), "agent-b", agent.StatusOffline))

	rec := f.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeJSON[struct {
		Agents []AgentResponse `json:"agents"`
	}](t, rec)
	assert.Len(t, all.Agents, 2)

	rec = f.do(t, http.MethodGet, "/api/agents?status=online", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	online := decodeJSON[struct {
		Agents []AgentResponse `json:"agents"`
	}](t, rec)
	require.Len(t, online.Agents, 1)
	assert.Equal(t, "agent-a", online.Agents[0].UUID)
	assert.False(t, online.Agents[0].Connected)

	rec = f.do(t, http.MethodGet, "/api/agents?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_GetAgentWithMetrics(t *testing.T) {
	f := newAPIFixture(t)
	f.serveAgents(t)
	a := f.connect(t, testUUID)
	a.send(protocol.TypeSystemInfo, map[string]any{"cpu": map[string]any{"usage": 12.5}, "uptime": 99})

	require.Eventually(t, func() bool {
		m, _ := f.store.ListSystemMetrics(context.Background(), testUUID, 1)
		return len(m) == 1
	}, waitTimeout, pollEvery)

	rec := f.do(t, http.MethodGet, "/api/agents/"+testUUID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeJSON[AgentDetailResponse](t, rec)
	assert.True(t, got.Connected)
	assert.Equal(t, agent.StatusOnline, got.Status)
	require.Len(t, got.Metrics, 1)
	assert.InDelta(t, 12.5, got.Metrics[0].CPUUsage, 0.001)
	assert.InDelta(t, 99, got.Metrics[0].Uptime, 0.001)

	rec = f.do(t, http.MethodGet, "/api/agents/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/agents/"+testUUID+"?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_DeleteAgent(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "agent-a")

	rec := f.do(t, http.MethodDelete, "/api/agents/agent-a", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := f.hub.Agents().GetAgent("agent-a")
	assert.False(t, ok)

	rec = f.do(t, http.MethodDelete, "/api/agents/agent-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_UpdateConfig(t *testing.T) {
	f := newAPIFixture(t)
	f.serveAgents(t)
	f.register(t, "offline-agent")
	a := f.connect(t, testUUID)

	rec := f.do(t, http.MethodPatch, "/api/agents/"+testUUID+"/config", map[string]int{"heartbeatInterval": 15})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[ConfigResponse](t, rec)
	assert.True(t, resp.Pushed)
	assert.Equal(t, 15, resp.Config.HeartbeatInterval)
	assert.Equal(t, 60, resp.Config.SystemInfoInterval)

	var pushed protocol.AgentConfig
	require.NoError(t, a.expect(protocol.TypeConfig).DecodeBody(&pushed))
	assert.Equal(t, resp.Config, pushed)

	rec = f.do(t, http.MethodPatch, "/api/agents/offline-agent/config", map[string]int{"reconnectInterval": 9})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeJSON[ConfigResponse](t, rec).Pushed)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"zero interval", "/api/agents/" + testUUID + "/config", map[string]int{"heartbeatInterval": 0}, http.StatusBadRequest},
		{"too large", "/api/agents/" + testUUID + "/config", map[string]int{"systemInfoInterval": 90000}, http.StatusBadRequest},
		{"unknown field", "/api/agents/" + testUUID + "/config", map[string]int{"pollInterval": 5}, http.StatusBadRequest},
		{"not json", "/api/agents/" + testUUID + "/config", "{", http.StatusBadRequest},
		{"unknown agent", "/api/agents/nobody/config", map[string]int{"heartbeatInterval": 5}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(t, http.MethodPatch, tt.path, tt.body).Code)
		})
	}
}

func TestAPI_CreateTaskForOfflineAgent(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "agent-a")

	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"agentUuid": "agent-a",
		"name":      "disk check",
		"type":      task.TypeSystemCheck,
		"priority":  2,
		"config":    map[string]any{"path": "/"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON[CreateTaskResponse](t, rec)
	assert.False(t, created.Dispatched)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeJSON[TaskDetailResponse](t, rec)
	assert.Equal(t, string(task.StatusPending), got.Status)
	assert.Equal(t, 2, got.Priority)
	assert.JSONEq(t, `{"path":"/"}`, string(got.Config))
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.Logs)

	// dispatch while the agent is away
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/dispatch", created.ID), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPI_CreateTaskValidation(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "agent-a")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown agent", map[string]any{"agentUuid": "nobody", "name": "x", "type": "custom"}, http.StatusNotFound},
		{"missing name", map[string]any{"agentUuid": "agent-a", "type": "custom"}, http.StatusBadRequest},
		{"bad priority", map[string]any{"agentUuid": "agent-a", "name": "x", "type": "custom", "priority": 9}, http.StatusBadRequest},
		{"unknown field", map[string]any{"agentUuid": "agent-a", "name": "x", "type": "custom", "owner": "me"}, http.StatusBadRequest},
		{"not json", "nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(t, http.MethodPost, "/api/tasks", tt.body).Code)
		})
	}
}

func TestAPI_CreateTaskDispatchesToConnectedAgent(t *testing.T) {
	f := newAPIFixture(t)
	f.serveAgents(t)
	a := f.connect(t, testUUID)

	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"agentUuid": testUUID,
		"name":      "ping",
		"type":      task.TypeNetworkTest,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON[CreateTaskResponse](t, rec)
	assert.True(t, created.Dispatched)

	var req protocol.TaskRequestPayload
	require.NoError(t, a.expect(protocol.TypeTaskRequest).DecodeBody(&req))
	assert.Equal(t, created.ID, req.TaskID)
	assert.Equal(t, task.TypeNetworkTest, req.Type)

	a.send(protocol.TypeTaskResult, protocol.TaskResultPayload{TaskID: created.ID, Result: json.RawMessage(`{"rtt":3}`)})
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", created.ID), nil)
		return decodeJSON[TaskDetailResponse](t, rec).Status == string(task.StatusCompleted)
	}, waitTimeout, pollEvery)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", created.ID), nil)
	got := decodeJSON[TaskDetailResponse](t, rec)
	assert.JSONEq(t, `{"rtt":3}`, string(got.Result))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, got.Logs, 2)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/dispatch", created.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_GetTaskErrors(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/tasks/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/tasks/42", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/tasks/42/dispatch", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/tasks/abc/dispatch", nil).Code)
}

func TestAPI_ListTasks(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "agent-a")
	f.register(t, "agent-b")
	for i, uuid := range []string{"agent-a", "agent-a", "agent-b"} {
		_, err := f.hub.Tasks().CreateTask(t.Context(), task.Descriptor{AgentUUID: uuid, Name: fmt.Sprintf("t%d", i), Type: task.TypeCustom})
		require.NoError(t, err)
	}

	type list struct {
		Tasks []TaskResponse `json:"tasks"`
	}

	rec := f.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[list](t, rec).Tasks, 3)

	rec = f.do(t, http.MethodGet, "/api/tasks?agent=agent-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, tk := range decodeJSON[list](t, rec).Tasks {
		assert.Equal(t, "agent-a", tk.AgentUUID)
	}

	rec = f.do(t, http.MethodGet, "/api/tasks?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[list](t, rec).Tasks, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/tasks?limit=x", nil).Code)
}

func TestAPI_StoreFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "agent-a")
	f.store.SetError(fmt.Errorf("disk full"))

	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"agentUuid": "agent-a", "name": "x", "type": "custom"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestAPI_EventsStream(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "agent-a")

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?agent=agent-a", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// subscription is live once headers arrive
	require.NoError(t, f.hub.Agents().UpdateAgentStatus(t.Context(), "agent-b", agent.StatusOffline))
	require.NoError(t, f.hub.Agents().UpdateAgentStatus(t.Context(), "agent-a", agent.StatusOffline))

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var got []string
	deadline := time.After(waitTimeout)
	for len(got) < 2 {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended early")
			if line != "" {
				got = append(got, line)
			}
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, "event: status_changed", got[0])
	require.True(t, strings.HasPrefix(got[1], "data: "))
	assert.Contains(t, got[1], `"agentUuid":"agent-a"`)
	assert.Contains(t, got[1], `"status":"offline"`)
}

func TestAPI_EventsStreamEndsOnShutdown(t *testing.T) {
	f := newAPIFixture(t)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	done := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(resp.Body).ReadString(0)
		close(done)
	}()

	require.NoError(t, f.hub.Shutdown(context.Background()))
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("event stream still open after shutdown")
	}
}
