// ABOUTME: Admin HTTP API for inspecting agents, managing tasks and streaming agent events.
// ABOUTME: /api routes require a bearer JWT; /health routes are open.

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/agent-hub/internal/agent"
	"github.com/2389/agent-hub/internal/auth"
	"github.com/2389/agent-hub/internal/events"
	"github.com/2389/agent-hub/internal/protocol"
	"github.com/2389/agent-hub/internal/store"
	"github.com/2389/agent-hub/internal/task"
)

const (
	defaultTaskListLimit   = 100
	defaultMetricsLimit    = 20
	maxRequestBodySize     = 1 << 20
	sseKeepaliveInterval   = 30 * time.Second
	storeRequestTimeout    = 10 * time.Second
	maxConfigIntervalValue = 24 * 60 * 60
)

// AgentResponse is the JSON form of an agent for the admin API.
type AgentResponse struct {
	agent.Agent
	Connected bool `json:"connected"`
}

// AgentDetailResponse adds recent metrics history to an agent.
type AgentDetailResponse struct {
	AgentResponse
	Metrics []MetricResponse `json:"metrics"`
}

// MetricResponse is one sampled system_metrics row.
type MetricResponse struct {
	Timestamp      string  `json:"timestamp"`
	CPUUsage       float64 `json:"cpuUsage"`
	MemoryUsed     uint64  `json:"memoryUsed"`
	MemoryTotal    uint64  `json:"memoryTotal"`
	DiskUsed       uint64  `json:"diskUsed"`
	DiskTotal      uint64  `json:"diskTotal"`
	NetworkIn      uint64  `json:"networkIn"`
	NetworkOut     uint64  `json:"networkOut"`
	TCPConnections int     `json:"tcpConnections"`
	UDPConnections int     `json:"udpConnections"`
	Uptime         float64 `json:"uptime"`
}

// TaskResponse is the JSON form of a task.
type TaskResponse struct {
	ID          int64           `json:"id"`
	AgentUUID   string          `json:"agentUuid"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Config      json.RawMessage `json:"config,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   string          `json:"createdAt"`
	UpdatedAt   string          `json:"updatedAt"`
	StartedAt   *string         `json:"startedAt,omitempty"`
	CompletedAt *string         `json:"completedAt,omitempty"`
}

// TaskDetailResponse adds the task's log lines.
type TaskDetailResponse struct {
	TaskResponse
	Logs []TaskLogResponse `json:"logs"`
}

// TaskLogResponse is one task log line.
type TaskLogResponse struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	CreatedAt string `json:"createdAt"`
}

// CreateTaskResponse is the JSON response for POST /api/tasks.
type CreateTaskResponse struct {
	ID         int64 `json:"id"`
	Dispatched bool  `json:"dispatched"`
}

// ConfigResponse is the JSON response for PATCH /api/agents/{uuid}/config.
type ConfigResponse struct {
	Config protocol.AgentConfig `json:"config"`
	Pushed bool                 `json:"pushed"`
}

// Handler returns the HTTP handler for health checks and the admin API.
// API routes are guarded by verifier.
func (h *Hub) Handler(verifier auth.TokenVerifier) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/agents", h.handleListAgents)
	api.HandleFunc("GET /api/agents/{uuid}", h.handleGetAgent)
	api.HandleFunc("DELETE /api/agents/{uuid}", h.handleDeleteAgent)
	api.HandleFunc("PATCH /api/agents/{uuid}/config", h.handleUpdateConfig)
	api.HandleFunc("GET /api/tasks", h.handleListTasks)
	api.HandleFunc("POST /api/tasks", h.handleCreateTask)
	api.HandleFunc("GET /api/tasks/{id}", h.handleGetTask)
	api.HandleFunc("POST /api/tasks/{id}/dispatch", h.handleDispatchTask)
	api.HandleFunc("GET /api/events", h.handleEvents)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReady)
	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier)(api))
	return mux
}

// handleHealth returns 200 OK if the process is alive.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents connected)", len(h.server.ConnectedAgents()))
}

func (h *Hub) agentResponse(a agent.Agent, connected map[string]bool) AgentResponse {
	return AgentResponse{Agent: a, Connected: connected[a.UUID]}
}

func (h *Hub) connectedSet() map[string]bool {
	out := make(map[string]bool)
	for _, uuid := range h.server.ConnectedAgents() {
		out[uuid] = true
	}
	return out
}

// handleListAgents handles GET /api/agents. ?status=online filters by status.
func (h *Hub) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var agents []agent.Agent
	switch status := agent.Status(r.URL.Query().Get("status")); {
	case status == "":
		agents = h.agents.GetAllAgents()
	case status == agent.StatusOnline:
		agents = h.agents.GetOnlineAgents()
	case status.Valid():
		for _, a := range h.agents.GetAllAgents() {
			if a.Status == status {
				agents = append(agents, a)
			}
		}
	default:
		h.sendJSONError(w, http.StatusBadRequest, "unknown status")
		return
	}

	connected := h.connectedSet()
	out := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, h.agentResponse(a, connected))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// handleGetAgent handles GET /api/agents/{uuid}.
func (h *Hub) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	a, ok := h.agents.GetAgent(uuid)
	if !ok {
		h.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	limit, err := queryLimit(r, defaultMetricsLimit)
	if err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeRequestTimeout)
	defer cancel()
	metrics, err := h.store.ListSystemMetrics(ctx, uuid, limit)
	if err != nil {
		h.logger.Error("failed to list metrics", "uuid", uuid, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := AgentDetailResponse{
		AgentResponse: h.agentResponse(a, h.connectedSet()),
		Metrics:       make([]MetricResponse, 0, len(metrics)),
	}
	for _, m := range metrics {
		resp.Metrics = append(resp.Metrics, MetricResponse{
			Timestamp:      m.Timestamp.UTC().Format(time.RFC3339),
			CPUUsage:       m.CPUUsage,
			MemoryUsed:     m.MemoryUsed,
			MemoryTotal:    m.MemoryTotal,
			DiskUsed:       m.DiskUsed,
			DiskTotal:      m.DiskTotal,
			NetworkIn:      m.NetworkIn,
			NetworkOut:     m.NetworkOut,
			TCPConnections: m.TCPConnections,
			UDPConnections: m.UDPConnections,
			Uptime:         m.Uptime,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleDeleteAgent handles DELETE /api/agents/{uuid}. The agent's tasks and
// metrics go with it.
func (h *Hub) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	ctx, cancel := context.WithTimeout(r.Context(), storeRequestTimeout)
	defer cancel()

	if err := h.agents.RemoveAgent(ctx, uuid); err != nil {
		if errors.Is(err, agent.ErrUnknownAgent) {
			h.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		h.logger.Error("failed to remove agent", "uuid", uuid, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.logger.Info("agent removed via API", "uuid", uuid, "by", auth.SubjectFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateConfig handles PATCH /api/agents/{uuid}/config. The merged
// config is pushed to the agent if it is connected.
func (h *Hub) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")

	var patch protocol.AgentConfigPatch
	if err := decodeBody(r, &patch); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, v := range []*int{patch.SystemInfoInterval, patch.HeartbeatInterval, patch.ReconnectInterval} {
		if v != nil && (*v <= 0 || *v > maxConfigIntervalValue) {
			h.sendJSONError(w, http.StatusBadRequest, "intervals must be between 1 and 86400 seconds")
			return
		}
	}

	cfg, ok := h.agents.UpdateAgentConfig(uuid, patch)
	if !ok {
		h.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	pushed := true
	if err := h.server.PushConfig(uuid); err != nil {
		pushed = false
		if !errors.Is(err, ErrAgentNotConnected) {
			h.logger.Warn("failed to push config", "uuid", uuid, "error", err)
		}
	}
	h.writeJSON(w, http.StatusOK, ConfigResponse{Config: cfg, Pushed: pushed})
}

// handleListTasks handles GET /api/tasks?agent=<uuid>&limit=<n>.
func (h *Hub) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultTaskListLimit)
	if err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeRequestTimeout)
	defer cancel()

	tasks, err := h.tasks.ListTasks(ctx, r.URL.Query().Get("agent"), limit)
	if err != nil {
		h.logger.Error("failed to list tasks", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// handleCreateTask handles POST /api/tasks. The task is sent right away when
// its agent is connected and otherwise waits for the agent's next AUTH.
func (h *Hub) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var d task.Descriptor
	if err := decodeBody(r, &d); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := h.agents.GetAgent(d.AgentUUID); !ok {
		h.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeRequestTimeout)
	defer cancel()

	id, err := h.tasks.CreateTask(ctx, d)
	if err != nil {
		if errors.Is(err, task.ErrInvalidTask) {
			h.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to create task", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	dispatched := false
	switch err := h.server.SendTask(ctx, id); {
	case err == nil:
		dispatched = true
	case errors.Is(err, ErrAgentNotConnected):
	default:
		h.logger.Warn("failed to dispatch new task", "id", id, "error", err)
	}
	h.writeJSON(w, http.StatusCreated, CreateTaskResponse{ID: id, Dispatched: dispatched})
}

// handleGetTask handles GET /api/tasks/{id}.
func (h *Hub) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeRequestTimeout)
	defer cancel()

	t, err := h.tasks.GetTask(ctx, id)
	if err != nil {
		h.logger.Error("failed to get task", "id", id, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if t == nil {
		h.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}

	logs, err := h.store.ListTaskLogs(ctx, id)
	if err != nil {
		h.logger.Error("failed to list task logs", "id", id, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := TaskDetailResponse{TaskResponse: taskResponse(t), Logs: make([]TaskLogResponse, 0, len(logs))}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, TaskLogResponse{
			Level:     l.Level,
			Message:   l.Message,
			CreatedAt: l.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleDispatchTask handles POST /api/tasks/{id}/dispatch.
func (h *Hub) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeRequestTimeout)
	defer cancel()

	switch err := h.server.SendTask(ctx, id); {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "dispatched": true})
	case errors.Is(err, store.ErrNotFound):
		h.sendJSONError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, ErrTaskNotPending):
		h.sendJSONError(w, http.StatusConflict, "task is not pending")
	case errors.Is(err, ErrAgentNotConnected):
		h.sendJSONError(w, http.StatusServiceUnavailable, "agent not connected")
	default:
		h.logger.Error("failed to dispatch task", "id", id, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleEvents handles GET /api/events?agent=<uuid> as a Server-Sent Events
// stream of agent state changes. Without ?agent every agent is streamed.
func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	ch, _ := h.agents.Subscribe(ctx, r.URL.Query().Get("agent"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.streams.Done():
			return
		case <-keepalive.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.writeSSEEvent(w, ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (h *Hub) writeSSEEvent(w http.ResponseWriter, ev *events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

func (h *Hub) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (h *Hub) sendJSONError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func taskResponse(t *store.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		AgentUUID:   t.AgentUUID,
		Name:        t.Name,
		Type:        t.Type,
		Status:      t.Status,
		Priority:    t.Priority,
		Config:      t.Config,
		Result:      t.Result,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339),
		StartedAt:   formatTime(t.StartedAt),
		CompletedAt: formatTime(t.CompletedAt),
	}
}
