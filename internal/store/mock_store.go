// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// It mirrors SQLiteStore semantics including cascade deletes and
// set-once task timestamps.
type MockStore struct {
	mu         sync.RWMutex
	agents     map[string]*AgentRecord // keyed by UUID
	tasks      map[int64]*Task         // keyed by task ID
	taskLogs   map[int64][]*TaskLog    // keyed by task ID
	metrics    []*SystemMetric
	nextTaskID int64
	nextLogID  int64
	nextMetric int64

	// Err, when set, is returned by every mutating call.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:   make(map[string]*AgentRecord),
		tasks:    make(map[int64]*Task),
		taskLogs: make(map[int64][]*TaskLog),
	}
}

// SetError makes subsequent mutating calls fail with err (nil clears it).
func (m *MockStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// UpsertAgent stores or refreshes an agent.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	now := time.Now().UTC()
	if existing, ok := m.agents[agent.UUID]; ok {
		if agent.Alias != "" {
			existing.Alias = agent.Alias
		}
		existing.IPv4Address = agent.IPv4Address
		existing.IPv6Address = agent.IPv6Address
		existing.Status = agent.Status
		existing.LastSeen = agent.LastSeen
		existing.UpdatedAt = now
		return nil
	}

	a := *agent
	a.SystemInfo = cloneRaw(agent.SystemInfo)
	a.CreatedAt = now
	a.UpdatedAt = now
	m.agents[a.UUID] = &a
	return nil
}

// GetAgent retrieves an agent by UUID.
func (m *MockStore) GetAgent(ctx context.Context, uuid string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	result.SystemInfo = cloneRaw(a.SystemInfo)
	return &result, nil
}

// ListAgents returns all agents ordered by UUID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		c.SystemInfo = cloneRaw(a.SystemInfo)
		agents = append(agents, &c)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].UUID < agents[j].UUID })
	return agents, nil
}

// UpdateAgentStatus sets status and last_seen.
func (m *MockStore) UpdateAgentStatus(ctx context.Context, uuid, status string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	a, ok := m.agents[uuid]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.LastSeen = lastSeen
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateAgentSystemInfo stores the latest snapshot.
func (m *MockStore) UpdateAgentSystemInfo(ctx context.Context, uuid string, info json.RawMessage, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	a, ok := m.agents[uuid]
	if !ok {
		return ErrNotFound
	}
	a.SystemInfo = cloneRaw(info)
	a.LastSeen = lastSeen
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteAgent removes an agent and cascades to its tasks, logs and metrics.
func (m *MockStore) DeleteAgent(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.agents[uuid]; !ok {
		return ErrNotFound
	}
	delete(m.agents, uuid)

	for id, t := range m.tasks {
		if t.AgentUUID == uuid {
			delete(m.tasks, id)
			delete(m.taskLogs, id)
		}
	}

	kept := m.metrics[:0]
	for _, metric := range m.metrics {
		if metric.AgentUUID != uuid {
			kept = append(kept, metric)
		}
	}
	m.metrics = kept
	return nil
}

// InsertSystemMetric appends a metrics row.
func (m *MockStore) InsertSystemMetric(ctx context.Context, metric *SystemMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.agents[metric.AgentUUID]; !ok {
		return ErrNotFound
	}
	m.nextMetric++
	metric.ID = m.nextMetric
	c := *metric
	m.metrics = append(m.metrics, &c)
	return nil
}

// ListSystemMetrics returns an agent's metrics newest first.
func (m *MockStore) ListSystemMetrics(ctx context.Context, agentUUID string, limit int) ([]*SystemMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SystemMetric
	for i := len(m.metrics) - 1; i >= 0; i-- {
		if m.metrics[i].AgentUUID != agentUUID {
			continue
		}
		c := *m.metrics[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateTask stores a task and assigns the next ID.
func (m *MockStore) CreateTask(ctx context.Context, task *Task) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	if _, ok := m.agents[task.AgentUUID]; !ok {
		return 0, ErrNotFound
	}

	m.nextTaskID++
	t := *task
	t.ID = m.nextTaskID
	t.Config = cloneRaw(task.Config)
	if t.Status == "" {
		t.Status = "pending"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	m.tasks[t.ID] = &t
	return t.ID, nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

// UpdateTask applies a status transition with set-once timestamps.
func (m *MockStore) UpdateTask(ctx context.Context, u TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	t, ok := m.tasks[u.ID]
	if !ok || (u.AgentUUID != "" && t.AgentUUID != u.AgentUUID) {
		return ErrNotFound
	}
	if len(u.From) > 0 && !slices.Contains(u.From, t.Status) {
		return fmt.Errorf("task %d is %s: %w", u.ID, t.Status, ErrStatusConflict)
	}

	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	t.Status = u.Status
	t.Result = cloneRaw(u.Result)
	t.Error = u.Error
	t.UpdatedAt = at
	if u.SetStarted && t.StartedAt == nil {
		ts := at
		t.StartedAt = &ts
	}
	if u.SetCompleted && t.CompletedAt == nil {
		ts := at
		t.CompletedAt = &ts
	}
	return nil
}

// ListPendingTasks returns pending tasks in scheduling order.
func (m *MockStore) ListPendingTasks(ctx context.Context, agentUUID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.AgentUUID == agentUUID && t.Status == "pending" {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListTasks returns tasks newest first, optionally filtered by agent.
func (m *MockStore) ListTasks(ctx context.Context, agentUUID string, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if agentUUID == "" || t.AgentUUID == agentUUID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddTaskLog appends a log line.
func (m *MockStore) AddTaskLog(ctx context.Context, log *TaskLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.tasks[log.TaskID]; !ok {
		return ErrNotFound
	}
	m.nextLogID++
	log.ID = m.nextLogID
	c := *log
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.taskLogs[log.TaskID] = append(m.taskLogs[log.TaskID], &c)
	return nil
}

// ListTaskLogs returns a task's log lines in insertion order.
func (m *MockStore) ListTaskLogs(ctx context.Context, taskID int64) ([]*TaskLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := m.taskLogs[taskID]
	out := make([]*TaskLog, 0, len(logs))
	for _, l := range logs {
		c := *l
		out = append(out, &c)
	}
	return out, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for MockStore.
func (m *MockStore) Close() error { return nil }

func copyTask(t *Task) *Task {
	c := *t
	c.Config = cloneRaw(t.Config)
	c.Result = cloneRaw(t.Result)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
