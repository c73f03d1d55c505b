// ABOUTME: Task ledger: creation, status transitions, pending work and audit log.
// ABOUTME: Storage is the source of truth; nothing is cached in memory.

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/agent-hub/internal/protocol"
	"github.com/2389/agent-hub/internal/store"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders pending work; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Built-in task types. Agents may accept others.
const (
	TypeSystemCheck     = "system_check"
	TypePerformanceTest = "performance_test"
	TypeNetworkTest     = "network_test"
	TypeCustom          = "custom"
)

// Log levels used for task log lines.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// ErrInvalidTask is returned for a descriptor missing required fields.
var ErrInvalidTask = errors.New("invalid task")

// Descriptor is what a task originator supplies.
type Descriptor struct {
	AgentUUID string          `json:"agentUuid"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Priority  *Priority       `json:"priority,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// Ledger tracks task lifecycle in durable storage.
type Ledger struct {
	store  store.TaskStore
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a Ledger over the given store.
func NewLedger(st store.TaskStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  st,
		logger: logger.With("component", "tasks"),
		now:    time.Now,
	}
}

// CreateTask inserts a pending task and returns its ID. Priority defaults to
// normal.
func (l *Ledger) CreateTask(ctx context.Context, d Descriptor) (int64, error) {
	if d.AgentUUID == "" || d.Name == "" || d.Type == "" {
		return 0, fmt.Errorf("%w: agentUuid, name and type are required", ErrInvalidTask)
	}
	prio := PriorityNormal
	if d.Priority != nil {
		prio = *d.Priority
	}
	if prio < PriorityLow || prio > PriorityUrgent {
		return 0, fmt.Errorf("%w: priority %d out of range", ErrInvalidTask, prio)
	}
	if len(d.Config) > 0 && !json.Valid(d.Config) {
		return 0, fmt.Errorf("%w: config is not valid JSON", ErrInvalidTask)
	}

	id, err := l.store.CreateTask(ctx, &store.Task{
		AgentUUID: d.AgentUUID,
		Name:      d.Name,
		Type:      d.Type,
		Status:    string(StatusPending),
		Priority:  int(prio),
		Config:    d.Config,
		CreatedAt: l.now(),
	})
	if err != nil {
		l.logger.Error("failed to create task", "agent_uuid", d.AgentUUID, "error", err)
		return 0, fmt.Errorf("creating task: %w", err)
	}

	l.logger.Info("task created", "id", id, "agent_uuid", d.AgentUUID, "type", d.Type, "priority", prio)
	return id, nil
}

// GetTask returns the task, or nil without error if it does not exist.
func (l *Ledger) GetTask(ctx context.Context, id int64) (*store.Task, error) {
	t, err := l.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting task %d: %w", id, err)
	}
	return t, nil
}

// UpdateTaskStatus sets status, result and error. started_at is set on the
// first transition into running and completed_at on the first transition
// into completed or failed; later transitions never move either.
func (l *Ledger) UpdateTaskStatus(ctx context.Context, id int64, status Status, result json.RawMessage, errMsg string) error {
	return l.update(ctx, id, "", nil, status, result, errMsg)
}

// ClaimTask moves a pending task to running. Only one caller can claim a
// task; the others get store.ErrStatusConflict.
func (l *Ledger) ClaimTask(ctx context.Context, id int64) error {
	return l.update(ctx, id, "", []Status{StatusPending}, StatusRunning, nil, "")
}

// ReleaseTask returns a claimed task to pending when its request could not
// be delivered. A task that already left running is left alone.
func (l *Ledger) ReleaseTask(ctx context.Context, id int64) error {
	return l.update(ctx, id, "", []Status{StatusRunning}, StatusPending, nil, "")
}

// CompleteTask records an agent-reported outcome. The update only matches a
// task owned by agentUUID; otherwise store.ErrNotFound is returned. A
// non-empty errMsg marks the task failed. Results for a task that is already
// terminal are refused with store.ErrStatusConflict.
func (l *Ledger) CompleteTask(ctx context.Context, id int64, agentUUID string, result json.RawMessage, errMsg string) error {
	if agentUUID == "" {
		return fmt.Errorf("%w: agent uuid required to complete task", ErrInvalidTask)
	}
	status := StatusCompleted
	if errMsg != "" {
		status = StatusFailed
	}
	return l.update(ctx, id, agentUUID, openStatuses, status, result, errMsg)
}

// openStatuses are the statuses an agent result may still close.
var openStatuses = func() []Status {
	var open []Status
	for _, s := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			open = append(open, s)
		}
	}
	return open
}()

func (l *Ledger) update(ctx context.Context, id int64, agentUUID string, from []Status, status Status, result json.RawMessage, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, status)
	}
	if len(result) > 0 && !json.Valid(result) {
		return fmt.Errorf("%w: result is not valid JSON", ErrInvalidTask)
	}

	u := store.TaskUpdate{
		ID:           id,
		AgentUUID:    agentUUID,
		Status:       string(status),
		Result:       result,
		Error:        errMsg,
		At:           l.now(),
		SetStarted:   status == StatusRunning,
		SetCompleted: status == StatusCompleted || status == StatusFailed,
	}
	for _, f := range from {
		u.From = append(u.From, string(f))
	}

	if err := l.store.UpdateTask(ctx, u); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			l.logger.Warn("task update matched nothing", "id", id, "agent_uuid", agentUUID, "status", status)
			return err
		case errors.Is(err, store.ErrStatusConflict):
			l.logger.Warn("task update refused", "id", id, "status", status, "error", err)
			return err
		}
		l.logger.Error("failed to update task", "id", id, "status", status, "error", err)
		return fmt.Errorf("updating task %d: %w", id, err)
	}

	l.logger.Info("task status updated", "id", id, "status", status)
	return nil
}

// GetPendingTasks returns the agent's pending tasks, highest priority first
// and oldest first within a priority.
func (l *Ledger) GetPendingTasks(ctx context.Context, agentUUID string) ([]*store.Task, error) {
	tasks, err := l.store.ListPendingTasks(ctx, agentUUID)
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}
	return tasks, nil
}

// ListTasks returns recent tasks, optionally for one agent.
func (l *Ledger) ListTasks(ctx context.Context, agentUUID string, limit int) ([]*store.Task, error) {
	tasks, err := l.store.ListTasks(ctx, agentUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// AddTaskLog appends an audit line to a task.
func (l *Ledger) AddTaskLog(ctx context.Context, taskID int64, level, message string) error {
	err := l.store.AddTaskLog(ctx, &store.TaskLog{
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		CreatedAt: l.now(),
	})
	if err != nil {
		return fmt.Errorf("adding log to task %d: %w", taskID, err)
	}
	return nil
}

// BuildTaskRequestMessage encodes a TREQ frame for the task's agent.
func (l *Ledger) BuildTaskRequestMessage(t *store.Task) ([]byte, error) {
	return protocol.Encode(protocol.TypeTaskRequest, protocol.TaskRequestPayload{
		TaskID: t.ID,
		Type:   t.Type,
		Config: t.Config,
	})
}
