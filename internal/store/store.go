// ABOUTME: Store interface and data types for agent-hub persistence
// ABOUTME: Defines agent, metrics, task and task log records plus the Store contract

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStatusConflict is returned when a conditional task update finds the task
// in a status it may not leave that way.
var ErrStatusConflict = errors.New("task status conflict")

// AgentRecord is the durable row for one monitoring agent.
type AgentRecord struct {
	UUID        string
	Alias       string
	IPv4Address string
	IPv6Address string
	Status      string
	LastSeen    time.Time
	SystemInfo  json.RawMessage // last snapshot, nil if never reported
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SystemMetric is one row of the append-only metrics history.
type SystemMetric struct {
	ID             int64
	AgentUUID      string
	Timestamp      time.Time
	CPUUsage       float64
	MemoryUsed     uint64
	MemoryTotal    uint64
	DiskUsed       uint64
	DiskTotal      uint64
	NetworkIn      uint64
	NetworkOut     uint64
	TCPConnections int
	UDPConnections int
	Uptime         float64
}

// Task is a unit of work assigned to one agent.
type Task struct {
	ID          int64
	AgentUUID   string
	Name        string
	Type        string
	Status      string
	Priority    int
	Config      json.RawMessage
	Result      json.RawMessage
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TaskUpdate describes a status transition. StartedAt and CompletedAt are
// written only when the stored value is still NULL.
type TaskUpdate struct {
	ID           int64
	AgentUUID    string   // when set, the update only matches tasks owned by this agent
	From         []string // when set, the update only matches tasks currently in one of these statuses
	Status       string
	Result       json.RawMessage
	Error        string
	At           time.Time
	SetStarted   bool
	SetCompleted bool
}

// TaskLog is an append-only audit line for a task.
type TaskLog struct {
	ID        int64
	TaskID    int64
	Level     string
	Message   string
	CreatedAt time.Time
}

// AgentStore persists agent rows.
type AgentStore interface {
	// UpsertAgent inserts the agent or refreshes alias, addresses, status and
	// last_seen on an existing row. System info is left untouched.
	UpsertAgent(ctx context.Context, agent *AgentRecord) error
	GetAgent(ctx context.Context, uuid string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	UpdateAgentStatus(ctx context.Context, uuid, status string, lastSeen time.Time) error
	UpdateAgentSystemInfo(ctx context.Context, uuid string, info json.RawMessage, lastSeen time.Time) error
	// DeleteAgent removes the agent; tasks, logs and metrics cascade.
	DeleteAgent(ctx context.Context, uuid string) error
}

// MetricsStore persists the metrics history.
type MetricsStore interface {
	InsertSystemMetric(ctx context.Context, m *SystemMetric) error
	ListSystemMetrics(ctx context.Context, agentUUID string, limit int) ([]*SystemMetric, error)
}

// TaskStore persists tasks and their logs.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) (int64, error)
	GetTask(ctx context.Context, id int64) (*Task, error)
	UpdateTask(ctx context.Context, u TaskUpdate) error
	// ListPendingTasks returns pending tasks ordered by priority descending,
	// then creation time and id ascending.
	ListPendingTasks(ctx context.Context, agentUUID string) ([]*Task, error)
	ListTasks(ctx context.Context, agentUUID string, limit int) ([]*Task, error)
	AddTaskLog(ctx context.Context, log *TaskLog) error
	ListTaskLogs(ctx context.Context, taskID int64) ([]*TaskLog, error)
}

// Store is everything the hub persists.
type Store interface {
	AgentStore
	MetricsStore
	TaskStore

	Ping(ctx context.Context) error
	Close() error
}
