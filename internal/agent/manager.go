// ABOUTME: Registry of known monitoring agents, synchronized with durable storage.
// ABOUTME: Serializes updates per agent UUID and publishes state-change events.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/agent-hub/internal/events"
	"github.com/2389/agent-hub/internal/protocol"
	"github.com/2389/agent-hub/internal/store"
)

// ErrUnknownAgent indicates the UUID is not in the registry.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrEmptyUUID is returned when registering without an identity.
var ErrEmptyUUID = errors.New("agent uuid is required")

// Store is the persistence the Manager writes through to.
type Store interface {
	store.AgentStore
	store.MetricsStore
}

// Manager is the in-memory agent registry. Reads are served from memory;
// mutations are written through to the store.
type Manager struct {
	agents   map[string]*Agent
	mu       sync.RWMutex
	locks    *keyedMutex
	store    Store
	events   *events.Broadcaster
	defaults protocol.AgentConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a new Manager. A nil broadcaster gets a private one; a
// nil logger uses slog.Default().
func NewManager(st Store, broadcaster *events.Broadcaster, defaults protocol.AgentConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = events.NewBroadcaster(logger)
	}
	return &Manager{
		agents:   make(map[string]*Agent),
		locks:    newKeyedMutex(),
		store:    st,
		events:   broadcaster,
		defaults: defaults,
		logger:   logger.With("component", "agents"),
		now:      time.Now,
	}
}

// Load populates the registry from storage. Stored status is kept as is;
// config starts from the defaults since overrides are never persisted.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if _, exists := m.agents[r.UUID]; exists {
			continue
		}
		m.agents[r.UUID] = &Agent{
			UUID:        r.UUID,
			Alias:       r.Alias,
			IPv4Address: r.IPv4Address,
			IPv6Address: r.IPv6Address,
			Status:      Status(r.Status),
			LastSeen:    r.LastSeen,
			Config:      m.defaults,
			SystemInfo:  r.SystemInfo,
		}
	}

	m.logger.Info("loaded agents from store", "count", len(records))
	return nil
}

// RegisterAgent records an authenticated agent. A new UUID gets an online
// entry with default config. A known UUID keeps its config and system info
// but has its addresses, alias (when given), status and last-seen refreshed.
// Either way the row is upserted and a status_changed event is published
// if the agent was not already online.
func (m *Manager) RegisterAgent(ctx context.Context, uuid, alias, ipv4, ipv6 string) error {
	if uuid == "" {
		return ErrEmptyUUID
	}

	unlock := m.locks.Lock(uuid)
	defer unlock()

	now := m.now()

	m.mu.Lock()
	a, exists := m.agents[uuid]
	if !exists {
		a = &Agent{UUID: uuid, Config: m.defaults}
		m.agents[uuid] = a
	}
	wasOnline := exists && a.Status == StatusOnline
	if alias != "" {
		a.Alias = alias
	}
	a.IPv4Address = ipv4
	a.IPv6Address = ipv6
	a.Status = StatusOnline
	a.LastSeen = now
	total := len(m.agents)
	m.mu.Unlock()

	err := m.store.UpsertAgent(ctx, &store.AgentRecord{
		UUID:        uuid,
		Alias:       alias,
		IPv4Address: ipv4,
		IPv6Address: ipv6,
		Status:      string(StatusOnline),
		LastSeen:    now,
	})

	if exists {
		m.logger.Info("agent re-registered", "uuid", uuid, "ipv4", ipv4, "ipv6", ipv6)
	} else {
		m.logger.Info("=== AGENT REGISTERED ===",
			"uuid", uuid,
			"alias", alias,
			"ipv4", ipv4,
			"ipv6", ipv6,
			"total_agents", total,
		)
	}

	if !wasOnline {
		m.publishStatus(uuid, StatusOnline, now)
	}

	if err != nil {
		m.logger.Error("failed to persist agent registration", "uuid", uuid, "error", err)
		return fmt.Errorf("persisting agent %s: %w", uuid, err)
	}
	return nil
}

// UpdateAgentStatus sets status and refreshes last-seen. Unknown UUIDs are
// ignored.
func (m *Manager) UpdateAgentStatus(ctx context.Context, uuid string, status Status) error {
	unlock := m.locks.Lock(uuid)
	defer unlock()

	now := m.now()

	m.mu.Lock()
	a, ok := m.agents[uuid]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("status update for unknown agent", "uuid", uuid, "status", status)
		return nil
	}
	prev := a.Status
	a.Status = status
	a.LastSeen = now
	m.mu.Unlock()

	m.publishStatus(uuid, status, now)

	if prev != status {
		m.logger.Info("agent status changed", "uuid", uuid, "from", prev, "to", status)
	} else {
		m.logger.Debug("agent seen", "uuid", uuid, "status", status)
	}

	if err := m.store.UpdateAgentStatus(ctx, uuid, string(status), now); err != nil {
		m.logger.Error("failed to persist agent status", "uuid", uuid, "error", err)
		return fmt.Errorf("persisting status for %s: %w", uuid, err)
	}
	return nil
}

// UpdateAgentSystemInfo stores the latest metrics snapshot, refreshes
// last-seen, and appends a metrics history row. Unknown UUIDs are ignored.
func (m *Manager) UpdateAgentSystemInfo(ctx context.Context, uuid string, info json.RawMessage) error {
	unlock := m.locks.Lock(uuid)
	defer unlock()

	now := m.now()
	snapshot := append(json.RawMessage(nil), info...)

	m.mu.Lock()
	a, ok := m.agents[uuid]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("system info for unknown agent", "uuid", uuid)
		return nil
	}
	a.SystemInfo = snapshot
	a.LastSeen = now
	m.mu.Unlock()

	m.events.Publish(&events.Event{
		Type:      events.SystemInfoUpdated,
		AgentUUID: uuid,
		Data:      json.RawMessage(snapshot),
		Timestamp: now,
	})
	m.logger.Debug("agent system info updated", "uuid", uuid, "bytes", len(snapshot))

	var errs []error
	if err := m.store.UpdateAgentSystemInfo(ctx, uuid, snapshot, now); err != nil {
		errs = append(errs, fmt.Errorf("persisting system info for %s: %w", uuid, err))
	}
	if metric, ok := metricFromSnapshot(uuid, snapshot, now); ok {
		if err := m.store.InsertSystemMetric(ctx, metric); err != nil {
			errs = append(errs, fmt.Errorf("recording metrics for %s: %w", uuid, err))
		}
	} else {
		m.logger.Debug("system info not in metrics shape, history row skipped", "uuid", uuid)
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Error("failed to persist system info", "uuid", uuid, "error", err)
		return err
	}
	return nil
}

// UpdateAgentConfig merges a partial override into the agent's config and
// returns the result. Overrides live in memory only. The boolean is false
// for unknown UUIDs.
func (m *Manager) UpdateAgentConfig(uuid string, patch protocol.AgentConfigPatch) (protocol.AgentConfig, bool) {
	unlock := m.locks.Lock(uuid)
	defer unlock()

	m.mu.Lock()
	a, ok := m.agents[uuid]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("config update for unknown agent", "uuid", uuid)
		return protocol.AgentConfig{}, false
	}
	a.Config = a.Config.Apply(patch)
	cfg := a.Config
	m.mu.Unlock()

	m.events.Publish(&events.Event{
		Type:      events.ConfigUpdated,
		AgentUUID: uuid,
		Data:      cfg,
	})
	m.logger.Info("agent config updated", "uuid", uuid, "config", cfg)
	return cfg, true
}

// GetAgent returns a copy of the agent's current state.
func (m *Manager) GetAgent(uuid string) (Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[uuid]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

// GetAllAgents returns copies of every agent, ordered by UUID.
func (m *Manager) GetAllAgents() []Agent {
	return m.filter(func(*Agent) bool { return true })
}

// GetOnlineAgents returns copies of the online agents, ordered by UUID.
func (m *Manager) GetOnlineAgents() []Agent {
	return m.filter(func(a *Agent) bool { return a.Status == StatusOnline })
}

func (m *Manager) filter(keep func(*Agent) bool) []Agent {
	m.mu.RLock()
	out := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// FindByAddress returns the UUIDs of agents last seen at the given IPv4 or
// IPv6 address, ordered by UUID. Addresses are not unique identities (NAT,
// reuse), so callers should treat the result as a hint.
func (m *Manager) FindByAddress(ipv4, ipv6 string) []string {
	if ipv4 == "" && ipv6 == "" {
		return nil
	}

	m.mu.RLock()
	var out []string
	for uuid, a := range m.agents {
		if (ipv4 != "" && a.IPv4Address == ipv4) || (ipv6 != "" && a.IPv6Address == ipv6) {
			out = append(out, uuid)
		}
	}
	m.mu.RUnlock()

	sort.Strings(out)
	return out
}

// RemoveAgent deletes the agent from memory and storage. Storage cascades
// to the agent's tasks and metrics.
func (m *Manager) RemoveAgent(ctx context.Context, uuid string) error {
	unlock := m.locks.Lock(uuid)
	defer unlock()

	m.mu.Lock()
	if _, ok := m.agents[uuid]; !ok {
		m.mu.Unlock()
		return ErrUnknownAgent
	}
	delete(m.agents, uuid)
	total := len(m.agents)
	m.mu.Unlock()

	if err := m.store.DeleteAgent(ctx, uuid); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("failed to delete agent from store", "uuid", uuid, "error", err)
		return fmt.Errorf("deleting agent %s: %w", uuid, err)
	}

	m.logger.Info("=== AGENT REMOVED ===", "uuid", uuid, "total_agents", total)
	return nil
}

// BuildConfigMessage encodes the agent's effective config as a CONFIG frame.
func (m *Manager) BuildConfigMessage(uuid string) ([]byte, error) {
	m.mu.RLock()
	a, ok := m.agents[uuid]
	var cfg protocol.AgentConfig
	if ok {
		cfg = a.Config
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, uuid)
	}
	return protocol.Encode(protocol.TypeConfig, cfg)
}

// Subscribe streams events for one agent, or for all agents when uuid is
// empty. The channel closes when ctx is done.
func (m *Manager) Subscribe(ctx context.Context, uuid string) (<-chan *events.Event, string) {
	return m.events.Subscribe(ctx, uuid)
}

func (m *Manager) publishStatus(uuid string, status Status, lastSeen time.Time) {
	m.events.Publish(&events.Event{
		Type:      events.StatusChanged,
		AgentUUID: uuid,
		Data:      StatusChange{Status: status, LastSeen: lastSeen},
		Timestamp: lastSeen,
	})
}

// StatusChange is the payload of a status_changed event.
type StatusChange struct {
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// metricFromSnapshot extracts the history columns from a system info
// snapshot. Snapshots that are not JSON objects are stored but not sampled.
func metricFromSnapshot(uuid string, snapshot json.RawMessage, at time.Time) (*store.SystemMetric, bool) {
	var p protocol.SystemInfoPayload
	if err := json.Unmarshal(snapshot, &p); err != nil {
		return nil, false
	}
	return &store.SystemMetric{
		AgentUUID:      uuid,
		Timestamp:      at,
		CPUUsage:       p.CPU.Usage,
		MemoryUsed:     p.Memory.Used,
		MemoryTotal:    p.Memory.Total,
		DiskUsed:       p.Disk.Used,
		DiskTotal:      p.Disk.Total,
		NetworkIn:      p.NetworkTraffic.In,
		NetworkOut:     p.NetworkTraffic.Out,
		TCPConnections: p.Network.TCP,
		UDPConnections: p.Network.UDP,
		Uptime:         p.Uptime,
	}, true
}
