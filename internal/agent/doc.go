// Package agent tracks the state of every monitoring agent the hub knows.
//
// # Overview
//
// The Manager is the agent registry. It keeps one entry per agent UUID in
// memory and writes every change through to the store:
//
//	mgr := agent.NewManager(store, broadcaster, protocol.DefaultAgentConfig(), logger)
//	if err := mgr.Load(ctx); err != nil { ... }
//
// Key operations:
//
//   - RegisterAgent(ctx, uuid, alias, ipv4, ipv6): idempotent upsert on AUTH
//   - UpdateAgentStatus(ctx, uuid, status): heartbeat and disconnect
//   - UpdateAgentSystemInfo(ctx, uuid, info): metrics snapshot + history row
//   - UpdateAgentConfig(uuid, patch): in-memory config override
//   - GetAgent / GetAllAgents / GetOnlineAgents: copies of current state
//   - RemoveAgent(ctx, uuid): administrative delete, cascades in storage
//   - BuildConfigMessage(uuid): CONFIG frame for the agent
//
// Updates for an unknown UUID are silently ignored (logged at debug);
// only BuildConfigMessage and RemoveAgent report ErrUnknownAgent.
//
// # Lifecycle
//
// Agents are created on first successful authentication and are never
// removed by a disconnect. A disconnect marks them offline.
//
// # Events
//
// Every mutation publishes an events.Event: status_changed, system_info_updated
// or config_updated. Subscribe(ctx, "") follows all agents.
//
// # Thread Safety
//
// Mutations for the same UUID are serialized by a per-UUID lock held across
// the in-memory change and the store write, so concurrent connections
// claiming the same identity cannot lose updates. The map itself is guarded
// by an RWMutex and readers never wait on storage.
package agent
