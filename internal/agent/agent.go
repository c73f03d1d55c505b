// ABOUTME: Agent state types held by the registry.
// ABOUTME: Status values and the Agent snapshot returned to callers.

package agent

import (
	"encoding/json"
	"time"

	"github.com/2389/agent-hub/internal/protocol"
)

// Status is an agent's liveness state.
type Status string

const (
	StatusOnline       Status = "online"
	StatusOffline      Status = "offline"
	StatusDisconnected Status = "disconnected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusDisconnected:
		return true
	}
	return false
}

// Agent is a snapshot of one agent's state. Values returned by the Manager
// are copies and safe to modify.
type Agent struct {
	UUID        string               `json:"uuid"`
	Alias       string               `json:"alias,omitempty"`
	IPv4Address string               `json:"ipv4Address,omitempty"`
	IPv6Address string               `json:"ipv6Address,omitempty"`
	Status      Status               `json:"status"`
	LastSeen    time.Time            `json:"lastSeen"`
	Config      protocol.AgentConfig `json:"config"`
	SystemInfo  json.RawMessage      `json:"systemInfo,omitempty"`
}

func (a *Agent) clone() Agent {
	c := *a
	if a.SystemInfo != nil {
		c.SystemInfo = append(json.RawMessage(nil), a.SystemInfo...)
	}
	return c
}
