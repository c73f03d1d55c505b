// ABOUTME: JSON payload shapes carried in each message type.
// ABOUTME: Field names match what deployed agents already send.

package protocol

import "encoding/json"

// AuthPayload is sent by an agent to authenticate its connection.
type AuthPayload struct {
	Key   string `json:"key"`
	UUID  string `json:"uuid"`
	Alias string `json:"alias,omitempty"`
}

// HeartbeatPayload is the periodic liveness ping.
type HeartbeatPayload struct {
	UUID string `json:"uuid"`
}

// SystemInfoPayload is a dynamic metrics snapshot. The hub stores the raw JSON
// and only reads the fields below to fill the metrics table.
type SystemInfoPayload struct {
	UUID           string `json:"uuid"`
	NetworkTraffic struct {
		In  uint64 `json:"in"`
		Out uint64 `json:"out"`
	} `json:"networkTraffic"`
	Uptime float64 `json:"uptime"`
	CPU    struct {
		Usage float64 `json:"usage"`
	} `json:"cpu"`
	Memory struct {
		Used  uint64 `json:"used"`
		Total uint64 `json:"total,omitempty"`
	} `json:"memory"`
	Disk struct {
		Used  uint64 `json:"used"`
		Total uint64 `json:"total,omitempty"`
	} `json:"disk"`
	Swap struct {
		Used  uint64 `json:"used"`
		Total uint64 `json:"total,omitempty"`
	} `json:"swap"`
	Network struct {
		TCP int `json:"tcp"`
		UDP int `json:"udp"`
	} `json:"network"`
	IPv4 []string `json:"ipv4,omitempty"`
	IPv6 []string `json:"ipv6,omitempty"`
}

// StaticInfoPayload describes hardware that rarely changes. Reserved; the hub
// logs it but does not act on it.
type StaticInfoPayload struct {
	UUID  string `json:"uuid"`
	Alias string `json:"alias,omitempty"`
	CPU   struct {
		Model string `json:"model"`
		Cores int    `json:"cores"`
	} `json:"cpu"`
	Memory struct {
		Total uint64 `json:"total"`
	} `json:"memory"`
	Disk struct {
		Total uint64 `json:"total"`
	} `json:"disk"`
	Swap struct {
		Total uint64 `json:"total"`
	} `json:"swap"`
	IPv4     []string `json:"ipv4,omitempty"`
	IPv6     []string `json:"ipv6,omitempty"`
	UpdateAt int64    `json:"updateAt"`
}

// TaskResultPayload reports the outcome of a task. Error or a "failed"
// status marks the task failed; otherwise it completes.
type TaskResultPayload struct {
	TaskID int64           `json:"taskId"`
	UUID   string          `json:"uuid"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Status string          `json:"status,omitempty"`
}

// TaskRequestPayload is pushed to an agent to start a task.
type TaskRequestPayload struct {
	TaskID int64           `json:"taskId"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// AgentConfig is the effective configuration pushed to an agent. Intervals
// are in seconds.
type AgentConfig struct {
	SystemInfoInterval int `json:"systemInfoInterval"`
	HeartbeatInterval  int `json:"heartbeatInterval"`
	ReconnectInterval  int `json:"reconnectInterval"`
}

// DefaultAgentConfig returns the built-in push-down defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		SystemInfoInterval: 60,
		HeartbeatInterval:  30,
		ReconnectInterval:  5,
	}
}

// AgentConfigPatch is a partial override; nil fields are left unchanged.
type AgentConfigPatch struct {
	SystemInfoInterval *int `json:"systemInfoInterval,omitempty"`
	HeartbeatInterval  *int `json:"heartbeatInterval,omitempty"`
	ReconnectInterval  *int `json:"reconnectInterval,omitempty"`
}

// Apply returns c with every non-nil field of p copied over.
func (c AgentConfig) Apply(p AgentConfigPatch) AgentConfig {
	if p.SystemInfoInterval != nil {
		c.SystemInfoInterval = *p.SystemInfoInterval
	}
	if p.HeartbeatInterval != nil {
		c.HeartbeatInterval = *p.HeartbeatInterval
	}
	if p.ReconnectInterval != nil {
		c.ReconnectInterval = *p.ReconnectInterval
	}
	return c
}
