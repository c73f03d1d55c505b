// Package events provides in-process publish/subscribe for agent state
// changes (status, system info, config).
package events
