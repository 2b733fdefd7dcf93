// Package events publishes the subsystem's lifecycle and execution
// events and consumes queued execution requests. RabbitMQ carries both
// in shared deployments; the memory bus serves tests and the dev CLI.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Topics emitted by the subsystem. Plugin-emitted events go under
// plugin.custom.<name> via CustomTopic.
const (
	TopicExecutionStarted   = "plugin.execution.started"
	TopicExecutionCompleted = "plugin.execution.completed"
	TopicExecutionFailed    = "plugin.execution.failed"

	TopicLifecycleInstalled   = "plugin.lifecycle.installed"
	TopicLifecycleActivated   = "plugin.lifecycle.activated"
	TopicLifecycleDeactivated = "plugin.lifecycle.deactivated"
	TopicLifecycleDeprecated  = "plugin.lifecycle.deprecated"
	TopicLifecycleRemoved     = "plugin.lifecycle.removed"
	TopicLifecycleConfigured  = "plugin.lifecycle.configured"
)

// CustomTopic returns the topic for an event a plugin emits through the
// events binding.
func CustomTopic(name string) string {
	return "plugin.custom." + name
}

// Event is one published occurrence. Topic is the routing key; the
// source plugin, tenant, and (for execution events) execution id are
// stamped so consumers can correlate without parsing the payload.
type Event struct {
	ID          string         `json:"id"`
	Topic       string         `json:"topic"`
	TenantID    string         `json:"tenantId"`
	PluginID    string         `json:"pluginId"`
	ExecutionID string         `json:"executionId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// New returns an event with a fresh id and timestamp. Callers fill
// ExecutionID and Payload as needed.
func New(topic, tenantID, pluginID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		TenantID:  tenantID,
		PluginID:  pluginID,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher is the outbound port. The orchestrator publishes
// best-effort: a failed publish is logged by the caller, never fatal.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler receives events from the memory bus.
type Handler func(Event)
