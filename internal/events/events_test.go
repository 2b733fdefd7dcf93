package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestNewStampsIdentity(t *testing.T) {
	e := New(TopicExecutionStarted, "tenant-1", "pl-1")
	if e.ID == "" {
		t.Error("ID is empty, want uuid")
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp is zero, want stamped")
	}
	if e.Topic != "plugin.execution.started" {
		t.Errorf("Topic = %q, want %q", e.Topic, "plugin.execution.started")
	}
	if e.TenantID != "tenant-1" || e.PluginID != "pl-1" {
		t.Errorf("source = (%q, %q), want (tenant-1, pl-1)", e.TenantID, e.PluginID)
	}

	other := New(TopicExecutionStarted, "tenant-1", "pl-1")
	if other.ID == e.ID {
		t.Error("two events share an id, want unique ids")
	}
}

func TestCustomTopic(t *testing.T) {
	if got := CustomTopic("order.created"); got != "plugin.custom.order.created" {
		t.Errorf("CustomTopic() = %q, want %q", got, "plugin.custom.order.created")
	}
}

func TestEventWireFieldNames(t *testing.T) {
	e := Event{
		ID:          "ev-1",
		Topic:       TopicExecutionCompleted,
		TenantID:    "tenant-1",
		PluginID:    "pl-1",
		ExecutionID: "exec-1",
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:     map[string]any{"durationMs": 42.0},
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	decoded := make(map[string]any)
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	for _, key := range []string{"id", "topic", "tenantId", "pluginId", "executionId", "timestamp", "payload"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("wire form missing %q: %s", key, raw)
		}
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"plugin.execution.started", "plugin.execution.started", true},
		{"plugin.execution.started", "plugin.execution.failed", false},
		{"plugin.execution.*", "plugin.execution.started", true},
		{"plugin.execution.*", "plugin.execution.completed", true},
		{"plugin.execution.*", "plugin.lifecycle.installed", false},
		{"plugin.execution.*", "plugin.execution.started.extra", false},
		{"plugin.*.started", "plugin.execution.started", true},
		{"plugin.**", "plugin.lifecycle.installed", true},
		{"plugin.**", "plugin.custom.order.created", true},
		{"**", "anything.at.all", true},
		{"plugin.execution", "plugin.execution.started", false},
		{"plugin.execution.started.extra", "plugin.execution.started", false},
	}
	for _, tt := range tests {
		if got := matchTopic(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("matchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestMemoryPublishFanout(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()

	var execTopics, allTopics []string
	bus.Subscribe("plugin.execution.*", func(e Event) {
		execTopics = append(execTopics, e.Topic)
	})
	bus.Subscribe("plugin.**", func(e Event) {
		allTopics = append(allTopics, e.Topic)
	})

	for _, topic := range []string{
		TopicExecutionStarted,
		TopicLifecycleInstalled,
		TopicExecutionCompleted,
	} {
		if err := bus.Publish(ctx, New(topic, "tenant-1", "pl-1")); err != nil {
			t.Fatalf("Publish(%s) error: %v", topic, err)
		}
	}

	if len(execTopics) != 2 {
		t.Errorf("execution subscriber saw %d events, want 2: %v", len(execTopics), execTopics)
	}
	if len(allTopics) != 3 {
		t.Errorf("wildcard subscriber saw %d events, want 3: %v", len(allTopics), allTopics)
	}
}

func TestMemoryPublishNoSubscribers(t *testing.T) {
	bus := NewMemory()
	if err := bus.Publish(context.Background(), New(TopicExecutionFailed, "tenant-1", "pl-1")); err != nil {
		t.Errorf("Publish() with no subscribers error = %v, want nil", err)
	}
}

func TestMemoryHandlerMaySubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()

	var late []string
	bus.Subscribe(TopicExecutionStarted, func(e Event) {
		// Subscribing from inside a handler must not deadlock.
		bus.Subscribe(TopicExecutionCompleted, func(e Event) {
			late = append(late, e.Topic)
		})
	})

	if err := bus.Publish(ctx, New(TopicExecutionStarted, "tenant-1", "pl-1")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if err := bus.Publish(ctx, New(TopicExecutionCompleted, "tenant-1", "pl-1")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if len(late) != 1 {
		t.Errorf("late subscriber saw %d events, want 1", len(late))
	}
}
