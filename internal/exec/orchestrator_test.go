package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/dshills/enclave/internal/events"
	"github.com/dshills/enclave/internal/plugin"
	"github.com/dshills/enclave/internal/sandbox"
)

func TestExecuteRequestValidation(t *testing.T) {
	tests := []struct {
		name string
		req  ExecuteRequest
		want string
	}{
		{
			name: "missing plugin id",
			req:  ExecuteRequest{TenantID: "tenant-a", UserID: "user-1", Trigger: TriggerAPI},
			want: "Plugin ID is required",
		},
		{
			name: "missing tenant id",
			req:  ExecuteRequest{PluginID: "p1", UserID: "user-1", Trigger: TriggerAPI},
			want: "Tenant ID is required",
		},
		{
			name: "missing user id",
			req:  ExecuteRequest{PluginID: "p1", TenantID: "tenant-a", Trigger: TriggerAPI},
			want: "User ID is required",
		},
		{
			name: "unknown trigger",
			req:  ExecuteRequest{PluginID: "p1", TenantID: "tenant-a", UserID: "user-1", Trigger: "cron"},
			want: "Invalid trigger: cron",
		},
		{
			name: "empty trigger",
			req:  ExecuteRequest{PluginID: "p1", TenantID: "tenant-a", UserID: "user-1"},
			want: "Invalid trigger: ",
		},
		{
			name: "timeout override too low",
			req: ExecuteRequest{
				PluginID: "p1", TenantID: "tenant-a", UserID: "user-1",
				Trigger: TriggerAPI, TimeoutOverride: 500,
			},
			want: "Timeout override must be between 1000ms and 300000ms",
		},
		{
			name: "timeout override too high",
			req: ExecuteRequest{
				PluginID: "p1", TenantID: "tenant-a", UserID: "user-1",
				Trigger: TriggerAPI, TimeoutOverride: 400000,
			},
			want: "Timeout override must be between 1000ms and 300000ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			resp := f.svc.Execute(context.Background(), tt.req)
			if resp.Success {
				t.Fatal("Success = true, want false")
			}
			if resp.Error != tt.want {
				t.Errorf("Error = %q, want %q", resp.Error, tt.want)
			}
			if resp.ExecutionID == "" {
				t.Error("ExecutionID is empty")
			}
			if n := len(f.engine.calls()); n != 0 {
				t.Errorf("engine calls = %d, want 0", n)
			}
		})
	}
}

func TestExecuteCollectsAllValidationErrors(t *testing.T) {
	f := newFixture(t)
	resp := f.svc.Execute(context.Background(), ExecuteRequest{Trigger: TriggerAPI, TimeoutOverride: 10})
	for _, want := range []string{
		"Plugin ID is required",
		"Tenant ID is required",
		"User ID is required",
		"Timeout override must be between 1000ms and 300000ms",
	} {
		if !strings.Contains(resp.Error, want) {
			t.Errorf("Error %q missing %q", resp.Error, want)
		}
	}
}

func TestExecutePluginNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.svc.Execute(context.Background(), validRequest("nope"))
	if resp.Error != "Plugin not found" {
		t.Errorf("Error = %q, want %q", resp.Error, "Plugin not found")
	}
	if n := len(f.engine.calls()); n != 0 {
		t.Errorf("engine calls = %d, want 0", n)
	}
}

func TestExecuteCrossTenantDenied(t *testing.T) {
	f := newFixture(t)
	f.seedPlugin(t, "p1", "tenant-b", plugin.StatusActive, nil)

	resp := f.svc.Execute(context.Background(), validRequest("p1"))
	if resp.Error != "Unauthorized access to plugin" {
		t.Errorf("Error = %q, want %q", resp.Error, "Unauthorized access to plugin")
	}
	if n := len(f.engine.calls()); n != 0 {
		t.Errorf("engine calls = %d, want 0", n)
	}
}

func TestExecuteInactivePlugin(t *testing.T) {
	for _, status := range []plugin.Status{
		plugin.StatusPending,
		plugin.StatusInstalled,
		plugin.StatusInactive,
		plugin.StatusDeprecated,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.seedPlugin(t, "p1", "tenant-a", status, nil)

			resp := f.svc.Execute(context.Background(), validRequest("p1"))
			want := fmt.Sprintf("Plugin is not active (status: %s)", status)
			if resp.Error != want {
				t.Errorf("Error = %q, want %q", resp.Error, want)
			}
			if n := len(f.engine.calls()); n != 0 {
				t.Errorf("engine calls = %d, want 0", n)
			}
		})
	}
}

func TestExecuteMissingFile(t *testing.T) {
	f := newFixture(t)
	f.seedPlugin(t, "p1", "tenant-a", plugin.StatusActive, func(m map[string]any) {
		m["files"] = []any{"index.lua", "util.lua", "missing.lua"}
	})

	resp := f.svc.Execute(context.Background(), validRequest("p1"))
	if resp.Error != "Plugin file not found: missing.lua" {
		t.Errorf("Error = %q, want %q", resp.Error, "Plugin file not found: missing.lua")
	}
	if n := len(f.engine.calls()); n != 0 {
		t.Errorf("engine calls = %d, want 0", n)
	}

	topics := f.pub.topics()
	want := []string{events.TopicExecutionStarted, events.TopicExecutionFailed}
	if len(topics) != len(want) {
		t.Fatalf("topics = %v, want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("topics[%d] = %q, want %q", i, topics[i], want[i])
		}
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	f.seedPlugin(t, "p1", "tenant-a", plugin.StatusActive, nil)
	f.engine.result = sandbox.Result{
		Success: true,
		Data:    map[string]any{"processed": int64(3)},
		Logs:    []string{"starting", "done"},
		Metrics: sandbox.Metrics{ExecutionTime: 42.5, MemoryUsed: 2048},
	}

	req := validRequest("p1")
	req.FunctionName = "handler"
	req.Parameters = map[string]any{"orderId": "ord-9"}
	resp := f.svc.Execute(context.Background(), req)

	if !resp.Success {
		t.Fatalf("Success = false, Error = %q", resp.Error)
	}
	data, ok := resp.Result.(map[string]any)
	if !ok || data["processed"] != int64(3) {
		t.Errorf("Result = %#v, want processed=3", resp.Result)
	}
	if resp.Metrics == nil || resp.Metrics.ExecutionTime != 42.5 {
		t.Errorf("Metrics = %+v, want ExecutionTime 42.5", resp.Metrics)
	}
	if len(resp.Logs) != 2 {
		t.Errorf("Logs = %v, want 2 entries", resp.Logs)
	}

	calls := f.engine.calls()
	if len(calls) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(calls))
	}
	sreq := calls[0]
	if sreq.ExecutionID != resp.ExecutionID {
		t.Errorf("engine ExecutionID = %q, want %q", sreq.ExecutionID, resp.ExecutionID)
	}
	if sreq.EntryPoint != "index.lua" {
		t.Errorf("EntryPoint = %q, want %q", sreq.EntryPoint, "index.lua")
	}
	if sreq.Function != "handler" {
		t.Errorf("Function = %q, want %q", sreq.Function, "handler")
	}
	if sreq.Params["orderId"] != "ord-9" {
		t.Errorf("Params = %v, want orderId=ord-9", sreq.Params)
	}
	if sreq.Files["index.lua"] != testIndexSource || sreq.Files["util.lua"] != testUtilSource {
		t.Error("engine did not receive the stored sources")
	}
	if sreq.Config.MemoryLimitBytes != 64<<20 {
		t.Errorf("MemoryLimitBytes = %d, want %d", sreq.Config.MemoryLimitBytes, 64<<20)
	}
	if sreq.Config.TimeoutMs != 5000 {
		t.Errorf("TimeoutMs = %d, want 5000", sreq.Config.TimeoutMs)
	}

	// Outcome folded into stats and history under the same execution id.
	p, err := f.repo.FindByID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if p.ExecutionCount != 1 || p.ErrorCount != 0 {
		t.Errorf("stats = (%d, %d), want (1, 0)", p.ExecutionCount, p.ErrorCount)
	}
	if p.AverageExecutionTime != 42.5 {
		t.Errorf("AverageExecutionTime = %v, want 42.5", p.AverageExecutionTime)
	}
	recs, err := f.repo.ListExecutions(context.Background(), "p1", 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != resp.ExecutionID {
		t.Errorf("history = %+v, want one record with id %s", recs, resp.ExecutionID)
	}

	topics := f.pub.topics()
	want := []string{events.TopicExecutionStarted, events.TopicExecutionCompleted}
	if len(topics) != 2 || topics[0] != want[0] || topics[1] != want[1] {
		t.Errorf("topics = %v, want %v", topics, want)
	}
	for _, ev := range f.pub.events() {
		if ev.ExecutionID != resp.ExecutionID {
			t.Errorf("event %s ExecutionID = %q, want %q", ev.Topic, ev.ExecutionID, resp.ExecutionID)
		}
	}
}

func TestExecuteGuestFailure(t *testing.T) {
	f := newFixture(t)
	f.seedPlugin(t, "p1", "tenant-a", plugin.StatusActive, nil)
	f.engine.result = sandbox.Result{
		Success: false,
		Error:   "attempt to index a nil value",
		Metrics: sandbox.Metrics{ExecutionTime: 10},
	}

	resp := f.svc.Execute(context.Background(), validRequest("p1"))
	if resp.Success {
		t.Fatal("Success = true, want false")
	}
	if resp.Error != "attempt to index a nil value" {
		t.Errorf("Error = %q, want guest message", resp.Error)
	}

	p, _ := f.repo.FindByID(context.Background(), "p1")
	if p.ExecutionCount != 1 || p.ErrorCount != 1 {
		t.Errorf("stats = (%d, %d), want (1, 1)", p.ExecutionCount, p.ErrorCount)
	}

	topics := f.pub.topics()
	if len(topics) != 2 || topics[1] != events.TopicExecutionFailed {
		t.Errorf("topics = %v, want failed terminal event", topics)
	}
}

func TestExecuteTimeoutOverride(t *testing.T) {
	tests := []struct {
		name     string
		override int
		want     int
	}{
		{name: "manifest default", override: 0, want: 5000},
		{name: "override wins", override: 2000, want: 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedPlugin(t, "p1", "tenant-a", plugin.StatusActive, nil)

			req := validRequest("p1")
			req.TimeoutOverride = tt.override
			f.svc.Execute(context.Background(), req)

			calls := f.engine.calls()
			if len(calls) != 1 {
				t.Fatalf("engine calls = %d, want 1", len(calls))
			}
			if got := calls[0].Config.TimeoutMs; got != tt.want {
				t.Errorf("TimeoutMs = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExecuteContextAssembly(t *testing.T) {
	f := newFixture(t)
	f.seedPlugin(t, "p1", "tenant-a", plugin.StatusActive, nil)

	req := validRequest("p1")
	req.Context = map[string]any{
		"tenantId": "spoofed",
		"orderRef": "ord-12",
	}
	resp := f.svc.Execute(context.Background(), req)

	calls := f.engine.calls()
	if len(calls) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(calls))
	}
	got := calls[0].Context
	if got["tenantId"] != "tenant-a" {
		t.Errorf("tenantId = %v, platform identity must win over caller context", got["tenantId"])
	}
	if got["userId"] != "user-1" {
		t.Errorf("userId = %v, want user-1", got["userId"])
	}
	if got["requestId"] != resp.ExecutionID {
		t.Errorf("requestId = %v, want %s", got["requestId"], resp.ExecutionID)
	}
	if got["environment"] != "test" {
		t.Errorf("environment = %v, want test", got["environment"])
	}
	if got["orderRef"] != "ord-12" {
		t.Errorf("orderRef = %v, caller extras must pass through", got["orderRef"])
	}
	cfg, ok := got["configuration"].(map[string]any)
	if !ok || cfg["retries"] != float64(3) {
		t.Errorf("configuration = %#v, want defaults with retries=3", got["configuration"])
	}
}

func TestExecuteBindingGating(t *testing.T) {
	tests := []struct {
		name        string
		permissions []any
		network     bool
		want        []string
	}{
		{name: "no permissions", permissions: []any{}, want: nil},
		{name: "db and cache", permissions: []any{"database", "cache"}, want: []string{"cache", "db"}},
		{name: "http without network access", permissions: []any{"http"}, want: nil},
		{name: "http with network access", permissions: []any{"http"}, network: true, want: []string{"http"}},
		{
			name:        "everything",
			permissions: []any{"database", "cache", "events", "http"},
			network:     true,
			want:        []string{"cache", "db", "events", "http"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedPlugin(t, "p1", "tenant-a", plugin.StatusActive, func(m map[string]any) {
				sec := m["security"].(map[string]any)
				sec["permissions"] = tt.permissions
				sec["resourceLimits"].(map[string]any)["networkAccess"] = tt.network
				if tt.network {
					sec["trustedDomains"] = []any{"api.example.com"}
				}
			})

			f.svc.Execute(context.Background(), validRequest("p1"))

			calls := f.engine.calls()
			if len(calls) != 1 {
				t.Fatalf("engine calls = %d, want 1", len(calls))
			}
			got := bindingNames(calls[0].Config.Bindings)
			if len(got) != len(tt.want) {
				t.Fatalf("bindings = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("bindings = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func bindingNames(bindings map[string]sandbox.Binder) []string {
	if len(bindings) == 0 {
		return nil
	}
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}
	return names
}

func TestExecutePublishFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	f.seedPlugin(t, "p1", "tenant-a", plugin.StatusActive, nil)
	f.pub.err = errors.New("broker down")

	resp := f.svc.Execute(context.Background(), validRequest("p1"))
	if !resp.Success {
		t.Errorf("Success = false, Error = %q; event failures must not fail the run", resp.Error)
	}
}

func TestExecuteRecordPersistFailure(t *testing.T) {
	f := newFixture(t)
	f.seedPlugin(t, "p1", "tenant-a", plugin.StatusActive, nil)
	f.svc.repo = recordFailRepo{PluginRepository: f.repo, err: errors.New("connection reset")}

	resp := f.svc.Execute(context.Background(), validRequest("p1"))
	if resp.Success {
		t.Fatal("Success = true, want false")
	}
	if resp.Error != "Plugin execution failed" {
		t.Errorf("Error = %q, want generic failure", resp.Error)
	}
}

func TestHandleQueueMessage(t *testing.T) {
	t.Run("malformed payload dropped", func(t *testing.T) {
		f := newFixture(t)
		if err := f.svc.HandleQueueMessage(context.Background(), []byte("{nope")); err != nil {
			t.Errorf("HandleQueueMessage = %v, want nil for poison payload", err)
		}
	})

	t.Run("absent trigger defaults to event", func(t *testing.T) {
		f := newFixture(t)
		f.seedPlugin(t, "p1", "tenant-a", plugin.StatusActive, nil)

		body := []byte(`{"pluginId":"p1","tenantId":"tenant-a","userId":"user-1"}`)
		if err := f.svc.HandleQueueMessage(context.Background(), body); err != nil {
			t.Fatalf("HandleQueueMessage = %v", err)
		}
		if n := len(f.engine.calls()); n != 1 {
			t.Fatalf("engine calls = %d, want 1", n)
		}

		evs := f.pub.events()
		if len(evs) == 0 {
			t.Fatal("no events published")
		}
		if got := evs[0].Payload["trigger"]; got != "event" {
			t.Errorf("started trigger = %v, want event", got)
		}
	})

	t.Run("shutdown requeues", func(t *testing.T) {
		f := newFixture(t)
		f.seedPlugin(t, "p1", "tenant-a", plugin.StatusActive, nil)
		f.engine.result = sandbox.Result{Success: false, Error: "Execution terminated"}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		body := []byte(`{"pluginId":"p1","tenantId":"tenant-a","userId":"user-1","trigger":"event"}`)
		if err := f.svc.HandleQueueMessage(ctx, body); !errors.Is(err, context.Canceled) {
			t.Errorf("HandleQueueMessage = %v, want context.Canceled", err)
		}
	})
}

func TestDecodeExecuteRequest(t *testing.T) {
	req, err := DecodeExecuteRequest([]byte(`{"pluginId":"p1","tenantId":"t1","userId":"u1","timeoutOverrideMs":2000}`))
	if err != nil {
		t.Fatalf("DecodeExecuteRequest: %v", err)
	}
	if req.Trigger != TriggerEvent {
		t.Errorf("Trigger = %q, want %q", req.Trigger, TriggerEvent)
	}
	if req.TimeoutOverride != 2000 {
		t.Errorf("TimeoutOverride = %d, want 2000", req.TimeoutOverride)
	}

	if _, err := DecodeExecuteRequest([]byte("not json")); err == nil {
		t.Error("DecodeExecuteRequest accepted malformed payload")
	}
}
