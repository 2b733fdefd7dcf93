package exec

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dshills/enclave/internal/plugin"
	"github.com/dshills/enclave/internal/sandbox"
)

// Trigger identifies what initiated an execution.
type Trigger string

// Known triggers. Entry points that imply an origin set it themselves:
// queued requests default to TriggerEvent, direct CLI runs use
// TriggerAPI.
const (
	TriggerAPI      Trigger = "api"
	TriggerEvent    Trigger = "event"
	TriggerSchedule Trigger = "schedule"
	TriggerHook     Trigger = "hook"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerAPI, TriggerEvent, TriggerSchedule, TriggerHook:
		return true
	}
	return false
}

// ExecuteRequest asks for one plugin invocation on behalf of a tenant
// user. TimeoutOverride, when positive, replaces the manifest timeout
// and must stay inside the manifest bounds.
type ExecuteRequest struct {
	PluginID        string         `json:"pluginId"`
	TenantID        string         `json:"tenantId"`
	UserID          string         `json:"userId"`
	FunctionName    string         `json:"functionName,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	TimeoutOverride int            `json:"timeoutOverrideMs,omitempty"`
	Trigger         Trigger        `json:"trigger"`
}

// Validate checks request shape only; it never touches storage. All
// violations are collected so a caller sees every problem at once.
func (r ExecuteRequest) Validate() []string {
	var errs []string
	if r.PluginID == "" {
		errs = append(errs, "Plugin ID is required")
	}
	if r.TenantID == "" {
		errs = append(errs, "Tenant ID is required")
	}
	if r.UserID == "" {
		errs = append(errs, "User ID is required")
	}
	if !r.Trigger.Valid() {
		errs = append(errs, fmt.Sprintf("Invalid trigger: %s", r.Trigger))
	}
	if r.TimeoutOverride != 0 &&
		(r.TimeoutOverride < plugin.MinTimeoutMs || r.TimeoutOverride > plugin.MaxTimeoutMs) {
		errs = append(errs, "Timeout override must be between "+
			strconv.Itoa(plugin.MinTimeoutMs)+"ms and "+
			strconv.Itoa(plugin.MaxTimeoutMs)+"ms")
	}
	return errs
}

// DecodeExecuteRequest parses a wire-form request, for example one
// pulled off the execution queue. An absent trigger defaults to event.
func DecodeExecuteRequest(body []byte) (ExecuteRequest, error) {
	var req ExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ExecuteRequest{}, fmt.Errorf("decode execute request: %w", err)
	}
	if req.Trigger == "" {
		req.Trigger = TriggerEvent
	}
	return req, nil
}

// Response is the orchestrator's answer to one ExecuteRequest. The
// ExecutionID is assigned before any validation runs, so even rejected
// requests are traceable.
type Response struct {
	Success     bool             `json:"success"`
	ExecutionID string           `json:"executionId"`
	Result      any              `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Logs        []string         `json:"logs,omitempty"`
	Metrics     *sandbox.Metrics `json:"metrics,omitempty"`
}
