package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/enclave/internal/events"
	"github.com/dshills/enclave/internal/filestore"
	"github.com/dshills/enclave/internal/plugin"
	"github.com/dshills/enclave/internal/sandbox"
	"github.com/dshills/enclave/internal/store"
)

const failureMessage = "Plugin execution failed"

// Execute runs one plugin invocation end to end: validate the request,
// load and authorize the plugin, run it in the sandbox, fold the
// outcome into the plugin's stats, and emit lifecycle events. It never
// returns an error; every failure mode is a Response with Success
// false. Infrastructure errors collapse to a generic failure message
// with the original logged.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) Response {
	executionID := uuid.NewString()

	if errs := req.Validate(); len(errs) > 0 {
		return Response{ExecutionID: executionID, Error: strings.Join(errs, "; ")}
	}

	p, err := s.repo.FindByID(ctx, req.PluginID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Response{ExecutionID: executionID, Error: "Plugin not found"}
		}
		s.log.Errorw("plugin load failed",
			"executionId", executionID, "pluginId", req.PluginID, "error", err)
		return Response{ExecutionID: executionID, Error: failureMessage}
	}

	if p.TenantID != req.TenantID {
		s.log.Warnw("cross-tenant plugin access denied",
			"executionId", executionID, "pluginId", req.PluginID,
			"tenantId", req.TenantID, "ownerTenantId", p.TenantID)
		return Response{ExecutionID: executionID, Error: "Unauthorized access to plugin"}
	}

	if !p.CanExecute() {
		return Response{
			ExecutionID: executionID,
			Error:       fmt.Sprintf("Plugin is not active (status: %s)", p.Status),
		}
	}

	return s.run(ctx, p, req, executionID)
}

// run covers the stages after authorization. The started event precedes
// file loading so a watching consumer sees the attempt even when the
// stored files have gone missing.
func (s *Service) run(ctx context.Context, p plugin.Plugin, req ExecuteRequest, executionID string) Response {
	started := events.New(events.TopicExecutionStarted, p.TenantID, p.ID)
	started.ExecutionID = executionID
	started.Payload = map[string]any{"trigger": string(req.Trigger)}
	s.publish(ctx, started)

	files, missing, err := s.loadFiles(ctx, p)
	if missing != "" {
		return s.fail(ctx, p, executionID, "Plugin file not found: "+missing)
	}
	if err != nil {
		s.log.Errorw("plugin file load failed",
			"executionId", executionID, "pluginId", p.ID, "error", err)
		return s.fail(ctx, p, executionID, failureMessage)
	}

	limits := p.ResourceLimits()
	timeoutMs := limits.TimeoutMs
	if req.TimeoutOverride > 0 {
		timeoutMs = req.TimeoutOverride
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	result := s.engine.Execute(ctx, sandbox.Request{
		ExecutionID: executionID,
		Files:       files,
		EntryPoint:  p.Manifest.EntryPoint,
		Function:    req.FunctionName,
		Params:      req.Parameters,
		Context:     s.buildContext(p, req, executionID),
		Config: sandbox.Config{
			MemoryLimitBytes: p.Manifest.MemoryLimitBytes(),
			CPULimitPercent:  limits.CPUPercent,
			TimeoutMs:        timeoutMs,
			AllowedModules:   p.Manifest.Security.AllowedModules,
			FileSystemAccess: limits.FileSystemAccess,
			NetworkAccess:    limits.NetworkAccess,
			TrustedDomains:   p.Manifest.Security.TrustedDomains,
			Bindings:         s.buildBindings(ctx, p, executionID, deadline),
		},
	})

	if err := s.recordExecution(ctx, p, executionID, result); err != nil {
		s.log.Errorw("execution record persist failed",
			"executionId", executionID, "pluginId", p.ID, "error", err)
		return s.fail(ctx, p, executionID, failureMessage)
	}
	s.publishOutcome(ctx, p, executionID, result)

	resp := Response{
		Success:     result.Success,
		ExecutionID: executionID,
		Logs:        result.Logs,
		Metrics:     &result.Metrics,
	}
	if result.Success {
		resp.Result = result.Data
	} else {
		resp.Error = result.Error
	}
	return resp
}

// buildContext assembles the table the guest sees as its execution
// context. Caller-supplied entries land first; the platform keys
// overwrite any collision so a caller cannot spoof identity.
func (s *Service) buildContext(p plugin.Plugin, req ExecuteRequest, executionID string) map[string]any {
	out := make(map[string]any, len(req.Context)+6)
	for k, v := range req.Context {
		out[k] = v
	}
	out["tenantId"] = p.TenantID
	out["userId"] = req.UserID
	out["requestId"] = executionID
	out["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	out["environment"] = s.env
	out["configuration"] = p.ConfigSnapshot()
	return out
}

// loadFiles pulls every declared source file from storage. A missing
// file comes back by name so the caller can report it precisely;
// anything else is an infrastructure error.
func (s *Service) loadFiles(ctx context.Context, p plugin.Plugin) (map[string]string, string, error) {
	m := p.Manifest
	files := make(map[string]string, len(m.Files))
	for _, name := range m.Files {
		data, err := s.files.Get(ctx, filestore.PluginPath(p.TenantID, m.Name, m.Version, name))
		if errors.Is(err, filestore.ErrNotFound) {
			return nil, name, nil
		}
		if err != nil {
			return nil, "", fmt.Errorf("load %s: %w", name, err)
		}
		files[name] = string(data)
	}
	return files, "", nil
}

// recordExecution folds the outcome into the plugin's running stats and
// appends the execution history row, atomically at the repository.
func (s *Service) recordExecution(ctx context.Context, p plugin.Plugin, executionID string, result sandbox.Result) error {
	rec := store.ExecutionRecord{
		ID:            executionID,
		PluginID:      p.ID,
		TenantID:      p.TenantID,
		Success:       result.Success,
		ExecutionTime: result.Metrics.ExecutionTime,
		MemoryUsed:    result.Metrics.MemoryUsed,
		CPUUsed:       result.Metrics.CPUUsed,
		Error:         result.Error,
		Logs:          result.Logs,
		CreatedAt:     time.Now().UTC(),
	}
	return s.repo.RecordExecution(ctx, p.ID, rec)
}

// publishOutcome emits the completed or failed event for one finished
// sandbox run.
func (s *Service) publishOutcome(ctx context.Context, p plugin.Plugin, executionID string, result sandbox.Result) {
	topic := events.TopicExecutionCompleted
	payload := map[string]any{
		"success":    result.Success,
		"durationMs": result.Metrics.ExecutionTime,
	}
	if !result.Success {
		topic = events.TopicExecutionFailed
		payload["error"] = result.Error
	}
	ev := events.New(topic, p.TenantID, p.ID)
	ev.ExecutionID = executionID
	ev.Payload = payload
	s.publish(ctx, ev)
}

// fail emits a failed event and returns the failure response. Used for
// breakdowns after the started event is already out, so watchers see a
// terminal event for every started execution.
func (s *Service) fail(ctx context.Context, p plugin.Plugin, executionID, msg string) Response {
	ev := events.New(events.TopicExecutionFailed, p.TenantID, p.ID)
	ev.ExecutionID = executionID
	ev.Payload = map[string]any{"error": msg}
	s.publish(ctx, ev)
	return Response{ExecutionID: executionID, Error: msg}
}

// HandleQueueMessage processes one queued execution request. Malformed
// payloads are logged and dropped; requeueing a poison message would
// loop it forever. A context error means shutdown interrupted the run,
// which is the one case worth a redelivery.
func (s *Service) HandleQueueMessage(ctx context.Context, body []byte) error {
	req, err := DecodeExecuteRequest(body)
	if err != nil {
		s.log.Warnw("dropping malformed execution request", "error", err)
		return nil
	}
	resp := s.Execute(ctx, req)
	if !resp.Success && ctx.Err() != nil {
		return ctx.Err()
	}
	s.log.Debugw("queued execution handled",
		"executionId", resp.ExecutionID, "pluginId", req.PluginID,
		"success", resp.Success)
	return nil
}
