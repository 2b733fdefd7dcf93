package exec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dshills/enclave/internal/events"
	"github.com/dshills/enclave/internal/filestore"
	"github.com/dshills/enclave/internal/plugin"
	"github.com/dshills/enclave/internal/plugin/scan"
)

// InstallRequest carries one plugin upload: the manifest document plus
// the source files it declares.
type InstallRequest struct {
	TenantID     string
	UserID       string
	ManifestJSON []byte
	Files        map[string][]byte
}

// InstallError reports why an upload was rejected. When a plugin row
// was already created it is left in status error, so the rejection is
// visible in listings too.
type InstallError struct {
	Stage    string
	Messages []string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install rejected at %s: %s", e.Stage, strings.Join(e.Messages, "; "))
}

// Install runs the full intake pipeline for one upload: decode and
// validate the manifest, verify the declared files and checksum, scan
// every source file, check dependencies, then store the files and walk
// the plugin to installed. Each status change is persisted as it
// happens, so a crash mid-install leaves an honest row behind.
func (s *Service) Install(ctx context.Context, req InstallRequest) (plugin.Plugin, error) {
	if req.TenantID == "" || req.UserID == "" {
		return plugin.Plugin{}, errors.New("exec: tenant and user ids are required")
	}

	m, err := plugin.DecodeManifest(req.ManifestJSON)
	if err != nil {
		return plugin.Plugin{}, err
	}

	p := plugin.New(uuid.NewString(), m, req.TenantID, req.UserID)
	if err := s.repo.Create(ctx, p); err != nil {
		return plugin.Plugin{}, fmt.Errorf("create plugin: %w", err)
	}

	if p, err = s.advance(ctx, p, plugin.StatusValidating); err != nil {
		return p, err
	}

	if vr := p.Validate(); !vr.Valid {
		return s.reject(ctx, p, "validate", vr.Errors)
	}

	for _, name := range m.Files {
		if _, ok := req.Files[name]; !ok {
			return s.reject(ctx, p, "files", []string{"Plugin file not found: " + name})
		}
	}
	if m.Checksum != "" {
		if sum := fileChecksum(m.Files, req.Files); !strings.EqualFold(sum, m.Checksum) {
			return s.reject(ctx, p, "checksum",
				[]string{fmt.Sprintf("Checksum mismatch: manifest declares %s, files hash to %s", m.Checksum, sum)})
		}
	}

	policy := scan.Policy{
		FileSystemAccess: m.Security.ResourceLimits.FileSystemAccess,
		NetworkAccess:    m.Security.ResourceLimits.NetworkAccess,
	}
	var findings []string
	for _, name := range m.Files {
		report := s.engine.ValidateCode(string(req.Files[name]), policy)
		for _, issue := range report.Issues {
			if issue.Severity == scan.SeverityError {
				findings = append(findings, name+": "+issue.Message)
			}
		}
	}
	if len(findings) > 0 {
		return s.reject(ctx, p, "scan", findings)
	}

	if msgs := s.checkDependencies(ctx, p); len(msgs) > 0 {
		return s.reject(ctx, p, "dependencies", msgs)
	}

	if p, err = s.advance(ctx, p, plugin.StatusValidated); err != nil {
		return p, err
	}
	if p, err = s.advance(ctx, p, plugin.StatusInstalling); err != nil {
		return p, err
	}

	for _, name := range m.Files {
		path := filestore.PluginPath(req.TenantID, m.Name, m.Version, name)
		if err := s.files.Put(ctx, path, req.Files[name]); err != nil {
			s.markError(ctx, p)
			return p, fmt.Errorf("store %s: %w", name, err)
		}
	}

	if p, err = s.advance(ctx, p, plugin.StatusInstalled); err != nil {
		return p, err
	}

	ev := events.New(events.TopicLifecycleInstalled, p.TenantID, p.ID)
	ev.Payload = map[string]any{"name": m.Name, "version": m.Version}
	s.publish(ctx, ev)

	s.log.Infow("plugin installed",
		"pluginId", p.ID, "tenantId", p.TenantID,
		"name", m.Name, "version", m.Version)
	return p, nil
}

// checkDependencies resolves the manifest's platform range, service
// list, and plugin constraints against what this deployment offers. The
// available set is the tenant's own plugins in an installed state;
// other tenants' plugins never satisfy a dependency.
func (s *Service) checkDependencies(ctx context.Context, p plugin.Plugin) []string {
	var msgs []string
	if !p.IsCompatible(s.platformVersion) {
		msgs = append(msgs, fmt.Sprintf("Platform version %s does not satisfy required range %s",
			s.platformVersion, p.Manifest.Dependencies.Platform))
	}

	others, err := s.repo.FindByTenant(ctx, p.TenantID)
	if err != nil {
		s.log.Errorw("dependency listing failed", "tenantId", p.TenantID, "error", err)
		return append(msgs, "Dependency check failed")
	}
	available := make(map[string]string, len(others))
	for _, other := range others {
		switch other.Status {
		case plugin.StatusInstalled, plugin.StatusActive, plugin.StatusInactive:
			available[other.Manifest.Name] = other.Manifest.Version
		}
	}
	if dr := p.CheckDependencies(available, s.platformServices); !dr.Satisfied {
		msgs = append(msgs, dr.Missing...)
	}
	return msgs
}

// advance moves the plugin one lifecycle step and persists it.
func (s *Service) advance(ctx context.Context, p plugin.Plugin, next plugin.Status) (plugin.Plugin, error) {
	np, err := p.WithStatus(next)
	if err != nil {
		return p, err
	}
	if err := s.repo.Update(ctx, np); err != nil {
		return p, fmt.Errorf("persist status %s: %w", next, err)
	}
	return np, nil
}

// reject parks the plugin in status error and wraps the reasons.
func (s *Service) reject(ctx context.Context, p plugin.Plugin, stage string, msgs []string) (plugin.Plugin, error) {
	p = s.markError(ctx, p)
	s.log.Infow("plugin install rejected",
		"pluginId", p.ID, "stage", stage, "reasons", msgs)
	return p, &InstallError{Stage: stage, Messages: msgs}
}

func (s *Service) markError(ctx context.Context, p plugin.Plugin) plugin.Plugin {
	np, err := p.WithStatus(plugin.StatusError)
	if err != nil {
		return p
	}
	if err := s.repo.Update(ctx, np); err != nil {
		s.log.Errorw("status update failed",
			"pluginId", p.ID, "status", plugin.StatusError, "error", err)
		return p
	}
	return np
}

// fileChecksum hashes the declared files' contents in declaration
// order, matching how uploaders are expected to compute the manifest
// checksum.
func fileChecksum(order []string, files map[string][]byte) string {
	h := sha256.New()
	for _, name := range order {
		h.Write(files[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}
