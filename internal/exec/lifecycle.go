package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/enclave/internal/events"
	"github.com/dshills/enclave/internal/filestore"
	"github.com/dshills/enclave/internal/plugin"
	"github.com/dshills/enclave/internal/store"
)

// ConfigurationError reports missing required configuration keys from
// Configure.
type ConfigurationError struct {
	Messages []string
}

func (e *ConfigurationError) Error() string {
	return strings.Join(e.Messages, "; ")
}

// Activate puts an installed or inactive plugin into service.
func (s *Service) Activate(ctx context.Context, tenantID, pluginID string) (plugin.Plugin, error) {
	return s.transition(ctx, tenantID, pluginID, plugin.StatusActive, events.TopicLifecycleActivated)
}

// Deactivate takes an active plugin out of service without removing it.
func (s *Service) Deactivate(ctx context.Context, tenantID, pluginID string) (plugin.Plugin, error) {
	return s.transition(ctx, tenantID, pluginID, plugin.StatusInactive, events.TopicLifecycleDeactivated)
}

// Deprecate marks a plugin as on its way out. Deprecated plugins no
// longer execute but keep their stored state until removal.
func (s *Service) Deprecate(ctx context.Context, tenantID, pluginID string) (plugin.Plugin, error) {
	return s.transition(ctx, tenantID, pluginID, plugin.StatusDeprecated, events.TopicLifecycleDeprecated)
}

// Remove retires a plugin and deletes its stored source files. The row
// itself stays, preserving the execution history.
func (s *Service) Remove(ctx context.Context, tenantID, pluginID string) (plugin.Plugin, error) {
	p, err := s.transition(ctx, tenantID, pluginID, plugin.StatusRemoved, events.TopicLifecycleRemoved)
	if err != nil {
		return p, err
	}
	root := filestore.PluginRoot(p.TenantID, p.Manifest.Name, p.Manifest.Version)
	if err := s.files.DeleteTree(ctx, root); err != nil {
		s.log.Warnw("plugin file cleanup failed", "pluginId", p.ID, "error", err)
	}
	return p, nil
}

// Configure merges a partial configuration update into the plugin. The
// merged view, with manifest defaults underneath, must still carry
// every required key; nothing is persisted on a validation failure.
func (s *Service) Configure(ctx context.Context, tenantID, pluginID string, partial map[string]any) (plugin.Plugin, error) {
	p, err := s.loadOwned(ctx, tenantID, pluginID)
	if err != nil {
		return plugin.Plugin{}, err
	}
	np := p.WithConfiguration(partial)
	if vr := np.ValidateConfiguration(np.ConfigSnapshot()); !vr.Valid {
		return p, &ConfigurationError{Messages: vr.Errors}
	}
	if err := s.repo.Update(ctx, np); err != nil {
		return p, fmt.Errorf("persist configuration: %w", err)
	}
	ev := events.New(events.TopicLifecycleConfigured, np.TenantID, np.ID)
	s.publish(ctx, ev)
	s.log.Infow("plugin configuration updated", "pluginId", np.ID, "tenantId", np.TenantID)
	return np, nil
}

// transition loads an owned plugin, applies one status change, persists
// it, and announces it.
func (s *Service) transition(ctx context.Context, tenantID, pluginID string, next plugin.Status, topic string) (plugin.Plugin, error) {
	p, err := s.loadOwned(ctx, tenantID, pluginID)
	if err != nil {
		return plugin.Plugin{}, err
	}
	np, err := p.WithStatus(next)
	if err != nil {
		return p, err
	}
	if err := s.repo.Update(ctx, np); err != nil {
		return p, fmt.Errorf("persist status %s: %w", next, err)
	}
	ev := events.New(topic, np.TenantID, np.ID)
	s.publish(ctx, ev)
	s.log.Infow("plugin status changed",
		"pluginId", np.ID, "from", p.Status, "to", np.Status)
	return np, nil
}

// loadOwned fetches a plugin and enforces tenant ownership. Another
// tenant's plugin reports ErrUnauthorized, not ErrNotFound, matching
// how the execution path reports the same condition.
func (s *Service) loadOwned(ctx context.Context, tenantID, pluginID string) (plugin.Plugin, error) {
	p, err := s.repo.FindByID(ctx, pluginID)
	if errors.Is(err, store.ErrNotFound) {
		return plugin.Plugin{}, ErrNotFound
	}
	if err != nil {
		return plugin.Plugin{}, fmt.Errorf("load plugin: %w", err)
	}
	if p.TenantID != tenantID {
		s.log.Warnw("cross-tenant plugin access denied",
			"pluginId", pluginID, "tenantId", tenantID, "ownerTenantId", p.TenantID)
		return plugin.Plugin{}, ErrUnauthorized
	}
	return p, nil
}
