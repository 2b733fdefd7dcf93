package plugin

import (
	"fmt"
	"math"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Plugin is the aggregate root for one uploaded plugin. It is an immutable
// value: every mutator returns a new Plugin with updatedAt refreshed, so
// concurrent updates surface as distinct revisions instead of silently
// overwriting each other.
type Plugin struct {
	ID             string         `json:"id"`
	Manifest       *Manifest      `json:"manifest"`
	Status         Status         `json:"status"`
	TenantID       string         `json:"tenantId"`
	UploadedBy     string         `json:"uploadedBy"`
	Configuration  map[string]any `json:"configuration,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	InstalledAt    *time.Time     `json:"installedAt,omitempty"`
	LastExecutedAt *time.Time     `json:"lastExecutedAt,omitempty"`

	// Running execution statistics.
	ExecutionCount       int64   `json:"executionCount"`
	ErrorCount           int64   `json:"errorCount"`
	AverageExecutionTime float64 `json:"averageExecutionTime"` // Milliseconds
}

// HealthMetrics summarizes a plugin's lifetime error rate and latency.
type HealthMetrics struct {
	ErrorRate            float64    `json:"errorRate"` // Percent, rounded to 2 decimals
	AverageExecutionTime float64    `json:"averageExecutionTime"`
	ExecutionCount       int64      `json:"executionCount"`
	ErrorCount           int64      `json:"errorCount"`
	LastExecutedAt       *time.Time `json:"lastExecutedAt,omitempty"`
	Healthy              bool       `json:"isHealthy"`
}

// DependencyResult reports unmet plugin and service dependencies. Missing
// follows manifest declaration order: plugins first, then services.
type DependencyResult struct {
	Satisfied bool     `json:"satisfied"`
	Missing   []string `json:"missing"`
}

// Health thresholds: a plugin is healthy while its error rate stays under
// 5% and its average execution time under 5 seconds.
const (
	healthyErrorRateLimit = 5.0
	healthyAvgTimeLimitMs = 5000.0
)

// New creates a pending plugin for the given tenant. The caller supplies
// the id so entity code stays free of id-generation concerns.
func New(id string, manifest *Manifest, tenantID, uploadedBy string) Plugin {
	now := time.Now().UTC()
	return Plugin{
		ID:            id,
		Manifest:      manifest,
		Status:        StatusPending,
		TenantID:      tenantID,
		UploadedBy:    uploadedBy,
		Configuration: map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate delegates to the manifest rule set.
func (p Plugin) Validate() ValidationResult {
	return p.Manifest.Validate()
}

// CanExecute reports whether execution is permitted. Only active plugins
// may run.
func (p Plugin) CanExecute() bool {
	return p.Status == StatusActive
}

// IsCompatible reports whether platformVersion satisfies the manifest's
// platform range. Unparseable input is incompatible.
func (p Plugin) IsCompatible(platformVersion string) bool {
	constraint, err := semver.NewConstraint(p.Manifest.Dependencies.Platform)
	if err != nil {
		return false
	}
	version, err := semver.NewVersion(platformVersion)
	if err != nil {
		return false
	}
	return constraint.Check(version)
}

// CheckDependencies verifies declared plugin and service dependencies.
// availablePlugins maps installed plugin names to their versions;
// platformServices lists the services the host provides. Missing entries
// follow manifest declaration order, plugins before services.
func (p Plugin) CheckDependencies(availablePlugins map[string]string, platformServices []string) DependencyResult {
	var missing []string

	deps := p.Manifest.Dependencies
	for _, name := range deps.PluginOrder() {
		wantRange := deps.Plugins[name]
		installed, ok := availablePlugins[name]
		if !ok {
			missing = append(missing, fmt.Sprintf("Plugin dependency: %s", name))
			continue
		}
		if !rangeSatisfied(wantRange, installed) {
			missing = append(missing, fmt.Sprintf("Plugin dependency: %s@%s (found %s)", name, wantRange, installed))
		}
	}

	provided := make(map[string]bool, len(platformServices))
	for _, svc := range platformServices {
		provided[svc] = true
	}
	for _, svc := range deps.Services {
		if !provided[svc] {
			missing = append(missing, fmt.Sprintf("Service dependency: %s", svc))
		}
	}

	return DependencyResult{Satisfied: len(missing) == 0, Missing: missing}
}

// rangeSatisfied treats unparseable ranges or versions as unsatisfied.
func rangeSatisfied(rangeExpr, version string) bool {
	constraint, err := semver.NewConstraint(rangeExpr)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return constraint.Check(v)
}

// ValidateConfiguration checks cfg against the manifest's required keys.
// Full schema validation is an extension point; only key presence is
// enforced here.
func (p Plugin) ValidateConfiguration(cfg map[string]any) ValidationResult {
	var errs []string
	for _, key := range p.Manifest.Configuration.Required {
		if _, ok := cfg[key]; !ok {
			errs = append(errs, fmt.Sprintf("Required configuration field missing: %s", key))
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Permissions returns a copy of the granted capability list.
func (p Plugin) Permissions() []string {
	return copyStrings(p.Manifest.Security.Permissions)
}

// HasPermission reports whether the capability is granted.
func (p Plugin) HasPermission(permission string) bool {
	return p.Manifest.HasPermission(permission)
}

// ResourceLimits returns the execution limits from the security policy.
func (p Plugin) ResourceLimits() ResourceLimits {
	return p.Manifest.Security.ResourceLimits
}

// WithStatus returns a copy in the new status. The transition must be
// legal in the lifecycle graph. Entering installed stamps installedAt the
// first time.
func (p Plugin) WithStatus(next Status) (Plugin, error) {
	if !p.Status.CanTransitionTo(next) {
		return p, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, next)
	}
	out := p
	now := time.Now().UTC()
	out.Status = next
	out.UpdatedAt = now
	if next == StatusInstalled && p.InstalledAt == nil {
		out.InstalledAt = &now
	}
	return out, nil
}

// WithConfiguration returns a copy with partial merged over the current
// configuration.
func (p Plugin) WithConfiguration(partial map[string]any) Plugin {
	out := p
	merged := make(map[string]any, len(p.Configuration)+len(partial))
	for k, v := range p.Configuration {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	out.Configuration = merged
	out.UpdatedAt = time.Now().UTC()
	return out
}

// ConfigSnapshot merges manifest defaults under the stored configuration.
// The result feeds the per-call execution context.
func (p Plugin) ConfigSnapshot() map[string]any {
	snap := make(map[string]any, len(p.Manifest.Configuration.Defaults)+len(p.Configuration))
	for k, v := range p.Manifest.Configuration.Defaults {
		snap[k] = v
	}
	for k, v := range p.Configuration {
		snap[k] = v
	}
	return snap
}

// RecordExecution folds one call's outcome into the running statistics:
// executionCount+1, errorCount+1 on failure, and the running mean updated
// so averageExecutionTime stays the exact arithmetic mean of all recorded
// durations.
func (p Plugin) RecordExecution(durationMs float64, success bool) Plugin {
	out := p
	now := time.Now().UTC()

	oldCount := float64(p.ExecutionCount)
	out.ExecutionCount = p.ExecutionCount + 1
	if !success {
		out.ErrorCount = p.ErrorCount + 1
	}
	out.AverageExecutionTime = (p.AverageExecutionTime*oldCount + durationMs) / float64(out.ExecutionCount)
	out.LastExecutedAt = &now
	out.UpdatedAt = now
	return out
}

// HealthMetrics derives the health summary. With no executions the error
// rate is zero and only the latency bound applies.
func (p Plugin) HealthMetrics() HealthMetrics {
	var errorRate float64
	if p.ExecutionCount > 0 {
		errorRate = round2(float64(p.ErrorCount) / float64(p.ExecutionCount) * 100)
	}
	return HealthMetrics{
		ErrorRate:            errorRate,
		AverageExecutionTime: p.AverageExecutionTime,
		ExecutionCount:       p.ExecutionCount,
		ErrorCount:           p.ErrorCount,
		LastExecutedAt:       p.LastExecutedAt,
		Healthy:              errorRate < healthyErrorRateLimit && p.AverageExecutionTime < healthyAvgTimeLimitMs,
	}
}

// Clone creates a deep copy. Storage adapters hold clones so shared
// in-memory state never aliases a caller's value.
func (p Plugin) Clone() Plugin {
	out := p
	if p.Manifest != nil {
		out.Manifest = p.Manifest.Clone()
	}
	if p.Configuration != nil {
		out.Configuration = make(map[string]any, len(p.Configuration))
		for k, v := range p.Configuration {
			out.Configuration[k] = v
		}
	}
	if p.InstalledAt != nil {
		t := *p.InstalledAt
		out.InstalledAt = &t
	}
	if p.LastExecutedAt != nil {
		t := *p.LastExecutedAt
		out.LastExecutedAt = &t
	}
	return out
}

// round2 rounds to two decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
