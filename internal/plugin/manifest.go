package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/tidwall/sjson"
)

// Manifest describes a plugin's metadata, dependencies, configuration
// schema, declared API surface, and security policy. It is supplied at
// upload time and never changes afterwards.
type Manifest struct {
	// Identity
	Name        string   `json:"name"`        // Unique within a tenant (e.g., "order-webhooks")
	Version     string   `json:"version"`     // Semver (e.g., "1.2.0")
	Description string   `json:"description"` // Short description
	Author      string   `json:"author"`      // Author name or org
	License     string   `json:"license,omitempty"`
	Category    string   `json:"category,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// Requirements
	Dependencies Dependencies `json:"dependencies"`

	// Configuration contract
	Configuration ConfigSpec `json:"configuration"`

	// Declared API surface. Declarative only; nothing here is executed by
	// the execution subsystem.
	API APISpec `json:"api"`

	// Security policy
	Security SecurityPolicy `json:"security"`

	// Entry point and file set
	EntryPoint string   `json:"entryPoint"` // Main Lua file (e.g., "main.lua")
	Files      []string `json:"files"`      // Complete file list, entryPoint included
	Checksum   string   `json:"checksum,omitempty"`
}

// Dependencies declares what the plugin needs from the platform and from
// other plugins.
type Dependencies struct {
	Platform    string            `json:"platform"` // Semver range for the host platform
	Runtime     string            `json:"runtime"`  // Semver range for the script runtime
	Plugins     map[string]string `json:"plugins,omitempty"`
	Services    []string          `json:"services,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`

	// pluginOrder preserves the JSON declaration order of the Plugins keys
	// so dependency reports are deterministic.
	pluginOrder []string
}

// ConfigSpec describes the plugin's configuration contract.
type ConfigSpec struct {
	Schema    any            `json:"schema,omitempty"` // JSON-schema-like object
	Defaults  map[string]any `json:"defaults,omitempty"`
	Required  []string       `json:"required,omitempty"`
	Sensitive []string       `json:"sensitive,omitempty"`
}

// APISpec declares endpoints, events, hooks, and scheduled jobs.
type APISpec struct {
	Endpoints     []Endpoint     `json:"endpoints,omitempty"`
	Events        []string       `json:"events,omitempty"`
	Hooks         []HookSpec     `json:"hooks,omitempty"`
	ScheduledJobs []ScheduledJob `json:"scheduledJobs,omitempty"`
}

// Endpoint declares one HTTP endpoint the plugin wants routed to it.
type Endpoint struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Handler string `json:"handler"`
}

// HookSpec declares a lifecycle hook handler.
type HookSpec struct {
	Name    string `json:"name"`
	Handler string `json:"handler"`
}

// ScheduledJob declares a cron-style job.
type ScheduledJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Handler  string `json:"handler"`
}

// SecurityPolicy is the manifest's security section.
type SecurityPolicy struct {
	Sandbox        bool           `json:"sandbox"`
	Permissions    []string       `json:"permissions,omitempty"` // Granted capabilities
	ResourceLimits ResourceLimits `json:"resourceLimits"`
	TrustedDomains []string       `json:"trustedDomains,omitempty"`
	AllowedModules []string       `json:"allowedModules,omitempty"`
}

// ResourceLimits bounds one execution. The numeric bounds are normative:
// memory 1–1024 MB, timeout 1000–300000 ms.
type ResourceLimits struct {
	MemoryMB         int  `json:"memoryMB"`
	CPUPercent       int  `json:"cpuPercent"`
	TimeoutMs        int  `json:"timeoutMs"`
	FileSystemAccess bool `json:"fileSystemAccess"`
	NetworkAccess    bool `json:"networkAccess"`
	DatabaseAccess   bool `json:"databaseAccess"`
}

// Resource limit bounds and defaults.
const (
	MinMemoryMB  = 1
	MaxMemoryMB  = 1024
	MinTimeoutMs = 1000
	MaxTimeoutMs = 300000

	DefaultMemoryMB   = 128
	DefaultCPUPercent = 50
	DefaultTimeoutMs  = 30000
)

// ValidationResult carries the outcome of a manifest or configuration
// validation. Errors holds every failed rule, not just the first.
type ValidationResult struct {
	Valid  bool     `json:"isValid"`
	Errors []string `json:"errors"`
}

// DecodeManifest parses manifest JSON and applies defaults. The result is
// not yet validated; call Validate.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m.applyDefaults()
	return &m, nil
}

// UnmarshalJSON decodes the dependency section and records the declaration
// order of the plugins object keys.
func (d *Dependencies) UnmarshalJSON(data []byte) error {
	type alias Dependencies
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = Dependencies(a)
	d.pluginOrder = pluginKeyOrder(data)
	return nil
}

// MarshalJSON keeps Dependencies symmetric with its wire form. The
// plugins object is written in declaration order so a stored manifest
// decodes back with the same dependency order it was uploaded with.
func (d Dependencies) MarshalJSON() ([]byte, error) {
	type alias Dependencies
	raw, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	order := d.PluginOrder()
	if len(order) < 2 {
		return raw, nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(d.Plugins[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return sjson.SetRawBytes(raw, "plugins", buf.Bytes())
}

// pluginKeyOrder walks the raw dependency JSON and returns the keys of the
// "plugins" object in source order. encoding/json maps lose ordering, and
// dependency reports must follow declaration order.
func pluginKeyOrder(data []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, _ := keyTok.(string)
		if key != "plugins" {
			if err := skipValue(dec); err != nil {
				return nil
			}
			continue
		}
		open, err := dec.Token()
		if err != nil {
			return nil
		}
		if delim, ok := open.(json.Delim); !ok || delim != '{' {
			return nil
		}
		var order []string
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return order
			}
			if ks, ok := kt.(string); ok {
				order = append(order, ks)
			}
			if err := skipValue(dec); err != nil {
				return order
			}
		}
		return order
	}
	return nil
}

// skipValue consumes one JSON value, descending through nested containers.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || (delim != '{' && delim != '[') {
		return nil
	}
	depth := 1
	for depth > 0 {
		t, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := t.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

// PluginOrder returns dependency plugin names in manifest declaration
// order. Manifests built in Go code rather than decoded fall back to
// sorted order so the result stays deterministic.
func (d *Dependencies) PluginOrder() []string {
	if d.pluginOrder != nil {
		order := make([]string, 0, len(d.pluginOrder))
		for _, name := range d.pluginOrder {
			if _, ok := d.Plugins[name]; ok {
				order = append(order, name)
			}
		}
		return order
	}
	order := make([]string, 0, len(d.Plugins))
	for name := range d.Plugins {
		order = append(order, name)
	}
	sort.Strings(order)
	return order
}

// applyDefaults fills optional fields the validator and engine expect.
func (m *Manifest) applyDefaults() {
	if m.Dependencies.Platform == "" {
		m.Dependencies.Platform = "*"
	}
	if m.Dependencies.Runtime == "" {
		m.Dependencies.Runtime = "*"
	}
	if m.Security.ResourceLimits.MemoryMB == 0 {
		m.Security.ResourceLimits.MemoryMB = DefaultMemoryMB
	}
	if m.Security.ResourceLimits.CPUPercent == 0 {
		m.Security.ResourceLimits.CPUPercent = DefaultCPUPercent
	}
	if m.Security.ResourceLimits.TimeoutMs == 0 {
		m.Security.ResourceLimits.TimeoutMs = DefaultTimeoutMs
	}
}

// Validate checks every manifest rule and collects all failures.
func (m *Manifest) Validate() ValidationResult {
	var errs []string

	if len(m.Name) < 3 {
		errs = append(errs, "Plugin name must be at least 3 characters")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		errs = append(errs, "Invalid semantic version")
	}
	if len(m.Description) < 10 {
		errs = append(errs, "Description must be at least 10 characters")
	}
	if m.Author == "" {
		errs = append(errs, "Author is required")
	}

	if _, err := semver.NewConstraint(m.Dependencies.Platform); err != nil {
		errs = append(errs, "Invalid platform version range")
	}
	if _, err := semver.NewConstraint(m.Dependencies.Runtime); err != nil {
		errs = append(errs, "Invalid runtime version range")
	}

	if m.Configuration.Schema != nil {
		if _, ok := m.Configuration.Schema.(map[string]any); !ok {
			errs = append(errs, "Configuration schema must be an object")
		}
	}

	for _, ep := range m.API.Endpoints {
		if ep.Method == "" || ep.Path == "" || ep.Handler == "" {
			errs = append(errs, "API endpoints must have method, path, and handler")
			break
		}
	}
	for _, ep := range m.API.Endpoints {
		if ep.Path != "" && !strings.HasPrefix(ep.Path, "/") {
			errs = append(errs, "API endpoint paths must start with /")
			break
		}
	}

	limits := m.Security.ResourceLimits
	if limits.MemoryMB < MinMemoryMB || limits.MemoryMB > MaxMemoryMB {
		errs = append(errs, "Memory limit must be between 1 and 1024 MB")
	}
	if limits.TimeoutMs < MinTimeoutMs || limits.TimeoutMs > MaxTimeoutMs {
		errs = append(errs, "Timeout must be between 1000ms and 300000ms")
	}

	if !strings.HasSuffix(m.EntryPoint, ".lua") {
		errs = append(errs, "Entry point must be a .lua file")
	}
	if len(m.Files) == 0 {
		errs = append(errs, "Plugin must include at least one file")
	} else if !m.HasFile(m.EntryPoint) {
		errs = append(errs, "Entry point must be included in plugin files")
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// HasFile reports whether name is in the declared file set.
func (m *Manifest) HasFile(name string) bool {
	for _, f := range m.Files {
		if f == name {
			return true
		}
	}
	return false
}

// HasPermission reports whether the security section grants the capability.
func (m *Manifest) HasPermission(p string) bool {
	for _, granted := range m.Security.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// MemoryLimitBytes converts the memory ceiling to bytes.
func (m *Manifest) MemoryLimitBytes() int64 {
	return int64(m.Security.ResourceLimits.MemoryMB) * 1024 * 1024
}

// Timeout converts the execution ceiling to a duration.
func (m *Manifest) Timeout() time.Duration {
	return time.Duration(m.Security.ResourceLimits.TimeoutMs) * time.Millisecond
}

// String returns "name vVersion" for logs.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	clone.Keywords = copyStrings(m.Keywords)
	clone.Tags = copyStrings(m.Tags)
	clone.Files = copyStrings(m.Files)

	clone.Dependencies.Services = copyStrings(m.Dependencies.Services)
	clone.Dependencies.Permissions = copyStrings(m.Dependencies.Permissions)
	clone.Dependencies.pluginOrder = copyStrings(m.Dependencies.pluginOrder)
	if m.Dependencies.Plugins != nil {
		clone.Dependencies.Plugins = make(map[string]string, len(m.Dependencies.Plugins))
		for k, v := range m.Dependencies.Plugins {
			clone.Dependencies.Plugins[k] = v
		}
	}

	clone.Configuration.Required = copyStrings(m.Configuration.Required)
	clone.Configuration.Sensitive = copyStrings(m.Configuration.Sensitive)
	if m.Configuration.Defaults != nil {
		clone.Configuration.Defaults = make(map[string]any, len(m.Configuration.Defaults))
		for k, v := range m.Configuration.Defaults {
			clone.Configuration.Defaults[k] = v
		}
	}

	if m.API.Endpoints != nil {
		clone.API.Endpoints = make([]Endpoint, len(m.API.Endpoints))
		copy(clone.API.Endpoints, m.API.Endpoints)
	}
	clone.API.Events = copyStrings(m.API.Events)
	if m.API.Hooks != nil {
		clone.API.Hooks = make([]HookSpec, len(m.API.Hooks))
		copy(clone.API.Hooks, m.API.Hooks)
	}
	if m.API.ScheduledJobs != nil {
		clone.API.ScheduledJobs = make([]ScheduledJob, len(m.API.ScheduledJobs))
		copy(clone.API.ScheduledJobs, m.API.ScheduledJobs)
	}

	clone.Security.Permissions = copyStrings(m.Security.Permissions)
	clone.Security.TrustedDomains = copyStrings(m.Security.TrustedDomains)
	clone.Security.AllowedModules = copyStrings(m.Security.AllowedModules)

	return &clone
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
