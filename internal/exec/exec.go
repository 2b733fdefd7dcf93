// Package exec orchestrates the plugin workflows: installing uploads,
// administering the lifecycle, and running executions through the
// sandbox. It owns the glue between the plugin entity, storage, the
// event stream, and the engine; policy decisions live in the entity and
// the sandbox, not here.
package exec

import (
	"context"
	"errors"
	"net/http"

	"github.com/dshills/enclave/internal/cache"
	"github.com/dshills/enclave/internal/events"
	"github.com/dshills/enclave/internal/filestore"
	"github.com/dshills/enclave/internal/plugin/scan"
	"github.com/dshills/enclave/internal/sandbox"
	"github.com/dshills/enclave/internal/store"
)

// Service errors. ErrNotFound and ErrUnauthorized come back from the
// admin operations; the execution path reports the same conditions as
// caller-facing messages in the Response instead.
var (
	ErrNotFound     = errors.New("exec: plugin not found")
	ErrUnauthorized = errors.New("exec: unauthorized access to plugin")
)

// Capability names a plugin manifest can grant. Each one unlocks the
// service binding of the same concern inside the sandbox.
const (
	PermissionDatabase = "database"
	PermissionCache    = "cache"
	PermissionEvents   = "events"
	PermissionHTTP     = "http"
)

// Engine is the sandbox surface the service drives. *sandbox.Engine
// satisfies it.
type Engine interface {
	Execute(ctx context.Context, req sandbox.Request) sandbox.Result
	ValidateCode(source string, policy scan.Policy) scan.Report
}

// Logger is the leveled key-value logging surface the service writes
// to. *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// Options bundles the service dependencies. Repository, KV, Files, and
// Engine are required; the rest fall back to in-process defaults.
type Options struct {
	Repository store.PluginRepository
	KV         store.KVStore
	Files      filestore.FileStorage
	Cache      cache.Cache
	Events     events.Publisher
	Engine     Engine
	Log        Logger
	HTTPClient *http.Client

	// Environment is stamped into every execution context.
	Environment string
	// PlatformVersion is matched against manifest platform ranges at
	// install time.
	PlatformVersion string
	// PlatformServices lists the host services plugins may declare as
	// dependencies.
	PlatformServices []string
}

// Service owns the plugin workflows: install, lifecycle administration,
// and execution. One Service handles all tenants; every operation takes
// the caller's tenant id and enforces ownership.
type Service struct {
	repo   store.PluginRepository
	kv     store.KVStore
	files  filestore.FileStorage
	cache  cache.Cache
	events events.Publisher
	engine Engine
	log    Logger
	client *http.Client

	env              string
	platformVersion  string
	platformServices []string
}

// NewService wires a Service from opts, filling in defaults for the
// optional dependencies.
func NewService(opts Options) *Service {
	s := &Service{
		repo:             opts.Repository,
		kv:               opts.KV,
		files:            opts.Files,
		cache:            opts.Cache,
		events:           opts.Events,
		engine:           opts.Engine,
		log:              opts.Log,
		client:           opts.HTTPClient,
		env:              opts.Environment,
		platformVersion:  opts.PlatformVersion,
		platformServices: opts.PlatformServices,
	}
	if s.cache == nil {
		s.cache = cache.NewMemory()
	}
	if s.events == nil {
		s.events = events.NewMemory()
	}
	if s.log == nil {
		s.log = nopLogger{}
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.env == "" {
		s.env = "development"
	}
	if s.platformVersion == "" {
		s.platformVersion = "1.0.0"
	}
	return s
}

// publish sends one event best-effort. Delivery failures are logged and
// dropped; events never decide an operation's outcome.
func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warnw("event publish failed",
			"topic", ev.Topic, "pluginId", ev.PluginID, "error", err)
	}
}

type nopLogger struct{}

func (nopLogger) Debugw(string, ...any) {}
func (nopLogger) Infow(string, ...any)  {}
func (nopLogger) Warnw(string, ...any)  {}
func (nopLogger) Errorw(string, ...any) {}
