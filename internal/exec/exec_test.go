package exec

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dshills/enclave/internal/cache"
	"github.com/dshills/enclave/internal/events"
	"github.com/dshills/enclave/internal/filestore"
	"github.com/dshills/enclave/internal/plugin"
	"github.com/dshills/enclave/internal/plugin/scan"
	"github.com/dshills/enclave/internal/sandbox"
	"github.com/dshills/enclave/internal/store"
)

// manifestJSON builds a valid manifest document and lets a test mutate
// it before encoding. The base passes every manifest rule.
func manifestJSON(t *testing.T, mutate func(m map[string]any)) []byte {
	t.Helper()
	m := map[string]any{
		"name":        "order-webhooks",
		"version":     "1.2.0",
		"description": "Order webhook automation",
		"author":      "Acme Integrations",
		"entryPoint":  "index.lua",
		"files":       []any{"index.lua", "util.lua"},
		"dependencies": map[string]any{
			"platform": ">=1.0.0",
		},
		"configuration": map[string]any{
			"defaults": map[string]any{"retries": float64(3)},
		},
		"security": map[string]any{
			"permissions": []any{},
			"sandbox":     true,
			"resourceLimits": map[string]any{
				"memoryMB":   float64(64),
				"cpuPercent": float64(50),
				"timeoutMs":  float64(5000),
			},
		},
	}
	if mutate != nil {
		mutate(m)
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return data
}

const (
	testIndexSource = "function handler(params, context)\n  return {ok = true}\nend\n"
	testUtilSource  = "function helper(x)\n  return x\nend\n"
)

func testUpload(t *testing.T, mutate func(m map[string]any)) InstallRequest {
	t.Helper()
	return InstallRequest{
		TenantID:     "tenant-a",
		UserID:       "user-1",
		ManifestJSON: manifestJSON(t, mutate),
		Files: map[string][]byte{
			"index.lua": []byte(testIndexSource),
			"util.lua":  []byte(testUtilSource),
		},
	}
}

// spyEngine records sandbox requests and answers with a canned result.
// ValidateCode reports clean unless a report is registered for the
// exact source.
type spyEngine struct {
	mu        sync.Mutex
	execCalls []sandbox.Request
	result    sandbox.Result
	scanCalls int
	reports   map[string]scan.Report
}

func (e *spyEngine) Execute(_ context.Context, req sandbox.Request) sandbox.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.execCalls = append(e.execCalls, req)
	return e.result
}

func (e *spyEngine) ValidateCode(source string, _ scan.Policy) scan.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scanCalls++
	if r, ok := e.reports[source]; ok {
		return r
	}
	return scan.Report{Valid: true}
}

func (e *spyEngine) calls() []sandbox.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sandbox.Request(nil), e.execCalls...)
}

// capturePublisher collects published events, or fails every publish
// when err is set.
type capturePublisher struct {
	mu  sync.Mutex
	evs []events.Event
	err error
}

func (p *capturePublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.evs = append(p.evs, ev)
	return nil
}

func (p *capturePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.evs))
	for i, ev := range p.evs {
		out[i] = ev.Topic
	}
	return out
}

func (p *capturePublisher) events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.evs...)
}

// recordFailRepo fails RecordExecution while delegating everything else.
type recordFailRepo struct {
	store.PluginRepository
	err error
}

func (r recordFailRepo) RecordExecution(context.Context, string, store.ExecutionRecord) error {
	return r.err
}

type fixture struct {
	svc    *Service
	repo   *store.Memory
	files  *filestore.Memory
	cache  *cache.Memory
	pub    *capturePublisher
	engine *spyEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   store.NewMemory(),
		files:  filestore.NewMemory(),
		cache:  cache.NewMemory(),
		pub:    &capturePublisher{},
		engine: &spyEngine{result: sandbox.Result{Success: true}},
	}
	f.svc = NewService(Options{
		Repository:       f.repo,
		KV:               f.repo,
		Files:            f.files,
		Cache:            f.cache,
		Events:           f.pub,
		Engine:           f.engine,
		Environment:      "test",
		PlatformVersion:  "1.0.0",
		PlatformServices: []string{"http", "scheduler"},
	})
	return f
}

// seedPlugin stores a plugin directly in the given status, with its
// declared files present, bypassing the install pipeline.
func (f *fixture) seedPlugin(t *testing.T, id, tenantID string, status plugin.Status, mutate func(m map[string]any)) plugin.Plugin {
	t.Helper()
	m, err := plugin.DecodeManifest(manifestJSON(t, mutate))
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}
	p := plugin.New(id, m, tenantID, "user-1")
	for _, next := range statusPath(status) {
		var err error
		if p, err = p.WithStatus(next); err != nil {
			t.Fatalf("WithStatus(%s): %v", next, err)
		}
	}
	if err := f.repo.Create(context.Background(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sources := map[string]string{
		"index.lua": testIndexSource,
		"util.lua":  testUtilSource,
	}
	for _, name := range m.Files {
		src, ok := sources[name]
		if !ok {
			continue
		}
		path := filestore.PluginPath(tenantID, m.Name, m.Version, name)
		if err := f.files.Put(context.Background(), path, []byte(src)); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}
	return p
}

// statusPath walks the lifecycle from pending to the target status
// along legal transitions.
func statusPath(target plugin.Status) []plugin.Status {
	install := []plugin.Status{
		plugin.StatusValidating,
		plugin.StatusValidated,
		plugin.StatusInstalling,
		plugin.StatusInstalled,
	}
	switch target {
	case plugin.StatusPending:
		return nil
	case plugin.StatusInactive:
		return append(install, plugin.StatusActive, plugin.StatusInactive)
	case plugin.StatusDeprecated:
		return append(install, plugin.StatusActive, plugin.StatusDeprecated)
	case plugin.StatusActive:
		return append(install, plugin.StatusActive)
	}
	for i, st := range install {
		if st == target {
			return install[:i+1]
		}
	}
	return append(install, plugin.StatusActive)
}

func validRequest(pluginID string) ExecuteRequest {
	return ExecuteRequest{
		PluginID: pluginID,
		TenantID: "tenant-a",
		UserID:   "user-1",
		Trigger:  TriggerAPI,
	}
}
