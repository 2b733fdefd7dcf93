package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/dshills/enclave/internal/logging"
	"github.com/dshills/enclave/internal/plugin/scan"
)

// Defaults applied when a call arrives without explicit limits.
const (
	defaultTimeoutMs    = 30_000
	defaultMemoryLimit  = 128 << 20
	bytesPerMB          = 1 << 20
	defaultFunctionName = "execute"
)

// Binder attaches one host service table to the guest execution context.
// Binders run on the goroutine that owns the guest state.
type Binder func(L *lua.LState, b *Bridge) lua.LValue

// Config is the per-call sandbox policy, derived from the plugin
// manifest's security section.
type Config struct {
	MemoryLimitBytes int64
	CPULimitPercent  int // reported only, never enforced
	TimeoutMs        int
	AllowedModules   []string
	FileSystemAccess bool
	NetworkAccess    bool
	TrustedDomains   []string
	Bindings         map[string]Binder
}

// Metrics reports resource usage for one execution. ExecutionTime is in
// milliseconds. MemoryUsed is a best-effort heap sample. CPUUsed is
// always 0: wall-clock and heap are the enforced budgets, CPU time is not
// accounted.
type Metrics struct {
	ExecutionTime float64 `json:"executionTime"`
	MemoryUsed    int64   `json:"memoryUsed"`
	CPUUsed       float64 `json:"cpuUsed"`
}

// Result is the outcome of one sandboxed call. A guest failure is a
// Result with Success=false, never a Go error.
type Result struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
	Logs    []string `json:"logs,omitempty"`
	Metrics Metrics  `json:"metrics"`
}

// Request describes one sandboxed call. Files maps filename to source for
// every file the plugin declared; nothing outside Files is reachable from
// the guest.
type Request struct {
	ExecutionID string
	Files       map[string]string
	EntryPoint  string
	Function    string
	Params      map[string]any
	Context     map[string]any
	Config      Config
}

// Usage is a point-in-time snapshot of engine load. MemoryInUse sums the
// configured ceilings of the live isolates, i.e. the reserved budget, not
// measured heap.
type Usage struct {
	ActiveExecutions int   `json:"activeExecutions"`
	MemoryInUse      int64 `json:"memoryInUse"`
}

// Engine runs guest code in disposable isolates. The only shared state is
// the arena of active isolates, kept so executions can be terminated
// out-of-band; everything else is per-call.
type Engine struct {
	registry *Registry
	log      *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]*isolate
}

// NewEngine creates an engine using the given host-module registry. A nil
// registry means no host modules; a nil logger discards engine logs.
func NewEngine(registry *Registry, log *zap.SugaredLogger) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		registry: registry,
		log:      log,
		active:   make(map[string]*isolate),
	}
}

// Execute runs one guest call to completion and always returns a Result;
// guest errors, timeouts, and memory exhaustion are normalized into the
// Result, never propagated as panics or errors.
func (e *Engine) Execute(ctx context.Context, req Request) Result {
	timeoutMs := req.Config.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	memoryLimit := req.Config.MemoryLimitBytes
	if memoryLimit <= 0 {
		memoryLimit = defaultMemoryLimit
	}
	function := req.Function
	if function == "" {
		function = defaultFunctionName
	}

	if _, ok := req.Files[req.EntryPoint]; !ok {
		return Result{Success: false, Error: "Plugin file not found: " + req.EntryPoint}
	}

	iso := newIsolate(req.Files, req.Config, e.registry, memoryLimit)
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	iso.cancel = cancel
	iso.L.SetContext(runCtx)

	e.track(req.ExecutionID, iso)
	defer func() {
		e.untrack(req.ExecutionID)
		iso.dispose()
	}()

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	value, runErr := iso.runProtected(req.EntryPoint, function, req.Params, req.Context, req.Config.Bindings)

	elapsed := time.Since(start)
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	metrics := Metrics{
		ExecutionTime: float64(elapsed) / float64(time.Millisecond),
		MemoryUsed:    heapDelta(before, after),
	}

	if runErr != nil {
		msg := normalizeError(runErr, runCtx, timeoutMs, memoryLimit)
		e.log.Debugw("guest execution failed",
			"executionId", req.ExecutionID,
			"error", msg,
		)
		return Result{Success: false, Error: msg, Logs: iso.logs, Metrics: metrics}
	}

	data := iso.bridge.ToGoValue(value)
	return Result{Success: true, Data: data, Logs: iso.logs, Metrics: metrics}
}

// ValidateCode compile-checks the source and runs the static scanner
// under the given policy. A syntax error is prepended as an
// error-severity issue.
func (e *Engine) ValidateCode(source string, policy scan.Policy) scan.Report {
	report := scan.New(policy).Scan(source)

	if err := compileCheck(source); err != nil {
		report.Valid = false
		report.Issues = append([]scan.Issue{{
			Severity: scan.SeverityError,
			Message:  "Syntax error: " + err.Error(),
		}}, report.Issues...)
	}

	return report
}

func compileCheck(source string) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	_, err := L.Load(strings.NewReader(source), "plugin")
	return err
}

// ResourceUsage reports the active execution count and summed memory
// ceilings.
func (e *Engine) ResourceUsage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()

	u := Usage{ActiveExecutions: len(e.active)}
	for _, iso := range e.active {
		u.MemoryInUse += iso.memoryLimit
	}
	return u
}

// Terminate aborts one active execution out-of-band. Returns false if no
// execution with that id is active. The owning Execute call observes the
// cancellation and disposes the isolate on its own goroutine.
func (e *Engine) Terminate(executionID string) bool {
	e.mu.Lock()
	iso, ok := e.active[executionID]
	e.mu.Unlock()

	if !ok {
		return false
	}
	e.log.Infow("terminating execution", "executionId", executionID)
	iso.terminate()
	return true
}

// Cleanup aborts every active execution. Used on daemon shutdown.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	isolates := make([]*isolate, 0, len(e.active))
	for _, iso := range e.active {
		isolates = append(isolates, iso)
	}
	e.mu.Unlock()

	if len(isolates) > 0 {
		e.log.Infow("aborting active executions", "count", len(isolates))
	}
	for _, iso := range isolates {
		iso.terminate()
	}
}

func (e *Engine) track(id string, iso *isolate) {
	if id == "" {
		return // untracked executions cannot be terminated
	}
	e.mu.Lock()
	e.active[id] = iso
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

// normalizeError maps a guest failure to its reported message. Deadline
// and cancellation are checked on the context rather than by matching
// error text; registry overflow is how gopher-lua reports an exhausted
// allocation ceiling.
func normalizeError(err error, runCtx context.Context, timeoutMs int, memoryLimit int64) string {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("Execution timed out after %dms", timeoutMs)
	}
	if errors.Is(runCtx.Err(), context.Canceled) {
		return "Execution terminated"
	}
	if strings.Contains(err.Error(), "registry overflow") {
		return fmt.Sprintf("Memory limit exceeded (%dMB)", memoryLimit/bytesPerMB)
	}
	return err.Error()
}

func heapDelta(before, after runtime.MemStats) int64 {
	d := int64(after.HeapAlloc) - int64(before.HeapAlloc)
	if d < 0 {
		return 0
	}
	return d
}
