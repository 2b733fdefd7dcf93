package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/enclave/internal/exec"
	"github.com/dshills/enclave/internal/filestore"
	"github.com/dshills/enclave/internal/logging"
	"github.com/dshills/enclave/internal/plugin"
	"github.com/dshills/enclave/internal/plugin/scan"
	"github.com/dshills/enclave/internal/sandbox"
	"github.com/dshills/enclave/internal/store"
)

// pluginDir is a plugin read off the local filesystem: the manifest
// plus whichever declared sources were actually present.
type pluginDir struct {
	manifest     *plugin.Manifest
	manifestData []byte
	files        map[string][]byte
	missing      []string
}

func readPluginDir(dir string) (*pluginDir, error) {
	manifestData, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := plugin.DecodeManifest(manifestData)
	if err != nil {
		return nil, err
	}

	pd := &pluginDir{
		manifest:     m,
		manifestData: manifestData,
		files:        make(map[string][]byte, len(m.Files)),
	}
	for _, name := range m.Files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			pd.missing = append(pd.missing, name)
			continue
		}
		pd.files[name] = data
	}
	return pd, nil
}

// runOnce executes a local plugin directory against in-memory backends.
// It goes through the real install pipeline, so a plugin that runs here
// will also install on a daemon.
func runOnce(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dir := fs.String("dir", ".", "Plugin directory containing manifest.json and sources")
	function := fs.String("function", "", "Function to invoke (defaults to the entry point body)")
	params := fs.String("params", "", "Invocation parameters as a JSON object")
	timeout := fs.Int("timeout", 0, "Timeout override in milliseconds")
	level := fs.String("log-level", "warn", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var parameters map[string]any
	if *params != "" {
		if err := json.Unmarshal([]byte(*params), &parameters); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -params JSON: %v\n", err)
			return 2
		}
	}

	pd, err := readPluginDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(pd.missing) > 0 {
		fmt.Fprintf(os.Stderr, "Error: missing plugin files: %s\n", strings.Join(pd.missing, ", "))
		return 1
	}

	log := logging.New(logging.Options{Level: *level, Format: "console"})
	defer func() { _ = log.Sync() }()

	registry, err := sandbox.DefaultRegistry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	engine := sandbox.NewEngine(registry, log)
	defer engine.Cleanup()

	mem := store.NewMemory()
	svc := exec.NewService(exec.Options{
		Repository:      mem,
		KV:              mem,
		Files:           filestore.NewMemory(),
		Engine:          engine,
		Log:             log,
		Environment:     "development",
		PlatformVersion: "1.0.0",
	})

	ctx := context.Background()
	p, err := svc.Install(ctx, exec.InstallRequest{
		TenantID:     "local",
		UserID:       "local",
		ManifestJSON: pd.manifestData,
		Files:        pd.files,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: install failed: %v\n", err)
		return 1
	}
	if _, err := svc.Activate(ctx, "local", p.ID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: activate failed: %v\n", err)
		return 1
	}

	resp := svc.Execute(ctx, exec.ExecuteRequest{
		PluginID:        p.ID,
		TenantID:        "local",
		UserID:          "local",
		FunctionName:    *function,
		Parameters:      parameters,
		TimeoutOverride: *timeout,
		Trigger:         exec.TriggerAPI,
	})

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode response: %v\n", err)
		return 1
	}
	fmt.Println(string(out))

	if !resp.Success {
		return 1
	}
	return 0
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	dir := fs.String("dir", ".", "Plugin directory containing manifest.json and sources")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pd, err := readPluginDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	failed := false

	vr := pd.manifest.Validate()
	if vr.Valid {
		fmt.Printf("manifest: OK (%s)\n", pd.manifest)
	} else {
		failed = true
		fmt.Println("manifest: INVALID")
		for _, msg := range vr.Errors {
			fmt.Printf("  %s\n", msg)
		}
	}

	for _, name := range pd.missing {
		failed = true
		fmt.Printf("%s: file missing\n", name)
	}

	limits := pd.manifest.Security.ResourceLimits
	scanner := scan.New(scan.Policy{
		FileSystemAccess: limits.FileSystemAccess,
		NetworkAccess:    limits.NetworkAccess,
	})
	for _, name := range pd.manifest.Files {
		src, ok := pd.files[name]
		if !ok {
			continue
		}
		report := scanner.Scan(string(src))
		for _, issue := range report.Issues {
			fmt.Printf("%s:%d %s: %s\n", name, issue.Line, issue.Severity, issue.Message)
		}
		if !report.Valid {
			failed = true
		}
	}

	if failed {
		return 1
	}
	fmt.Println("plugin is valid")
	return 0
}
