package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/enclave/internal/cache"
	"github.com/dshills/enclave/internal/events"
	"github.com/dshills/enclave/internal/plugin"
	"github.com/dshills/enclave/internal/sandbox"
	"github.com/dshills/enclave/internal/store"
)

// maxHTTPResponseBytes caps what an outbound call may pull back into the
// sandbox. Larger responses fail the call rather than truncate silently.
const maxHTTPResponseBytes = 1 << 20

// bindingEnv carries the per-execution identity every binding call
// stamps onto its work. The deadline is the execution's own budget;
// binding calls never outlive the sandbox run that made them.
type bindingEnv struct {
	base        context.Context
	deadline    time.Time
	tenantID    string
	pluginID    string
	executionID string
}

func (e bindingEnv) callCtx() (context.Context, context.CancelFunc) {
	return context.WithDeadline(e.base, e.deadline)
}

// buildBindings assembles the service tables the guest may call. A
// binding whose permission is missing is absent, not inert: the guest
// sees nil, not an error-raising stub. The http table additionally
// requires networkAccess in the resource limits.
func (s *Service) buildBindings(ctx context.Context, p plugin.Plugin, executionID string, deadline time.Time) map[string]sandbox.Binder {
	env := bindingEnv{
		base:        ctx,
		deadline:    deadline,
		tenantID:    p.TenantID,
		pluginID:    p.ID,
		executionID: executionID,
	}

	bindings := make(map[string]sandbox.Binder)
	if p.HasPermission(PermissionDatabase) {
		bindings["db"] = dbBinder(env, s.kv)
	}
	if p.HasPermission(PermissionCache) {
		bindings["cache"] = cacheBinder(env, s.cache, p.TenantID+":"+p.ID+":")
	}
	if p.HasPermission(PermissionEvents) {
		bindings["events"] = eventsBinder(env, s.events)
	}
	if p.HasPermission(PermissionHTTP) && p.ResourceLimits().NetworkAccess {
		bindings["http"] = httpBinder(env, s.client, p.Manifest.Security.TrustedDomains)
	}
	if len(bindings) == 0 {
		return nil
	}
	return bindings
}

// dbBinder exposes the plugin's JSON document store. Documents are
// scoped to the owning tenant and plugin; get returns nil for a missing
// key, and the _path variants address inside a document without the
// guest re-parsing it.
func dbBinder(env bindingEnv, kv store.KVStore) sandbox.Binder {
	return func(L *lua.LState, b *sandbox.Bridge) lua.LValue {
		t := L.NewTable()

		t.RawSetString("get", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			key, err := stringArg(args, 0, "db.get", "key")
			if err != nil {
				return nil, err
			}
			cctx, cancel := env.callCtx()
			defer cancel()
			doc, err := kv.Get(cctx, env.tenantID, env.pluginID, key)
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("db.get: %s", err)
			}
			return decodeDocument("db.get", key, doc)
		})))

		t.RawSetString("set", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			key, err := stringArg(args, 0, "db.set", "key")
			if err != nil {
				return nil, err
			}
			if len(args) < 2 {
				return nil, errors.New("db.set: value is required")
			}
			raw, err := json.Marshal(args[1])
			if err != nil {
				return nil, fmt.Errorf("db.set: %s", err)
			}
			cctx, cancel := env.callCtx()
			defer cancel()
			if err := kv.Set(cctx, env.tenantID, env.pluginID, key, string(raw)); err != nil {
				return nil, fmt.Errorf("db.set: %s", err)
			}
			return nil, nil
		})))

		t.RawSetString("delete", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			key, err := stringArg(args, 0, "db.delete", "key")
			if err != nil {
				return nil, err
			}
			cctx, cancel := env.callCtx()
			defer cancel()
			if err := kv.Delete(cctx, env.tenantID, env.pluginID, key); err != nil {
				return nil, fmt.Errorf("db.delete: %s", err)
			}
			return nil, nil
		})))

		t.RawSetString("get_path", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			key, err := stringArg(args, 0, "db.get_path", "key")
			if err != nil {
				return nil, err
			}
			path, err := stringArg(args, 1, "db.get_path", "path")
			if err != nil {
				return nil, err
			}
			cctx, cancel := env.callCtx()
			defer cancel()
			doc, err := kv.Get(cctx, env.tenantID, env.pluginID, key)
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("db.get_path: %s", err)
			}
			res := gjson.Get(doc, path)
			if !res.Exists() {
				return nil, nil
			}
			return res.Value(), nil
		})))

		t.RawSetString("set_path", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			key, err := stringArg(args, 0, "db.set_path", "key")
			if err != nil {
				return nil, err
			}
			path, err := stringArg(args, 1, "db.set_path", "path")
			if err != nil {
				return nil, err
			}
			if len(args) < 3 {
				return nil, errors.New("db.set_path: value is required")
			}
			cctx, cancel := env.callCtx()
			defer cancel()
			doc, err := kv.Get(cctx, env.tenantID, env.pluginID, key)
			if errors.Is(err, store.ErrNotFound) {
				doc = "{}"
			} else if err != nil {
				return nil, fmt.Errorf("db.set_path: %s", err)
			}
			next, err := sjson.Set(doc, path, args[2])
			if err != nil {
				return nil, fmt.Errorf("db.set_path: %s", err)
			}
			if err := kv.Set(cctx, env.tenantID, env.pluginID, key, next); err != nil {
				return nil, fmt.Errorf("db.set_path: %s", err)
			}
			return nil, nil
		})))

		return t
	}
}

// cacheBinder exposes the shared cache under a tenant:plugin key prefix
// so plugins can never read each other's entries. Values are strings on
// the wire; non-string guest values are stored as their JSON encoding.
func cacheBinder(env bindingEnv, c cache.Cache, prefix string) sandbox.Binder {
	return func(L *lua.LState, b *sandbox.Bridge) lua.LValue {
		t := L.NewTable()

		t.RawSetString("get", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			key, err := stringArg(args, 0, "cache.get", "key")
			if err != nil {
				return nil, err
			}
			cctx, cancel := env.callCtx()
			defer cancel()
			val, err := c.Get(cctx, prefix+key)
			if errors.Is(err, cache.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("cache.get: %s", err)
			}
			return val, nil
		})))

		t.RawSetString("set", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			key, err := stringArg(args, 0, "cache.set", "key")
			if err != nil {
				return nil, err
			}
			if len(args) < 2 {
				return nil, errors.New("cache.set: value is required")
			}
			val, err := stringify("cache.set", args[1])
			if err != nil {
				return nil, err
			}
			var ttl time.Duration
			if secs, ok := numberArg(args, 2); ok && secs > 0 {
				ttl = time.Duration(secs * float64(time.Second))
			}
			cctx, cancel := env.callCtx()
			defer cancel()
			if err := c.Set(cctx, prefix+key, val, ttl); err != nil {
				return nil, fmt.Errorf("cache.set: %s", err)
			}
			return nil, nil
		})))

		t.RawSetString("delete", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			key, err := stringArg(args, 0, "cache.delete", "key")
			if err != nil {
				return nil, err
			}
			cctx, cancel := env.callCtx()
			defer cancel()
			if err := c.Delete(cctx, prefix+key); err != nil {
				return nil, fmt.Errorf("cache.delete: %s", err)
			}
			return nil, nil
		})))

		return t
	}
}

// eventsBinder lets the guest emit its own topics under the
// plugin.custom prefix. The event is stamped with the execution's
// identity; a failed publish raises in the guest so the plugin knows
// its event went nowhere.
func eventsBinder(env bindingEnv, pub events.Publisher) sandbox.Binder {
	return func(L *lua.LState, b *sandbox.Bridge) lua.LValue {
		t := L.NewTable()

		t.RawSetString("emit", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			name, err := stringArg(args, 0, "events.emit", "name")
			if err != nil {
				return nil, err
			}
			ev := events.New(events.CustomTopic(name), env.tenantID, env.pluginID)
			ev.ExecutionID = env.executionID
			if len(args) > 1 && args[1] != nil {
				if m, ok := args[1].(map[string]any); ok {
					ev.Payload = m
				} else {
					ev.Payload = map[string]any{"value": args[1]}
				}
			}
			cctx, cancel := env.callCtx()
			defer cancel()
			if err := pub.Publish(cctx, ev); err != nil {
				return nil, fmt.Errorf("events.emit: %s", err)
			}
			return nil, nil
		})))

		return t
	}
}

// httpBinder exposes outbound HTTP restricted to the manifest's trusted
// domains. Each call runs under the execution's remaining time budget
// and the response body is size-capped.
func httpBinder(env bindingEnv, client *http.Client, trusted []string) sandbox.Binder {
	return func(L *lua.LState, b *sandbox.Bridge) lua.LValue {
		t := L.NewTable()

		t.RawSetString("get", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			rawURL, err := stringArg(args, 0, "http.get", "url")
			if err != nil {
				return nil, err
			}
			return doRequest(env, client, trusted, http.MethodGet, rawURL, nil, "", headerArg(args, 1))
		})))

		t.RawSetString("post", L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			rawURL, err := stringArg(args, 0, "http.post", "url")
			if err != nil {
				return nil, err
			}
			var body []byte
			contentType := ""
			if len(args) > 1 && args[1] != nil {
				switch v := args[1].(type) {
				case string:
					body = []byte(v)
					contentType = "text/plain; charset=utf-8"
				default:
					raw, err := json.Marshal(v)
					if err != nil {
						return nil, fmt.Errorf("http.post: %s", err)
					}
					body = raw
					contentType = "application/json"
				}
			}
			return doRequest(env, client, trusted, http.MethodPost, rawURL, body, contentType, headerArg(args, 2))
		})))

		return t
	}
}

func doRequest(env bindingEnv, client *http.Client, trusted []string, method, rawURL string, body []byte, contentType string, headers map[string]string) (any, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("http: invalid url %q", rawURL)
	}
	host := u.Hostname()
	if !hostTrusted(host, trusted) {
		return nil, fmt.Errorf("http: host %q is not a trusted domain", host)
	}
	if !time.Now().Before(env.deadline) {
		return nil, errors.New("http: execution time budget exhausted")
	}

	cctx, cancel := env.callCtx()
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(cctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("http: %s", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %s", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("http: read response: %s", err)
	}
	if len(data) > maxHTTPResponseBytes {
		return nil, fmt.Errorf("http: response exceeds %d bytes", maxHTTPResponseBytes)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  int64(resp.StatusCode),
		"body":    string(data),
		"headers": respHeaders,
	}, nil
}

// hostTrusted reports whether host matches any trusted domain pattern.
// An empty trusted list admits nothing.
func hostTrusted(host string, trusted []string) bool {
	for _, pattern := range trusted {
		if matchHost(host, pattern) {
			return true
		}
	}
	return false
}

// matchHost compares case-insensitively. "*.example.com" matches any
// subdomain of example.com but not the apex itself.
func matchHost(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}

// decodeDocument unmarshals a stored JSON document for the guest.
func decodeDocument(fn, key, doc string) (any, error) {
	var out any
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("%s: document %q is not valid JSON", fn, key)
	}
	return out, nil
}

// stringArg pulls a required string argument. Guest-supplied empty
// strings are rejected with the same message as a missing argument.
func stringArg(args []any, i int, fn, name string) (string, error) {
	if i < len(args) {
		if s, ok := args[i].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("%s: %s must be a non-empty string", fn, name)
}

// numberArg pulls an optional numeric argument. The bridge hands
// integers through as int64 and everything else numeric as float64.
func numberArg(args []any, i int) (float64, bool) {
	if i < len(args) {
		switch v := args[i].(type) {
		case int64:
			return float64(v), true
		case float64:
			return v, true
		}
	}
	return 0, false
}

// headerArg converts an optional guest header table into string pairs.
// Non-string values are formatted; nested tables are dropped.
func headerArg(args []any, i int) map[string]string {
	if i >= len(args) {
		return nil
	}
	m, ok := args[i].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = val
		case int64, float64, bool:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}

// stringify renders a guest value for the cache: strings pass through,
// everything else is stored as JSON.
func stringify(fn string, v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%s: %s", fn, err)
	}
	return string(raw), nil
}
