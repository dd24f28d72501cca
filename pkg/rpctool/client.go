package rpctool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// CallTimeout bounds a single RPC call.
const CallTimeout = 30 * time.Second

// Client calls tools on other butlers by name, resolving endpoints lazily
// through a Resolver and caching them.
type Client struct {
	resolver Resolver
	http     *http.Client
	logger   *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]Endpoint // butler name -> cached endpoint

	// Per-butler mutex for endpoint resolution, preventing a thundering
	// herd of concurrent resolves against the same unresolved butler.
	resolveMu sync.Map // butler name -> *sync.Mutex
}

// NewClient builds a Client backed by resolver.
func NewClient(resolver Resolver) *Client {
	return &Client{
		resolver:  resolver,
		http:      &http.Client{Timeout: CallTimeout},
		logger:    slog.Default(),
		endpoints: make(map[string]Endpoint),
	}
}

func (c *Client) lockFor(butlerName string) *sync.Mutex {
	muI, _ := c.resolveMu.LoadOrStore(butlerName, &sync.Mutex{})
	return muI.(*sync.Mutex)
}

func (c *Client) resolve(ctx context.Context, butlerName string) (Endpoint, error) {
	c.mu.RLock()
	if ep, ok := c.endpoints[butlerName]; ok {
		c.mu.RUnlock()
		return ep, nil
	}
	c.mu.RUnlock()

	mu := c.lockFor(butlerName)
	mu.Lock()
	defer mu.Unlock()

	c.mu.RLock()
	if ep, ok := c.endpoints[butlerName]; ok {
		c.mu.RUnlock()
		return ep, nil
	}
	c.mu.RUnlock()

	ep, err := c.resolver.Resolve(ctx, butlerName)
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolve butler %q: %w", butlerName, err)
	}

	c.mu.Lock()
	c.endpoints[butlerName] = ep
	c.mu.Unlock()
	return ep, nil
}

// InvalidateEndpoint drops a cached endpoint, forcing the next Call to
// re-resolve it. Useful after a call fails with connection errors against
// a stale cached address.
func (c *Client) InvalidateEndpoint(butlerName string) {
	c.mu.Lock()
	delete(c.endpoints, butlerName)
	c.mu.Unlock()
}

// Call invokes toolName on butlerName with args, returning the tool's
// result map. A tool-level failure is returned as *ToolError wrapped in
// err (via errors.As), never surfaced as a raw HTTP error once the
// request round-trips successfully.
func (c *Client) Call(ctx context.Context, butlerName, toolName string, args map[string]any, trace *TraceContext) (map[string]any, error) {
	ep, err := c.resolve(ctx, butlerName)
	if err != nil {
		return nil, err
	}

	body := make(map[string]any, len(args)+1)
	for k, v := range args {
		body[k] = v
	}
	if trace != nil {
		body["trace_context"] = trace
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: encode request: %w", butlerName, toolName, err)
	}

	url := fmt.Sprintf("%s/rpc/%s/%s", ep.URL, butlerName, toolName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: build request: %w", butlerName, toolName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", butlerName, toolName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: read response: %w", butlerName, toolName, err)
	}

	var asError ErrorResponse
	if err := json.Unmarshal(raw, &asError); err == nil && asError.Error.Message != "" {
		return nil, &asError.Error
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("call %s.%s: decode response: %w", butlerName, toolName, err)
	}
	return result, nil
}
