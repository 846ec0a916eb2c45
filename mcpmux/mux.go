// Package mcpmux multiplexes a set of independently launched tool-server
// subprocesses speaking MCP over stdio into one logical catalog, and routes
// tool calls to the server that advertised them. The session set is a
// process-wide resource: connect-all at startup, close-all at shutdown.
package mcpmux

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/pkg/metricskey"
	"github.com/effective-security/toolgate/tools"
	"github.com/effective-security/xlog"
	mcp "trpc.group/trpc-go/trpc-mcp-go"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "mcpmux")

// DefaultCacheTTL bounds how long an aggregated catalog is served without
// re-querying the servers.
const DefaultCacheTTL = 5 * time.Minute

// DefaultCallTimeout is the hard per-call deadline for remote invocations.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrServerNotFound is returned when routing to an unknown server id.
	ErrServerNotFound = errors.New("tool server not found")
	// ErrNotConnected is returned when the target server never connected or
	// was shut down.
	ErrNotConnected = errors.New("tool server not connected")
	// ErrTimeout is returned when a call exceeds its deadline. The wait is
	// cancelled; the subprocess is left running.
	ErrTimeout = errors.New("tool call timed out")
	// ErrShutdown is returned after the mux has been shut down.
	ErrShutdown = errors.New("multiplexer is shut down")
)

// ServerSpec describes one tool-server subprocess to launch.
type ServerSpec struct {
	ID      string        `json:"id" yaml:"id" validate:"required"`
	Command string        `json:"command" yaml:"command" validate:"required"`
	Args    []string      `json:"args" yaml:"args"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// session is the narrow slice of the MCP client used by the mux.
type session interface {
	Initialize(ctx context.Context, req *mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req *mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

var clientInfo = mcp.Implementation{
	Name:    "toolgate",
	Version: "1.0.0",
}

// newSession is a wrapper to allow overriding session construction.
var newSession = func(spec ServerSpec) (session, error) {
	return mcp.NewStdioClient(mcp.StdioTransportConfig{
		ServerParams: mcp.StdioServerParameters{
			Command: spec.Command,
			Args:    spec.Args,
		},
		Timeout: spec.Timeout,
	}, clientInfo)
}

type server struct {
	spec      ServerSpec
	client    session
	connected bool
}

type catalogCache struct {
	key       uint64
	defs      []tools.Definition
	fetchedAt time.Time
}

// Mux owns the sessions to all configured tool servers.
type Mux struct {
	mu          sync.RWMutex
	servers     map[string]*server
	order       []string
	cache       *catalogCache
	cacheTTL    time.Duration
	callTimeout time.Duration
	closed      bool
}

// Option configures the Mux.
type Option func(*Mux)

// WithCacheTTL overrides the catalog cache interval.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Mux) {
		m.cacheTTL = ttl
	}
}

// WithCallTimeout overrides the default per-call deadline.
func WithCallTimeout(timeout time.Duration) Option {
	return func(m *Mux) {
		m.callTimeout = timeout
	}
}

// New returns an empty Mux; call ConnectAll before use.
func New(opts ...Option) *Mux {
	m := &Mux{
		servers:     make(map[string]*server),
		cacheTTL:    DefaultCacheTTL,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ConnectAll launches and initializes a session per server spec. A server
// that fails to connect is logged and skipped: it degrades the catalog but
// never aborts startup for the others.
func (m *Mux) ConnectAll(ctx context.Context, specs []ServerSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, spec := range specs {
		srv := &server{spec: spec}
		if _, ok := m.servers[spec.ID]; !ok {
			m.order = append(m.order, spec.ID)
		}
		m.servers[spec.ID] = srv

		client, err := newSession(spec)
		if err != nil {
			metricskey.StatsMuxServerErrors.IncrCounter(1, spec.ID)
			logger.ContextKV(ctx, xlog.ERROR,
				"reason", "connect",
				"server", spec.ID,
				"command", spec.Command,
				"err", err.Error(),
			)
			continue
		}

		initResp, err := client.Initialize(ctx, &mcp.InitializeRequest{})
		if err != nil {
			_ = client.Close()
			metricskey.StatsMuxServerErrors.IncrCounter(1, spec.ID)
			logger.ContextKV(ctx, xlog.ERROR,
				"reason", "initialize",
				"server", spec.ID,
				"err", err.Error(),
			)
			continue
		}

		srv.client = client
		srv.connected = true
		logger.ContextKV(ctx, xlog.INFO,
			"reason", "connected",
			"server", spec.ID,
			"server_name", initResp.ServerInfo.Name,
			"server_version", initResp.ServerInfo.Version,
			"protocol", initResp.ProtocolVersion,
		)
	}
}

// Catalog returns the union of the connected servers' advertised tools,
// each tagged with its server id. The aggregate is cached for the TTL
// behind a key of the connected server set, so repeated calls avoid
// re-querying every subprocess.
func (m *Mux) Catalog(ctx context.Context) ([]tools.Definition, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, errors.WithStack(ErrShutdown)
	}
	key := m.cacheKeyLocked()
	if c := m.cache; c != nil && c.key == key && time.Since(c.fetchedAt) < m.cacheTTL {
		defs := c.defs
		m.mu.RUnlock()
		return defs, nil
	}
	m.mu.RUnlock()

	return m.refresh(ctx, key)
}

// InvalidateCatalog drops the cached aggregate, forcing the next Catalog
// call to re-query the servers.
func (m *Mux) InvalidateCatalog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = nil
}

func (m *Mux) cacheKeyLocked() uint64 {
	ids := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if srv := m.servers[id]; srv != nil && srv.connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return xxhash.Sum64String(strings.Join(ids, "|"))
}

func (m *Mux) refresh(ctx context.Context, key uint64) ([]tools.Definition, error) {
	started := time.Now()
	defer metricskey.PerfCatalogRefresh.MeasureSince(started)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.WithStack(ErrShutdown)
	}

	var defs []tools.Definition
	for _, id := range m.order {
		srv := m.servers[id]
		if srv == nil || !srv.connected {
			continue
		}
		listResp, err := srv.client.ListTools(ctx, &mcp.ListToolsRequest{})
		if err != nil {
			// degraded: this server's tools are simply absent
			metricskey.StatsMuxServerErrors.IncrCounter(1, id)
			logger.ContextKV(ctx, xlog.ERROR,
				"reason", "list_tools",
				"server", id,
				"err", err.Error(),
			)
			continue
		}
		for _, t := range listResp.Tools {
			raw, err := json.Marshal(t.InputSchema)
			if err != nil {
				logger.ContextKV(ctx, xlog.WARNING,
					"reason", "marshal_schema",
					"server", id,
					"tool", t.Name,
					"err", err.Error(),
				)
				raw = nil
			}
			defs = append(defs, tools.Definition{
				Name:        t.Name,
				Description: t.Description,
				Origin:      tools.RemoteOrigin(id),
				InputSchema: raw,
			})
		}
	}

	metricskey.StatsMuxCatalogRefreshes.IncrCounter(1)
	m.cache = &catalogCache{
		key:       key,
		defs:      defs,
		fetchedAt: time.Now(),
	}
	return defs, nil
}

type callResult struct {
	result *mcp.CallToolResult
	err    error
}

// Invoke routes a call to the server's session and enforces a hard per-call
// timeout. On expiry the wait is abandoned and ErrTimeout returned; the
// subprocess itself is not killed. Transport errors surface as structured
// failures, never as crashes.
func (m *Mux) Invoke(ctx context.Context, serverID, toolName string, args map[string]any, timeout time.Duration) (string, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return "", errors.WithStack(ErrShutdown)
	}
	srv := m.servers[serverID]
	var client session
	if srv != nil && srv.connected {
		client = srv.client
	}
	m.mu.RUnlock()

	if srv == nil {
		return "", errors.WithMessagef(ErrServerNotFound, "server %q", serverID)
	}
	if client == nil {
		return "", errors.WithMessagef(ErrNotConnected, "server %q", serverID)
	}
	if timeout <= 0 {
		timeout = m.callTimeout
	}

	callReq := &mcp.CallToolRequest{}
	callReq.Params.Name = toolName
	callReq.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resCh := make(chan callResult, 1)
	go func() {
		resp, err := client.CallTool(callCtx, callReq)
		resCh <- callResult{result: resp, err: err}
	}()

	select {
	case <-callCtx.Done():
		metricskey.StatsMuxServerErrors.IncrCounter(1, serverID)
		return "", errors.WithMessagef(ErrTimeout, "tool %q on server %q after %s", toolName, serverID, timeout)
	case res := <-resCh:
		if res.err != nil {
			if callCtx.Err() != nil {
				return "", errors.WithMessagef(ErrTimeout, "tool %q on server %q after %s", toolName, serverID, timeout)
			}
			metricskey.StatsMuxServerErrors.IncrCounter(1, serverID)
			return "", errors.WithMessagef(res.err, "failed to call tool %q on server %q", toolName, serverID)
		}
		text := extractText(res.result.Content)
		if res.result.IsError {
			return "", errors.Newf("tool %q returned error: %s", toolName, text)
		}
		return text, nil
	}
}

// extractText joins the text blocks of an MCP result.
func extractText(contents []mcp.Content) string {
	var parts []string
	for _, content := range contents {
		if tc, ok := content.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HealthSnapshot reports connected state per configured server id.
func (m *Mux) HealthSnapshot() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make(map[string]bool, len(m.servers))
	for id, srv := range m.servers {
		snapshot[id] = srv.connected && !m.closed
	}
	return snapshot
}

// Shutdown closes every open session. It is idempotent and safe to call
// when some sessions never connected.
func (m *Mux) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.cache = nil

	var errs []error
	for _, id := range m.order {
		srv := m.servers[id]
		if srv == nil || srv.client == nil {
			continue
		}
		if err := srv.client.Close(); err != nil {
			logger.KV(xlog.ERROR, "reason", "close", "server", id, "err", err.Error())
			errs = append(errs, errors.WithMessagef(err, "server %q", id))
		}
		srv.connected = false
		srv.client = nil
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
