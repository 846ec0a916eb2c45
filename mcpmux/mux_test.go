package mcpmux

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mcp "trpc.group/trpc-go/trpc-mcp-go"
)

type fakeSession struct {
	tools     []mcp.Tool
	listCalls int
	listErr   error
	callFn    func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed    int
}

func (s *fakeSession) Initialize(_ context.Context, _ *mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	res := &mcp.InitializeResult{}
	res.ServerInfo.Name = "fake"
	res.ServerInfo.Version = "0.0.1"
	return res, nil
}

func (s *fakeSession) ListTools(_ context.Context, _ *mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return &mcp.ListToolsResult{Tools: s.tools}, nil
}

func (s *fakeSession) CallTool(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.callFn != nil {
		return s.callFn(ctx, req)
	}
	return nil, errors.New("no handler")
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

func withFakeSessions(t *testing.T, sessions map[string]*fakeSession) {
	t.Helper()
	orig := newSession
	newSession = func(spec ServerSpec) (session, error) {
		s, ok := sessions[spec.ID]
		if !ok {
			return nil, errors.Newf("spawn failed: %s", spec.Command)
		}
		return s, nil
	}
	t.Cleanup(func() {
		newSession = orig
	})
}

func TestConnectAllPartialFailure(t *testing.T) {
	healthy := &fakeSession{
		tools: []mcp.Tool{{Name: "web_search", Description: "search the web"}},
	}
	withFakeSessions(t, map[string]*fakeSession{"search": healthy})

	m := New()
	m.ConnectAll(context.Background(), []ServerSpec{
		{ID: "search", Command: "search-server"},
		{ID: "broken", Command: "does-not-exist"},
	})

	snap := m.HealthSnapshot()
	assert.True(t, snap["search"])
	assert.False(t, snap["broken"])

	defs, err := m.Catalog(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "web_search", defs[0].Name)
	assert.Equal(t, "remote:search", defs[0].Origin)
	assert.Equal(t, "search", defs[0].ServerID())
}

func TestCatalogCached(t *testing.T) {
	s := &fakeSession{
		tools: []mcp.Tool{{Name: "calc", Description: "calculator"}},
	}
	withFakeSessions(t, map[string]*fakeSession{"math": s})

	m := New()
	m.ConnectAll(context.Background(), []ServerSpec{{ID: "math", Command: "math-server"}})

	_, err := m.Catalog(context.Background())
	require.NoError(t, err)
	_, err = m.Catalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.listCalls)

	m.InvalidateCatalog()
	_, err = m.Catalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.listCalls)
}

func TestCatalogDegradedServer(t *testing.T) {
	healthy := &fakeSession{
		tools: []mcp.Tool{{Name: "calc"}},
	}
	failing := &fakeSession{
		listErr: errors.New("pipe closed"),
	}
	withFakeSessions(t, map[string]*fakeSession{"math": healthy, "flaky": failing})

	m := New()
	m.ConnectAll(context.Background(), []ServerSpec{
		{ID: "math", Command: "math-server"},
		{ID: "flaky", Command: "flaky-server"},
	})

	defs, err := m.Catalog(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "calc", defs[0].Name)
}

func TestInvoke(t *testing.T) {
	s := &fakeSession{
		callFn: func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			assert.Equal(t, "calc", req.Params.Name)
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent("42")},
			}, nil
		},
	}
	withFakeSessions(t, map[string]*fakeSession{"math": s})

	m := New()
	m.ConnectAll(context.Background(), []ServerSpec{{ID: "math", Command: "math-server"}})

	out, err := m.Invoke(context.Background(), "math", "calc", map[string]any{"expr": "6*7"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	_, err = m.Invoke(context.Background(), "nope", "calc", nil, time.Second)
	assert.True(t, errors.Is(err, ErrServerNotFound))
}

func TestInvokeToolError(t *testing.T) {
	s := &fakeSession{
		callFn: func(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{mcp.NewTextContent("division by zero")},
			}, nil
		},
	}
	withFakeSessions(t, map[string]*fakeSession{"math": s})

	m := New()
	m.ConnectAll(context.Background(), []ServerSpec{{ID: "math", Command: "math-server"}})

	_, err := m.Invoke(context.Background(), "math", "calc", nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")
}

func TestInvokeTimeout(t *testing.T) {
	s := &fakeSession{
		callFn: func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	withFakeSessions(t, map[string]*fakeSession{"slow": s})

	m := New()
	m.ConnectAll(context.Background(), []ServerSpec{{ID: "slow", Command: "slow-server"}})

	started := time.Now()
	_, err := m.Invoke(context.Background(), "slow", "sleep", nil, 50*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestShutdownIdempotent(t *testing.T) {
	s := &fakeSession{}
	withFakeSessions(t, map[string]*fakeSession{"math": s})

	m := New()
	m.ConnectAll(context.Background(), []ServerSpec{{ID: "math", Command: "math-server"}})

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, 1, s.closed)

	_, err := m.Catalog(context.Background())
	assert.True(t, errors.Is(err, ErrShutdown))
	_, err = m.Invoke(context.Background(), "math", "calc", nil, time.Second)
	assert.True(t, errors.Is(err, ErrShutdown))

	snap := m.HealthSnapshot()
	assert.False(t, snap["math"])
}
