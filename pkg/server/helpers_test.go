package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/chatline/pkg/datastore"
	"github.com/NicolasHaas/chatline/pkg/logging"
	"github.com/NicolasHaas/chatline/pkg/model"
	"github.com/NicolasHaas/chatline/pkg/protocol"
)

const readTimeout = 5 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsLogInterval = 0
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// startServer starts a server on a loopback port. A nil gateway means an
// in-memory one.
func startServer(t *testing.T, gw datastore.Gateway, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	if gw == nil {
		gw = datastore.NewMemory()
	}
	srv := New(cfg, Dependencies{Gateway: gw, Logger: logging.Discard()})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return srv
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// dial connects and consumes the greeting.
func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), readTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.expect(protocol.Welcome(welcomeText))
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(readTimeout))
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

func (c *testClient) readLine() (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := c.r.ReadString('\n')
	return strings.TrimSuffix(line, "\n"), err
}

func (c *testClient) read() string {
	c.t.Helper()
	line, err := c.readLine()
	require.NoError(c.t, err)
	return line
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	require.Equal(c.t, want, c.read())
}

// roundTrip sends line and returns the single reply.
func (c *testClient) roundTrip(line string) string {
	c.t.Helper()
	c.send(line)
	return c.read()
}

func (c *testClient) auth(name string) {
	c.t.Helper()
	require.Equal(c.t, "OK Authenticated as "+name, c.roundTrip("AUTH "+name))
}

// expectClosed asserts the server closed the connection with nothing
// further to read.
func (c *testClient) expectClosed() {
	c.t.Helper()
	line, err := c.readLine()
	require.ErrorIs(c.t, err, io.EOF, "unexpected line %q", line)
}

// historyRow splits a HISTORY frame into its timestamp, sender and body.
func historyRow(t *testing.T, line string) (at time.Time, sender, body string) {
	t.Helper()
	payload, ok := strings.CutPrefix(line, protocol.KeyHistory+" ")
	require.True(t, ok, "not a history row: %q", line)
	parts := strings.SplitN(payload, " ", 3)
	require.Len(t, parts, 3, "malformed history row: %q", line)
	at, err := time.Parse(protocol.TimeLayout, parts[0])
	require.NoError(t, err)
	return at, parts[1], parts[2]
}

// waitFor polls cond until it holds or the read timeout elapses.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, readTimeout, 5*time.Millisecond)
}

// failingGateway wraps a gateway and fails selected operations.
type failingGateway struct {
	datastore.Gateway
	appendErr error
	fetchErr  error
	deleteErr error
}

func (f *failingGateway) Append(ctx context.Context, sender, receiver, body string) (model.Message, error) {
	if f.appendErr != nil {
		return model.Message{}, f.appendErr
	}
	return f.Gateway.Append(ctx, sender, receiver, body)
}

func (f *failingGateway) Fetch(ctx context.Context, a, b string) iter.Seq2[model.Message, error] {
	if f.fetchErr != nil {
		return func(yield func(model.Message, error) bool) { yield(model.Message{}, f.fetchErr) }
	}
	return f.Gateway.Fetch(ctx, a, b)
}

func (f *failingGateway) Delete(ctx context.Context, a, b string) (int64, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return f.Gateway.Delete(ctx, a, b)
}

var errDiskFull = errors.New("disk full")

// gatedGateway parks Append or Fetch until release is closed. entered is
// closed when the first gated call arrives; ctxErr records the context error
// seen by the inner call.
type gatedGateway struct {
	datastore.Gateway
	gateAppend bool
	gateFetch  bool

	entered   chan struct{}
	release   chan struct{}
	enterOnce sync.Once

	mu     sync.Mutex
	ctxErr error
}

func newGatedGateway(inner datastore.Gateway) *gatedGateway {
	return &gatedGateway{
		Gateway: inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedGateway) wait(ctx context.Context) {
	g.enterOnce.Do(func() { close(g.entered) })
	<-g.release
	g.mu.Lock()
	g.ctxErr = ctx.Err()
	g.mu.Unlock()
}

func (g *gatedGateway) contextErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctxErr
}

func (g *gatedGateway) Append(ctx context.Context, sender, receiver, body string) (model.Message, error) {
	if g.gateAppend {
		g.wait(ctx)
	}
	return g.Gateway.Append(ctx, sender, receiver, body)
}

func (g *gatedGateway) Fetch(ctx context.Context, a, b string) iter.Seq2[model.Message, error] {
	if !g.gateFetch {
		return g.Gateway.Fetch(ctx, a, b)
	}
	return func(yield func(model.Message, error) bool) {
		g.wait(ctx)
		for m, err := range g.Gateway.Fetch(ctx, a, b) {
			if !yield(m, err) {
				return
			}
		}
	}
}

// fakeConn is an in-process Conn for registry and router tests.
type fakeConn struct {
	mu       sync.Mutex
	lines    []string
	writeErr error
	closed   bool
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (c *fakeConn) ReadLine() (string, error) { return "", io.EOF }

func (c *fakeConn) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.lines = append(c.lines, line)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}
