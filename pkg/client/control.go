// Package client implements the ChatLine client: a line connection to the
// server, a receiver goroutine for unsolicited frames, and the translation
// between interactive commands, wire commands and display text.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/NicolasHaas/chatline/pkg/protocol"
)

// ErrAuthFailed is returned when the server rejects AUTH.
var ErrAuthFailed = errors.New("authentication failed")

// Handler is called by the receiver goroutine for every server frame.
type Handler func(line string)

// Client manages one connection to a ChatLine server.
type Client struct {
	conn net.Conn
	r    *protocol.LineReader

	mu   sync.Mutex // serializes writes
	done chan struct{}
	err  error // why receiving stopped; valid after done is closed

	closeOnce sync.Once
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect %s: %w", addr, err)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		r:    protocol.NewLineReader(conn),
		done: make(chan struct{}),
	}
}

// ReadLine reads one server frame. It must not be called once
// StartReceiving is running.
func (c *Client) ReadLine() (string, error) {
	return c.r.ReadLine()
}

// Send writes one command frame.
func (c *Client) Send(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteLine(c.conn, cmd)
}

// AuthResult holds the frames exchanged during authentication.
type AuthResult struct {
	Welcome string // greeting line, verbatim
	Reply   string // "OK Authenticated as ..." line, verbatim
}

// Authenticate reads the greeting, sends AUTH and waits for the verdict.
// A rejected name returns ErrAuthFailed wrapping the server's reason.
func (c *Client) Authenticate(username string) (AuthResult, error) {
	var res AuthResult
	var err error

	if res.Welcome, err = c.ReadLine(); err != nil {
		return res, fmt.Errorf("client: read greeting: %w", err)
	}
	if kw := protocol.ParseResponse(res.Welcome).Keyword; kw != protocol.KeyWelcome {
		return res, fmt.Errorf("client: unexpected greeting %q", res.Welcome)
	}
	if err := c.Send(protocol.VerbAuth + " " + username); err != nil {
		return res, fmt.Errorf("client: send auth: %w", err)
	}
	if res.Reply, err = c.ReadLine(); err != nil {
		return res, fmt.Errorf("client: read auth reply: %w", err)
	}
	if resp := protocol.ParseResponse(res.Reply); resp.Keyword != protocol.KeyOK {
		return res, fmt.Errorf("%w: %s", ErrAuthFailed, resp.Payload)
	}
	return res, nil
}

// StartReceiving starts a goroutine that reads frames and dispatches them
// to handler until the connection ends.
func (c *Client) StartReceiving(handler Handler) {
	go func() {
		defer close(c.done)
		for {
			line, err := c.ReadLine()
			if err != nil {
				if errors.Is(err, protocol.ErrLineTooLong) {
					slog.Warn("dropping oversized frame from server")
					continue
				}
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					c.err = err
					slog.Debug("receive error", "err", err)
				}
				return
			}
			if handler != nil {
				handler(line)
			}
		}
	}()
}

// Done returns a channel that's closed when the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that stopped the receiver, or nil for a clean
// close. Only meaningful after Done is closed.
func (c *Client) Err() error {
	return c.err
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}
