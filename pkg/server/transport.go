package server

import (
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/chatline/pkg/protocol"
)

// writeTimeout bounds a single frame write so that one stalled peer cannot
// hold its output lock, and with it every sender pushing to it, forever.
const writeTimeout = 10 * time.Second

// Conn is a framed, bidirectional client connection. ReadLine is only ever
// called by the owning worker; WriteLine calls are serialized by the
// session's output lock; Close may be called from any goroutine, any number
// of times.
type Conn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
	RemoteAddr() string
}

// lineConn frames a stream socket with '\n'-terminated lines.
type lineConn struct {
	c         net.Conn
	r         *protocol.LineReader
	closeOnce sync.Once
	closeErr  error
}

func newLineConn(c net.Conn) *lineConn {
	return &lineConn{c: c, r: protocol.NewLineReader(c)}
}

func (l *lineConn) ReadLine() (string, error) { return l.r.ReadLine() }

func (l *lineConn) WriteLine(line string) error {
	_ = l.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteLine(l.c, line)
}

func (l *lineConn) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.c.Close() })
	return l.closeErr
}

func (l *lineConn) RemoteAddr() string { return l.c.RemoteAddr().String() }
