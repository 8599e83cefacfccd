// Package datastore provides the persistence gateway for message history.
//
// A Gateway is an append-only, key-ordered log of direct messages with three
// operations on top of it: append one message, fetch the conversation of a
// pair of users in creation order, and delete that conversation. Writers are
// serialized inside every implementation.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/NicolasHaas/chatline/pkg/model"
)

// Supported backends for Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

var (
	ErrUnknownBackend = errors.New("datastore: unknown backend")
	ErrClosed         = errors.New("datastore: gateway closed")
)

// Gateway is the persistence interface consumed by the server.
type Gateway interface {
	// Append durably records one message. The gateway assigns the
	// identifier and the creation timestamp.
	Append(ctx context.Context, sender, receiver, body string) (model.Message, error)

	// Fetch returns the conversation of userA and userB in either direction,
	// ascending by creation time with ties broken by identifier. The sequence
	// is lazy and may be iterated more than once; each iteration observes
	// the messages committed before it started.
	Fetch(ctx context.Context, userA, userB string) iter.Seq2[model.Message, error]

	// Delete removes the whole conversation of userA and userB and returns
	// the number of messages removed.
	Delete(ctx context.Context, userA, userB string) (int64, error)

	// LastError describes the most recent failure, or "" if none occurred.
	LastError() string

	// Close flushes and releases the underlying storage.
	Close() error
}

// Open creates the gateway for backend rooted at path.
func Open(backend, path string, opts ...Option) (Gateway, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLite(path, opts...)
	case BackendBadger:
		return NewBadger(path, opts...)
	case BackendMemory:
		return NewMemory(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Option tunes a gateway at construction time.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to stamp new messages.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// errorLog remembers the text of the last failure for LastError.
type errorLog struct {
	mu   sync.Mutex
	last string
}

func (l *errorLog) record(err error) error {
	if err != nil {
		l.mu.Lock()
		l.last = err.Error()
		l.mu.Unlock()
	}
	return err
}

func (l *errorLog) LastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// failed returns a one-shot sequence that yields err.
func failed(err error) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		yield(model.Message{}, err)
	}
}

func validate(sender, receiver, body string) (model.Message, error) {
	m := model.Message{Sender: sender, Receiver: receiver, Body: body}
	if err := m.Validate(); err != nil {
		return model.Message{}, fmt.Errorf("datastore: message failed validation: %w", err)
	}
	return m, nil
}
