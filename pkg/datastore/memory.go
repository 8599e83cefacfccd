package datastore

import (
	"cmp"
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/NicolasHaas/chatline/pkg/model"
)

// Memory keeps history in process. Nothing survives Close.
type Memory struct {
	mu       sync.RWMutex
	now      func() time.Time
	nextID   int64
	messages []model.Message
	closed   bool
	errorLog
}

// NewMemory returns an empty in-memory gateway.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{now: o.now}
}

func (m *Memory) Append(_ context.Context, sender, receiver, body string) (model.Message, error) {
	msg, err := validate(sender, receiver, body)
	if err != nil {
		return model.Message{}, m.record(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.Message{}, m.record(ErrClosed)
	}
	m.nextID++
	msg.ID = m.nextID
	msg.CreatedAt = m.now().UTC()
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *Memory) Fetch(ctx context.Context, userA, userB string) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			yield(model.Message{}, m.record(ErrClosed))
			return
		}
		var conv []model.Message
		for _, msg := range m.messages {
			if msg.Between(userA, userB) {
				conv = append(conv, msg)
			}
		}
		m.mu.RUnlock()

		slices.SortStableFunc(conv, func(a, b model.Message) int {
			if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		for _, msg := range conv {
			if err := ctx.Err(); err != nil {
				yield(model.Message{}, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (m *Memory) Delete(_ context.Context, userA, userB string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, m.record(ErrClosed)
	}
	before := len(m.messages)
	m.messages = slices.DeleteFunc(m.messages, func(msg model.Message) bool {
		return msg.Between(userA, userB)
	})
	return int64(before - len(m.messages)), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.messages = nil
	return nil
}
