package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/NicolasHaas/chatline/pkg/model"
)

var sequenceKey = []byte("seq:messages")

// Badger stores history in an embedded LSM directory.
//
// Keys are "msg:{pair}:{unix_nano %019d}:{id %020d}" where pair is the
// sorted conversation key, so a prefix scan returns one conversation in
// creation order with the identifier breaking timestamp ties.
type Badger struct {
	db      *badger.DB
	seq     *badger.Sequence
	writeMu sync.Mutex
	now     func() time.Time
	errorLog
}

// NewBadger opens (or creates) the badger directory at dir.
func NewBadger(dir string, opts ...Option) (*Badger, error) {
	o := buildOptions(opts)

	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("datastore: open badger %s: %w", dir, err)
	}
	seq, err := db.GetSequence(sequenceKey, 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: message sequence: %w", err)
	}
	return &Badger{db: db, seq: seq, now: o.now}, nil
}

func conversationPrefix(a, b string) []byte {
	return []byte("msg:" + model.ConversationKey(a, b) + ":")
}

func messageKey(m model.Message) []byte {
	return fmt.Appendf(conversationPrefix(m.Sender, m.Receiver), "%019d:%020d", m.CreatedAt.UnixNano(), m.ID)
}

func (b *Badger) Append(_ context.Context, sender, receiver, body string) (model.Message, error) {
	m, err := validate(sender, receiver, body)
	if err != nil {
		return model.Message{}, b.record(err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	next, err := b.seq.Next()
	if err != nil {
		return model.Message{}, b.record(fmt.Errorf("datastore: next message id: %w", err))
	}
	// Sequence starts at zero; row identifiers start at one.
	m.ID = int64(next) + 1
	m.CreatedAt = b.now().UTC()

	value, err := json.Marshal(m)
	if err != nil {
		return model.Message{}, b.record(fmt.Errorf("datastore: encode message: %w", err))
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(m), value)
	})
	if err != nil {
		return model.Message{}, b.record(fmt.Errorf("datastore: store message: %w", err))
	}
	return m, nil
}

// Fetch scans the conversation prefix inside one read transaction and then
// yields the decoded messages, so no transaction stays open while the
// caller writes to a socket.
func (b *Badger) Fetch(ctx context.Context, userA, userB string) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		var conv []model.Message
		prefix := conversationPrefix(userA, userB)
		err := b.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				var m model.Message
				err := it.Item().Value(func(value []byte) error {
					return json.Unmarshal(value, &m)
				})
				if err != nil {
					return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
				}
				conv = append(conv, m)
			}
			return nil
		})
		if err != nil {
			yield(model.Message{}, b.record(fmt.Errorf("datastore: scan history: %w", err)))
			return
		}
		for _, m := range conv {
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (b *Badger) Delete(_ context.Context, userA, userB string) (int64, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var keys [][]byte
	prefix := conversationPrefix(userA, userB)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, b.record(fmt.Errorf("datastore: scan history: %w", err))
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, b.record(fmt.Errorf("datastore: delete history: %w", err))
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, b.record(fmt.Errorf("datastore: delete history: %w", err))
	}
	return int64(len(keys)), nil
}

// Close releases the leased identifiers and closes the directory.
func (b *Badger) Close() error {
	if err := b.seq.Release(); err != nil {
		_ = b.db.Close()
		return fmt.Errorf("datastore: release sequence: %w", err)
	}
	return b.db.Close()
}
