package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/NicolasHaas/chatline/pkg/datastore"
	"github.com/NicolasHaas/chatline/pkg/model"
	"github.com/NicolasHaas/chatline/pkg/protocol"
)

const shutdownNotice = "Server shutting down..."

// DeliveryResult reports both effects of a SEND. The two errors are
// independent: a failed append does not prevent the live push and a failed
// push does not undo the append.
type DeliveryResult struct {
	Message  model.Message
	Online   bool // receiver was registered at lookup time
	StoreErr error
	PushErr  error
}

// Router delivers messages to online sessions and persists them.
// It owns no goroutine; every call runs on the calling worker.
type Router struct {
	registry *Registry
	gateway  datastore.Gateway
	metrics  *Metrics
	log      *slog.Logger

	shutdownOnce sync.Once
}

// NewRouter wires a router to its collaborators.
func NewRouter(reg *Registry, gw datastore.Gateway, m *Metrics, logger *slog.Logger) *Router {
	return &Router{registry: reg, gateway: gw, metrics: m, log: logger}
}

// Deliver appends the message to history, then pushes it to the receiver if
// the receiver is online. An offline receiver is not an error.
func (r *Router) Deliver(ctx context.Context, sender, receiver, body string) DeliveryResult {
	var res DeliveryResult

	res.Message, res.StoreErr = r.gateway.Append(ctx, sender, receiver, body)
	if res.StoreErr != nil {
		r.metrics.StoreErrors.Add(1)
		r.log.Error("store message failed", "from", sender, "to", receiver, "err", res.StoreErr)
	} else {
		r.metrics.MessagesStored.Add(1)
	}

	target, ok := r.registry.Lookup(receiver)
	if !ok {
		return res
	}
	res.Online = true
	if err := target.Send(protocol.Message(sender, body)); err != nil {
		res.PushErr = err
		r.metrics.PushErrors.Add(1)
		r.log.Warn("live delivery failed", "from", sender, "to", receiver, "err", err)
		return res
	}
	r.metrics.LiveDeliveries.Add(1)
	return res
}

// ListFor writes the sorted user list to sess as one uninterrupted block.
func (r *Router) ListFor(sess *Session) error {
	names := r.registry.List()
	return sess.Batch(func(send func(string) error) error {
		if err := send(protocol.KeyUsersBegin); err != nil {
			return err
		}
		for _, name := range names {
			if err := send(protocol.User(name)); err != nil {
				return err
			}
		}
		return send(protocol.KeyUsersEnd)
	})
}

// BroadcastShutdown closes the registry and notifies every session that was
// authenticated at that moment. Only the first call has any effect. It
// returns the number of sessions notified.
func (r *Router) BroadcastShutdown() int {
	notified := 0
	r.shutdownOnce.Do(func() {
		sessions := r.registry.Close()
		for _, sess := range sessions {
			if err := sess.Send(protocol.Shutdown(shutdownNotice)); err != nil {
				r.log.Debug("shutdown notice not delivered", "user", sess.Username(), "err", err)
				continue
			}
			notified++
		}
		r.log.Info("shutdown broadcast", "sessions", len(sessions), "notified", notified)
	})
	return notified
}
