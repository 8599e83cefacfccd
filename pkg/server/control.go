package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/NicolasHaas/chatline/pkg/model"
	"github.com/NicolasHaas/chatline/pkg/protocol"
)

const welcomeText = "Provide AUTH <username>"

// Reply texts shared with tests.
const (
	errAuthFirst       = "Authenticate first using AUTH <username>"
	errUsernameLength  = "Invalid username length"
	errUsernameChars   = "Invalid username characters"
	errUsernameTaken   = "Username taken"
	errAlreadyAuthed   = "Already authenticated"
	errSendUsage       = "Usage: SEND <user> <message>"
	errEmptyMessage    = "Message cannot be empty"
	errMessageTooLong  = "Message too long"
	errInvalidTarget   = "Invalid recipient"
	errUnknownCommand  = "Unknown command"
	errLineTooLong     = "Line too long"
	errMultipleLines   = "One command per line"
	errShuttingDown    = "Server shutting down"
	errGetUsage        = "Usage: GET <user>"
	errDeleteUsage     = "Usage: DELETE <user>"
	okMessageQueued    = "Message queued"
	okHistoryEnd       = "History end"
	okAuthenticatedFmt = "Authenticated as %s"
)

// worker drives one connection through
// Connecting -> Authenticating -> Active -> Closed. It is the only reader of
// its connection.
type worker struct {
	srv  *Server
	sess *Session
	log  *slog.Logger
}

func newWorker(srv *Server, sess *Session) *worker {
	return &worker{
		srv:  srv,
		sess: sess,
		log:  srv.log.With("conn", sess.ID, "remote", sess.RemoteAddr()),
	}
}

func (w *worker) run() {
	defer w.close()

	w.srv.metrics.TotalConnections.Add(1)
	w.srv.metrics.ActiveConnections.Add(1)
	w.log.Debug("connection opened")

	if !w.reply(protocol.Welcome(welcomeText)) {
		return
	}
	w.sess.setState(StateAuthenticating)

	for {
		line, err := w.sess.conn.ReadLine()
		switch {
		case errors.Is(err, protocol.ErrLineTooLong):
			if !w.protocolError(errLineTooLong) {
				return
			}
			continue
		case errors.Is(err, protocol.ErrEmbeddedNewline):
			if !w.protocolError(errMultipleLines) {
				return
			}
			continue
		case err != nil:
			w.logReadError(err)
			return
		}
		if w.srv.ctx.Err() != nil {
			return
		}

		cmd := protocol.ParseCommand(line)
		w.log.Debug("command", "verb", cmd.Verb, "state", w.sess.State())

		var keepOpen bool
		if w.sess.Authenticated() {
			keepOpen = w.active(cmd)
		} else {
			keepOpen = w.authenticating(cmd)
		}
		if !keepOpen {
			return
		}
	}
}

func (w *worker) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		w.log.Debug("peer closed connection")
	case w.srv.ctx.Err() != nil, errors.Is(err, net.ErrClosed):
		w.log.Debug("connection closed during shutdown", "err", err)
	default:
		w.log.Warn("read failed", "err", err)
	}
}

// reply sends one frame and reports whether the connection is still usable.
func (w *worker) reply(line string) bool {
	if err := w.sess.Send(line); err != nil {
		w.log.Debug("write failed", "err", err)
		return false
	}
	return true
}

// opContext is the context for gateway and router calls. Shutdown does not
// cancel it; a command that has been read runs to completion.
func (w *worker) opContext() context.Context {
	return context.WithoutCancel(w.srv.ctx)
}

func (w *worker) protocolError(text string) bool {
	w.srv.metrics.ProtocolErrors.Add(1)
	return w.reply(protocol.Error(text))
}

func (w *worker) authenticating(cmd protocol.Command) bool {
	switch cmd.Verb {
	case protocol.VerbAuth:
		return w.handleAuth(cmd.Arg)
	case protocol.VerbQuit:
		w.reply(protocol.KeyBye)
		return false
	default:
		return w.protocolError(errAuthFirst)
	}
}

func (w *worker) handleAuth(name string) bool {
	if err := model.ValidateUsername(name); err != nil {
		w.srv.metrics.FailedAuths.Add(1)
		if model.IsLengthError(err) {
			return w.reply(protocol.Error(errUsernameLength))
		}
		return w.reply(protocol.Error(errUsernameChars))
	}

	switch err := w.srv.registry.Register(w.sess, name); {
	case errors.Is(err, ErrUsernameTaken):
		w.srv.metrics.FailedAuths.Add(1)
		w.log.Info("username taken", "user", name)
		return w.reply(protocol.Error(errUsernameTaken))
	case errors.Is(err, ErrRegistryClosed):
		w.reply(protocol.Error(errShuttingDown))
		return false
	case err != nil:
		w.log.Error("register failed", "user", name, "err", err)
		return w.reply(protocol.Errorf("%v", err))
	}

	w.srv.metrics.SuccessfulAuths.Add(1)
	w.log = w.log.With("user", name)
	w.log.Info("user authenticated")
	return w.reply(protocol.OK(fmt.Sprintf(okAuthenticatedFmt, name)))
}

func (w *worker) active(cmd protocol.Command) bool {
	switch cmd.Verb {
	case protocol.VerbSend:
		return w.handleSend(cmd.Raw)
	case protocol.VerbGet:
		return w.handleGet(cmd.Arg)
	case protocol.VerbDelete:
		return w.handleDelete(cmd.Arg)
	case protocol.VerbUsers:
		if err := w.srv.router.ListFor(w.sess); err != nil {
			w.log.Debug("user list write failed", "err", err)
			return false
		}
		return true
	case protocol.VerbQuit:
		w.reply(protocol.KeyBye)
		return false
	case protocol.VerbAuth:
		return w.protocolError(errAlreadyAuthed)
	default:
		return w.protocolError(errUnknownCommand)
	}
}

// handleSend takes the verbatim argument so that "SEND bob " reads as an
// empty body rather than a missing separator.
func (w *worker) handleSend(raw string) bool {
	target, body, ok := protocol.SplitTarget(raw)
	if !ok || target == "" {
		return w.protocolError(errSendUsage)
	}
	switch err := model.ValidateBody(body); {
	case errors.Is(err, model.ErrMessageBodyEmpty):
		return w.protocolError(errEmptyMessage)
	case errors.Is(err, model.ErrMessageBodyTooLong):
		return w.protocolError(errMessageTooLong)
	}
	if err := model.ValidateUsername(target); err != nil {
		return w.protocolError(errInvalidTarget)
	}

	res := w.srv.router.Deliver(w.opContext(), w.sess.Username(), target, body)
	w.log.Debug("message routed", "to", target, "online", res.Online, "id", res.Message.ID)

	if res.StoreErr == nil && res.PushErr == nil {
		return w.reply(protocol.OK(okMessageQueued))
	}
	if res.StoreErr != nil && !w.reply(protocol.Errorf("Failed to store message: %v", res.StoreErr)) {
		return false
	}
	if res.PushErr != nil && !w.reply(protocol.Errorf("Failed to deliver message to %s", target)) {
		return false
	}
	return true
}

func (w *worker) handleGet(peer string) bool {
	if peer == "" {
		return w.protocolError(errGetUsage)
	}
	if err := model.ValidateUsername(peer); err != nil {
		return w.protocolError(errInvalidTarget)
	}
	w.srv.metrics.HistoryFetches.Add(1)

	// The output lock is held only while writing, never across the query.
	var history []model.Message
	for m, err := range w.srv.gateway.Fetch(w.opContext(), w.sess.Username(), peer) {
		if err != nil {
			w.srv.metrics.StoreErrors.Add(1)
			w.log.Error("history query failed", "peer", peer, "err", err)
			return w.reply(protocol.Errorf("Failed to query history: %v", err))
		}
		history = append(history, m)
	}

	err := w.sess.Batch(func(send func(string) error) error {
		for _, m := range history {
			if err := send(protocol.History(m.CreatedAt, m.Sender, m.Body)); err != nil {
				return err
			}
		}
		if len(history) == 0 {
			return send(protocol.Info("No messages with " + peer))
		}
		return send(protocol.OK(okHistoryEnd))
	})
	if err != nil {
		w.log.Debug("history write failed", "err", err)
		return false
	}
	w.log.Debug("history served", "peer", peer, "rows", len(history))
	return true
}

func (w *worker) handleDelete(peer string) bool {
	if peer == "" {
		return w.protocolError(errDeleteUsage)
	}
	if err := model.ValidateUsername(peer); err != nil {
		return w.protocolError(errInvalidTarget)
	}
	w.srv.metrics.HistoryDeletes.Add(1)

	n, err := w.srv.gateway.Delete(w.opContext(), w.sess.Username(), peer)
	if err != nil {
		w.srv.metrics.StoreErrors.Add(1)
		w.log.Error("history delete failed", "peer", peer, "err", err)
		return w.reply(protocol.Errorf("Failed to delete history: %v", err))
	}
	w.log.Info("history deleted", "peer", peer, "rows", n)
	return w.reply(protocol.OK("Deleted history with " + peer))
}

// close is the single exit path: unregister, close, account.
func (w *worker) close() {
	w.sess.setState(StateClosed)
	w.srv.registry.Unregister(w.sess)
	_ = w.sess.conn.Close()

	w.srv.metrics.ActiveConnections.Add(-1)
	w.srv.metrics.TotalDisconnects.Add(1)
	w.log.Info("connection closed")
}
