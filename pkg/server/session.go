package server

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	ErrUsernameTaken  = errors.New("server: username taken")
	ErrRegistryClosed = errors.New("server: registry closed")
	ErrAlreadyNamed   = errors.New("server: session already has a username")
)

// State is the lifecycle position of a connection worker.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client connection. The connection is owned by its worker;
// other goroutines only write to it through Send, which holds the
// per-session output lock.
type Session struct {
	ID   string // opaque, for logs
	conn Conn

	out sync.Mutex

	// username is assigned once by Registry.Register before the session
	// becomes visible to other goroutines.
	username string
	state    atomic.Int32
}

func newSession(conn Conn) *Session {
	s := &Session{ID: uuid.NewString(), conn: conn}
	s.state.Store(int32(StateConnecting))
	return s
}

// Username returns the authenticated name, or "" before AUTH succeeds.
func (s *Session) Username() string { return s.username }

// RemoteAddr returns the peer address of the connection.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Authenticated reports whether the session completed AUTH.
func (s *Session) Authenticated() bool { return s.State() == StateActive }

// Send writes one frame under the output lock.
func (s *Session) Send(line string) error {
	s.out.Lock()
	defer s.out.Unlock()
	return s.conn.WriteLine(line)
}

// Batch holds the output lock for the duration of fn so that a multi-line
// reply is never interleaved with frames pushed by other workers.
func (s *Session) Batch(fn func(send func(string) error) error) error {
	s.out.Lock()
	defer s.out.Unlock()
	return fn(s.conn.WriteLine)
}

// Registry is the set of authenticated sessions keyed by username.
// Its lock guards only the map; no I/O is ever performed while holding it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register names sess and makes it visible in one critical section, so two
// concurrent registrations of the same name cannot both succeed.
func (r *Registry) Register(sess *Session, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if sess.username != "" {
		return ErrAlreadyNamed
	}
	if _, taken := r.sessions[username]; taken {
		return ErrUsernameTaken
	}
	sess.username = username
	sess.setState(StateActive)
	r.sessions[username] = sess
	return nil
}

// Unregister removes sess if it is the registered owner of its name.
// Calling it more than once is harmless.
func (r *Registry) Unregister(sess *Session) {
	if sess.username == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[sess.username]; ok && cur == sess {
		delete(r.sessions, sess.username)
	}
}

// Lookup returns the session registered under username.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[username]
	return sess, ok
}

// List returns a sorted snapshot of the registered usernames.
func (r *Registry) List() []string {
	r.mu.Lock()
	names := lo.Keys(r.sessions)
	r.mu.Unlock()
	slices.Sort(names)
	return names
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close refuses further registrations and returns the final snapshot of
// registered sessions.
func (r *Registry) Close() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return lo.Values(r.sessions)
}
