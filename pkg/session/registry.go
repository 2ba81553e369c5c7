package session

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/watdbg/watdbg/pkg/debugerrors"
)

// Registry is a plain map + mutex a transport layer can embed to manage several
// concurrent sessions, one per debuggee. Per SPEC_FULL.md §9 ("no singletons in core"),
// this module's core never constructs one implicitly; a caller that wants multi-tenant
// session management owns a Registry itself. Grounded on
// original_source/src/dgb/server/session_manager.py's session table, minus its
// request/response protocol framing (explicitly out of scope).
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	nextID   int
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create builds and starts a new session, assigning it a registry-local id.
func (r *Registry) Create(opts Options) (*Session, error) {
	sess, err := New(opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.nextID++
	sess.ID = fmt.Sprintf("session-%d", r.nextID)
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	if err := sess.Start(); err != nil {
		r.mu.Lock()
		delete(r.sessions, sess.ID)
		r.mu.Unlock()
		return nil, err
	}
	return sess, nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// List returns every session currently tracked, in no particular order.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Close closes and removes one session.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", debugerrors.ErrSessionNotFound, id)
	}
	return sess.Close()
}

// CloseAll closes every tracked session, aggregating any errors via multierr rather
// than stopping at the first failure — a transport shutting down needs every
// debuggee's resources released even if one session's cleanup fails.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var err error
	for _, sess := range sessions {
		err = multierr.Append(err, sess.Close())
	}
	return err
}
