package session

import (
	"sync"

	"github.com/wireloop/sfu/internal/sfu/negotiate"
)

// Table owns the set of live sessions keyed by host handle.
//
// Lookup is safe to call concurrently with Remove: it takes a read lock
// and returns a release function the caller must defer for as long as it
// holds the returned *Session. Remove takes a write lock, which per
// sync.RWMutex's documented semantics blocks until every outstanding read
// lock has been released — this is the "writer drains readers" contract
// spec.md §4.2 asks for, not an approximation of it.
type Table struct {
	mu       sync.RWMutex
	sessions map[Handle]*Session
}

// NewTable builds an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[Handle]*Session)}
}

// Insert creates and stores a Fresh session for a newly attached handle.
// It returns the created session; callers must not call Insert twice for
// the same handle.
func (t *Table) Insert(handle Handle, mc negotiate.MediaConnection) *Session {
	sess := New(handle, mc)
	t.mu.Lock()
	t.sessions[handle] = sess
	t.mu.Unlock()
	return sess
}

// Lookup returns the session for handle and a release function the caller
// must call (typically via defer) once done using the session. If Remove
// has already begun for this handle, Lookup returns ok=false.
func (t *Table) Lookup(handle Handle) (sess *Session, release func(), ok bool) {
	t.mu.RLock()
	sess, ok = t.sessions[handle]
	if !ok {
		t.mu.RUnlock()
		return nil, func() {}, false
	}
	return sess, t.mu.RUnlock, true
}

// Remove transitions the session to Closed and drops it from the table.
// It blocks until any in-flight Lookup holders have released their read
// guard. It returns the removed session (for teardown by the caller) and
// false if the handle was already gone.
func (t *Table) Remove(handle Handle) (*Session, bool) {
	t.mu.Lock()
	sess, ok := t.sessions[handle]
	if ok {
		delete(t.sessions, handle)
	}
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	sess.MarkClosed()
	return sess, true
}

// Len reports the number of live sessions. Intended for metrics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
