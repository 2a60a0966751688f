// Package session owns the set of live RTC sessions and the safe,
// concurrent lookup discipline the rest of the core depends on.
package session

import (
	"sync"

	"github.com/wireloop/sfu/internal/sfu/identity"
	"github.com/wireloop/sfu/internal/sfu/negotiate"
)

// Handle is the host-provided, opaque, pointer-sized identity of one RTC
// connection. The core never interprets its value; it only compares it.
type Handle uint64

// ContentKind is a three-bit mask over the kinds of traffic a session can
// publish or subscribe to.
type ContentKind uint8

const (
	Audio ContentKind = 1 << iota
	Video
	Data

	AllKinds = Audio | Video | Data
)

func (k ContentKind) Has(bit ContentKind) bool { return k&bit != 0 }

func (k ContentKind) String() string {
	if k == 0 {
		return "none"
	}
	s := ""
	if k.Has(Audio) {
		s += "audio,"
	}
	if k.Has(Video) {
		s += "video,"
	}
	if k.Has(Data) {
		s += "data,"
	}
	return s[:len(s)-1]
}

// Membership is the (room, user) pair a session is bound to after a
// successful Join. Once set on a Session it is immutable.
type Membership struct {
	Room identity.RoomID
	User identity.UserID
}

// SubscriptionFlags are the notification/data delivery preferences set at
// Join time.
type SubscriptionFlags struct {
	Notify      bool // deliver room join/leave/blocked/unblocked events
	ReceiveData bool // deliver in-room data-channel traffic
}

// Session represents one RTC connection from one peer.
//
// A session joins at most one room; once Closed it never leaves Closed;
// once Membership is set it is immutable for the session's lifetime. All
// three invariants are enforced by Session's own methods, not by callers.
type Session struct {
	Handle Handle

	mu          sync.Mutex
	membership  *Membership
	flags       SubscriptionFlags
	closed      bool
	Negotiation *negotiate.Negotiator
}

// New creates a Fresh session for a just-attached host handle.
func New(handle Handle, mc negotiate.MediaConnection) *Session {
	return &Session{
		Handle:      handle,
		Negotiation: negotiate.NewNegotiator(mc),
	}
}

// Join binds the session to a (room, user) pair exactly once. It reports
// false if the session was already joined or is closed.
func (s *Session) Join(room identity.RoomID, user identity.UserID, flags SubscriptionFlags) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.membership != nil {
		return false
	}
	s.membership = &Membership{Room: room, User: user}
	s.flags = flags
	return true
}

// Membership returns the session's (room, user) pair, if joined.
func (s *Session) Membership() (Membership, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.membership == nil {
		return Membership{}, false
	}
	return *s.membership, true
}

// Flags returns the subscription flags recorded at Join.
func (s *Session) Flags() SubscriptionFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// MarkClosed transitions the session to Closed. It is idempotent.
func (s *Session) MarkClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Negotiation.Close()
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
