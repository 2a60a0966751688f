// Package identity issues and validates the opaque user/room identifiers
// used throughout the SFU core.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// UserID is a self-asserted, process-wide-unique identifier for a peer.
// It is stable across a user's reconnects: the client sends it back on
// subsequent Joins.
type UserID uint64

// RoomID is an opaque identifier for a room.
type RoomID uint64

// Registry allocates fresh UserIDs on behalf of clients that join without
// asserting one of their own.
//
// IDs are a monotonic counter XORed against a random salt drawn once at
// process start, so sequentially-issued IDs don't look contiguous to a
// client. This exists purely to discourage client bugs that assume
// contiguity; it is not a security boundary.
type Registry struct {
	counter atomic.Uint64
	salt    uint64
}

// NewRegistry builds a registry with a fresh random salt.
func NewRegistry() *Registry {
	return &Registry{salt: randomSalt()}
}

// Allocate returns a fresh UserID. It never returns zero, so zero can be
// used as a sentinel "no user" value by callers that need one.
func (r *Registry) Allocate() UserID {
	n := r.counter.Add(1)
	return UserID(n ^ r.salt)
}

func randomSalt() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is catastrophic for the host process in
		// general; fall back to a fixed salt rather than panicking the
		// signalling thread that happens to allocate the first ID.
		return 0x9e3779b97f4a7c15
	}
	return binary.LittleEndian.Uint64(buf[:]) | 1
}
