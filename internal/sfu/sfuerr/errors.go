// Package sfuerr holds the sentinel errors shared across the SFU core,
// so callers (the signalling dispatcher, the transport layer) can branch
// on error identity with errors.Is instead of string matching.
package sfuerr

import "errors"

var (
	// ErrMalformedMessage is returned when an inbound signalling message
	// fails to parse into any known shape.
	ErrMalformedMessage = errors.New("sfu: malformed message")

	// ErrUnknownKind is returned when a message parses but its "kind"
	// field doesn't match any operation the dispatcher understands.
	ErrUnknownKind = errors.New("sfu: unknown message kind")

	// ErrAlreadyJoined is returned when Join is attempted on a session
	// that has already bound to a room.
	ErrAlreadyJoined = errors.New("sfu: session already joined")

	// ErrUserIDConflict is returned when a Join names a UserId already
	// live in the target room under a different session.
	ErrUserIDConflict = errors.New("sfu: user id already live in room")

	// ErrNotInRoom is returned when an operation that requires room
	// membership (subscribe, block, data) is attempted by a session that
	// hasn't joined.
	ErrNotInRoom = errors.New("sfu: session has not joined a room")

	// ErrSubscriptionMismatch is returned when Unsubscribe names an edge
	// that doesn't exactly match a live subscription.
	ErrSubscriptionMismatch = errors.New("sfu: no matching subscription")

	// ErrInternal wraps unexpected failures (a transport callback
	// erroring, a negotiation failure) that don't fit a protocol error.
	ErrInternal = errors.New("sfu: internal error")

	// ErrRoomFull is returned when a Join would exceed the configured
	// max_room_size.
	ErrRoomFull = errors.New("sfu: room is full")
)
