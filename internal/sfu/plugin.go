// Package sfu composes the identifier registry, session table,
// switchboard, negotiator and signalling dispatcher into Core, the type
// that implements the host-plugin contract of spec.md §6. internal/sfu
// has no dependency on internal/transport; transport depends on it.
package sfu

import (
	"github.com/rs/zerolog/log"

	"github.com/wireloop/sfu/internal/sfu/forward"
	"github.com/wireloop/sfu/internal/sfu/identity"
	"github.com/wireloop/sfu/internal/sfu/negotiate"
	"github.com/wireloop/sfu/internal/sfu/session"
	"github.com/wireloop/sfu/internal/sfu/sfuerr"
	"github.com/wireloop/sfu/internal/sfu/signaling"
	"github.com/wireloop/sfu/internal/sfu/switchboard"
)

// Host is the full contract Core consumes from the host framework:
// non-blocking media/data relay plus signalling push, per spec.md §6.
// internal/transport implements it.
type Host interface {
	signaling.Pusher
	RelayRTP(handle session.Handle, isVideo bool, payload []byte) error
	RelayRTCP(handle session.Handle, isVideo bool, payload []byte) error
	RelayData(handle session.Handle, label, protocol string, isBinary bool, payload []byte) error
}

// Config holds the values spec.md §6 names in the INI configuration
// file that the core itself (as opposed to the transport layer) cares
// about.
type Config struct {
	MaxRoomSize int // 0 = unlimited
}

// Core is constructed once in cmd/server/main.go and threaded explicitly
// through the transport layer; there is no package-level singleton, per
// SPEC_FULL.md §9.
type Core struct {
	identity *identity.Registry
	table    *session.Table
	sb       *switchboard.Switchboard
	dispatch *signaling.Dispatcher
	forward  *forward.Forwarder
}

// New builds a Core. host is the transport layer's implementation of
// the Host contract; persister may be nil to disable block persistence.
func New(cfg Config, host Host, persister switchboard.BlockPersister) *Core {
	sb := switchboard.New(persister)
	sb.SetMaxRoomSize(cfg.MaxRoomSize)

	table := session.NewTable()
	reg := identity.NewRegistry()
	dispatch := signaling.NewDispatcher(reg, table, sb, host)
	fwd := forward.New(table, sb, host)

	return &Core{identity: reg, table: table, sb: sb, dispatch: dispatch, forward: fwd}
}

// IncomingRTP routes one inbound RTP packet per spec.md §4.6.
func (c *Core) IncomingRTP(handle session.Handle, isVideo bool, payload []byte) {
	c.forward.IncomingRTP(handle, isVideo, payload)
}

// IncomingRTCP routes feedback from handle back to publisherUser's live
// sessions, the reverse of the media direction.
func (c *Core) IncomingRTCP(handle session.Handle, publisherUser identity.UserID, isVideo bool, payload []byte) {
	c.forward.IncomingRTCP(handle, publisherUser, isVideo, payload)
}

// IncomingData routes one inbound SCTP/data-channel payload.
func (c *Core) IncomingData(handle session.Handle, label, protocol string, isBinary bool, payload []byte, addressee *identity.UserID) {
	c.forward.IncomingData(handle, label, protocol, isBinary, payload, addressee)
}

// RestoreBlocks replays a persisted block set loaded at startup.
func (c *Core) RestoreBlocks(pairs [][2]identity.UserID) {
	c.sb.RestoreBlocks(pairs)
}

// CreateSession registers a freshly attached host handle, backed by mc
// for SDP/ICE negotiation.
func (c *Core) CreateSession(handle session.Handle, mc negotiate.MediaConnection) {
	c.table.Insert(handle, mc)
	log.Info().Str("module", "sfu").Uint64("handle", uint64(handle)).Msg("session created")
}

// DestroySession runs the teardown sequence spec.md §5 mandates, in
// order: switchboard leave, negotiator cancellation, session table
// removal. The last step is what lets the host free the handle.
func (c *Core) DestroySession(handle session.Handle) {
	sess, release, ok := c.table.Lookup(handle)
	if !ok {
		return
	}
	c.dispatch.HandleLeave(sess)
	sess.Negotiation.Close()
	release()

	c.table.Remove(handle)
	log.Info().Str("module", "sfu").Uint64("handle", uint64(handle)).Msg("session destroyed")
}

// HandleMessage parses and dispatches one inbound control message,
// returning the immediate ack body per spec.md §6.
func (c *Core) HandleMessage(handle session.Handle, transactionID string, body []byte) []byte {
	return c.dispatch.Dispatch(handle, transactionID, body)
}

// HandleOffer applies a client-delivered SDP offer to handle's
// negotiator and returns the answer.
func (c *Core) HandleOffer(handle session.Handle, offer negotiate.SDP) (negotiate.SDP, error) {
	sess, release, ok := c.table.Lookup(handle)
	if !ok {
		return negotiate.SDP{}, sfuerr.ErrInternal
	}
	defer release()
	return sess.Negotiation.HandleOffer(offer)
}

// HandleAnswer applies a client-delivered SDP answer responding to a
// server-initiated offer.
func (c *Core) HandleAnswer(handle session.Handle, answer negotiate.SDP) error {
	sess, release, ok := c.table.Lookup(handle)
	if !ok {
		return sfuerr.ErrInternal
	}
	defer release()
	return sess.Negotiation.HandleAnswer(answer)
}

// HandleICECandidate applies or buffers one trickled remote candidate.
func (c *Core) HandleICECandidate(handle session.Handle, cand negotiate.ICECandidate) error {
	sess, release, ok := c.table.Lookup(handle)
	if !ok {
		return sfuerr.ErrInternal
	}
	defer release()
	return sess.Negotiation.AddICECandidate(cand)
}

// MembershipOf returns handle's (room, user) pair, if joined. The
// transport layer uses this to resolve which user an inbound RTP track
// belongs to, so it can later attribute a subscriber's RTCP feedback
// back to the right publisher.
func (c *Core) MembershipOf(handle session.Handle) (session.Membership, bool) {
	sess, release, ok := c.table.Lookup(handle)
	if !ok {
		return session.Membership{}, false
	}
	defer release()
	return sess.Membership()
}

// RenegotiateForNewTrack asks handle's negotiator for a fresh offer
// because the transport layer just attached a new outbound track (a
// publisher's stream became visible to this subscriber for the first
// time). Unlike the offer returned inline from a join/subscribe ack,
// this one arrives after the fact, so the caller must push it over the
// signalling channel rather than fold it into a reply.
func (c *Core) RenegotiateForNewTrack(handle session.Handle) (negotiate.SDP, bool, error) {
	sess, release, ok := c.table.Lookup(handle)
	if !ok {
		return negotiate.SDP{}, false, sfuerr.ErrInternal
	}
	defer release()
	return sess.Negotiation.OfferForNewTracks()
}
