// Package forward implements the hot packet-forwarding path of spec.md
// §4.6: for every host-delivered RTP/RTCP/data packet, look up the
// sending session, consult the switchboard's routing tables, and hand
// the packet to the host's non-blocking send primitive — never buffer,
// never block on I/O, never touch a session the table has dropped.
package forward

import (
	"github.com/rs/zerolog/log"

	"github.com/wireloop/sfu/internal/sfu/identity"
	"github.com/wireloop/sfu/internal/sfu/session"
	"github.com/wireloop/sfu/internal/sfu/switchboard"
)

// Relayer is the subset of the host plugin contract (spec.md §6) the
// forwarding path calls into: relay_rtp/relay_rtcp/relay_data, all
// required to be non-blocking sends.
type Relayer interface {
	RelayRTP(handle session.Handle, isVideo bool, payload []byte) error
	RelayRTCP(handle session.Handle, isVideo bool, payload []byte) error
	RelayData(handle session.Handle, label, protocol string, isBinary bool, payload []byte) error
}

// Forwarder is stateless beyond its references to the shared session
// table and switchboard; it holds no per-packet buffering.
type Forwarder struct {
	table *session.Table
	sb    *switchboard.Switchboard
	host  Relayer
}

// New builds a forwarder over the shared session table, switchboard and
// host relay sink.
func New(table *session.Table, sb *switchboard.Switchboard, host Relayer) *Forwarder {
	return &Forwarder{table: table, sb: sb, host: host}
}

// IncomingRTP routes one inbound RTP packet from handle to every
// subscriber of (handle's user, kind) in the same room, preserving the
// payload bytes verbatim (marker/seq/timestamp are encoded in them and
// this path never touches them).
func (f *Forwarder) IncomingRTP(handle session.Handle, isVideo bool, payload []byte) {
	sess, release, ok := f.table.Lookup(handle)
	if !ok {
		return
	}
	defer release()

	m, joined := sess.Membership()
	if !joined {
		return
	}

	kind := session.Audio
	if isVideo {
		kind = session.Video
	}
	if !f.sb.ClaimPublisher(handle, m.Room, m.User, kind) {
		// Another session already holds the publisher role for this
		// (room, user, kind); spec.md §8 makes that role exclusive, so a
		// losing claimant's packets are dropped rather than routed.
		return
	}

	for _, target := range f.sb.RouteMedia(handle, m.Room, m.User, kind) {
		f.sendToTarget(target, func(h session.Handle) error {
			return f.host.RelayRTP(h, isVideo, payload)
		})
	}
}

// IncomingRTCP routes feedback from a subscriber session back to the
// live sessions of publisherUser — the reverse of the media direction,
// per spec.md §4.6. The transport layer is responsible for resolving
// publisherUser from the packet's SSRC and for the sender-report vs
// receiver-report distinction (spec.md §9 Open Question (b)): by the
// time a packet reaches here it has already been decided that it should
// be forwarded.
func (f *Forwarder) IncomingRTCP(senderHandle session.Handle, publisherUser identity.UserID, isVideo bool, payload []byte) {
	sess, release, ok := f.table.Lookup(senderHandle)
	if !ok {
		return
	}
	defer release()

	m, joined := sess.Membership()
	if !joined {
		return
	}
	if f.sb.Blocked(m.User, publisherUser) {
		return
	}

	for _, target := range f.sb.HandlesOfUser(m.Room, publisherUser) {
		f.sendToTarget(target, func(h session.Handle) error {
			return f.host.RelayRTCP(h, isVideo, payload)
		})
	}
}

// IncomingData routes one inbound SCTP/data-channel payload from handle
// via switchboard.RouteData: broadcast to the room's data-receiving,
// non-blocked sessions if addressee is nil, or targeted at one user's
// sessions otherwise.
func (f *Forwarder) IncomingData(handle session.Handle, label, protocol string, isBinary bool, payload []byte, addressee *identity.UserID) {
	sess, release, ok := f.table.Lookup(handle)
	if !ok {
		return
	}
	defer release()

	m, joined := sess.Membership()
	if !joined {
		return
	}

	for _, target := range f.sb.RouteData(handle, m.Room, m.User, addressee) {
		f.sendToTarget(target, func(h session.Handle) error {
			return f.host.RelayData(h, label, protocol, isBinary, payload)
		})
	}
}

// sendToTarget re-looks-up target (never trusting a handle returned by
// an earlier switchboard snapshot) and drops the send if the session has
// since closed, satisfying spec.md §4.6 step 4.
func (f *Forwarder) sendToTarget(target session.Handle, send func(session.Handle) error) {
	sess, release, ok := f.table.Lookup(target)
	if !ok {
		return
	}
	defer release()
	if sess.Closed() {
		return
	}
	if err := send(target); err != nil {
		log.Debug().Err(err).Str("module", "forward").Uint64("handle", uint64(target)).Msg("relay send failed")
	}
}
