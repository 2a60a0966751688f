package rtc

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wireloop/sfu/internal/sfu"
	"github.com/wireloop/sfu/internal/sfu/identity"
	"github.com/wireloop/sfu/internal/sfu/negotiate"
	"github.com/wireloop/sfu/internal/sfu/session"
)

// Manager owns one Connection per live session.Handle and implements
// forward.Relayer against them: it is the pion-backed translation of
// switchboard routing decisions into real RTP/RTCP/data sends.
type Manager struct {
	core    *sfu.Core
	onOffer func(session.Handle, negotiate.SDP)

	mu        sync.RWMutex
	conns     map[session.Handle]*Connection
	pumps     map[session.Handle]*errgroup.Group
	publisher map[webrtc.SSRC]identity.UserID // origin user of each inbound SSRC
}

// NewManager builds a Manager. onOffer is invoked whenever a new
// outbound track forces a server-initiated renegotiation; the transport
// layer wires it to push the offer over the signalling channel (there
// being no client request to fold it into an ack of). SetCore must be
// called with the sfu.Core before any connection is Attach-ed — core
// and its host form a reference cycle that can only be broken by
// constructing the host first and wiring core in afterwards.
func NewManager(onOffer func(session.Handle, negotiate.SDP)) *Manager {
	return &Manager{
		onOffer:   onOffer,
		conns:     make(map[session.Handle]*Connection),
		pumps:     make(map[session.Handle]*errgroup.Group),
		publisher: make(map[webrtc.SSRC]identity.UserID),
	}
}

// SetCore wires the routing core this Manager's pumps feed. See NewManager.
func (m *Manager) SetCore(core *sfu.Core) { m.core = core }

// Attach registers conn under handle and starts pumping its remote
// tracks into core.IncomingRTP once they arrive. ctx bounds the pumps'
// lifetime and should be cancelled no later than conn.Close().
func (m *Manager) Attach(ctx context.Context, handle session.Handle, conn *Connection) {
	m.mu.Lock()
	m.conns[handle] = conn
	group, _ := errgroup.WithContext(ctx)
	m.pumps[handle] = group
	m.mu.Unlock()

	conn.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		isVideo := track.Kind() == webrtc.RTPCodecTypeVideo
		if membership, ok := m.core.MembershipOf(handle); ok {
			m.mu.Lock()
			m.publisher[track.SSRC()] = membership.User
			m.mu.Unlock()
		}
		group.Go(func() error {
			m.pumpTrack(trackCtx, handle, track, isVideo)
			return nil
		})
	})

	conn.OnData(func(isBinary bool, payload []byte) {
		m.core.IncomingData(handle, "data", "", isBinary, payload, nil)
	})
}

// pumpTrack reads RTP off track until trackCtx is cancelled or the read
// fails, forwarding every packet into the routing core.
func (m *Manager) pumpTrack(ctx context.Context, handle session.Handle, track *webrtc.TrackRemote, isVideo bool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "rtc").Uint64("handle", uint64(handle)).Msg("inbound track read ended")
			return
		}
		payload, err := pkt.Marshal()
		if err != nil {
			continue
		}
		m.core.IncomingRTP(handle, isVideo, payload)
	}
}

// Detach waits for handle's track pumps to drain (Connection.Close must
// already have cancelled their context) and drops its bookkeeping. Call
// after core.DestroySession so no further routing decisions reference
// the handle.
func (m *Manager) Detach(handle session.Handle) {
	m.mu.Lock()
	group, ok := m.pumps[handle]
	delete(m.pumps, handle)
	delete(m.conns, handle)
	m.mu.Unlock()
	if ok {
		_ = group.Wait()
	}
}

// RelayRTP implements forward.Relayer: it ensures target has an
// outbound track for this packet's SSRC (creating one, and kicking off
// renegotiation, on first sight) and writes the packet to it.
func (m *Manager) RelayRTP(handle session.Handle, isVideo bool, payload []byte) error {
	m.mu.RLock()
	conn, ok := m.conns[handle]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(payload); err != nil {
		return err
	}

	entry, created, err := conn.ensureOutboundTrack(webrtc.SSRC(pkt.SSRC), isVideo)
	if err != nil {
		return err
	}
	if created {
		go m.renegotiate(handle)
		m.mu.RLock()
		publisherUser, known := m.publisher[webrtc.SSRC(pkt.SSRC)]
		m.mu.RUnlock()
		if known {
			go m.pumpSenderRTCP(handle, publisherUser, isVideo, entry.sender)
		}
	}
	if entry.ot.getState() == trackStateDelete {
		return nil
	}
	return entry.ot.track.WriteRTP(&pkt)
}

// pumpSenderRTCP reads receiver-report feedback the subscriber sends
// about one outbound track and routes it back to publisherUser's live
// sessions — spec.md's RTCP direction is the reverse of the media flow.
// It runs for the outbound sender's lifetime, ending when its track is
// removed (Read then returns io.EOF) or the PeerConnection closes.
func (m *Manager) pumpSenderRTCP(handle session.Handle, publisherUser identity.UserID, isVideo bool, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		m.core.IncomingRTCP(handle, publisherUser, isVideo, append([]byte(nil), buf[:n]...))
	}
}

// RelayRTCP implements forward.Relayer: it writes feedback addressed to
// whichever SSRC the payload concerns back out over target's
// connection.
func (m *Manager) RelayRTCP(handle session.Handle, _ bool, payload []byte) error {
	m.mu.RLock()
	conn, ok := m.conns[handle]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return conn.writeRTCP(payload)
}

// RelayData implements forward.Relayer: it writes payload over target's
// default outbound data channel.
func (m *Manager) RelayData(handle session.Handle, _ string, _ string, isBinary bool, payload []byte) error {
	m.mu.RLock()
	conn, ok := m.conns[handle]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return conn.sendData(isBinary, payload)
}

// renegotiate asks the core for a fresh offer on behalf of handle (a new
// outbound track just appeared) and pushes it, via onOffer, over the
// signalling channel — there is no ack to fold it into, since the
// triggering event was a packet arrival, not a client request.
func (m *Manager) renegotiate(handle session.Handle) {
	offer, ok, err := m.core.RenegotiateForNewTrack(handle)
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Uint64("handle", uint64(handle)).Msg("renegotiation offer failed")
		return
	}
	if !ok || m.onOffer == nil {
		return
	}
	m.onOffer(handle, offer)
}
