// Package rtc adapts pion/webrtc's PeerConnection to the narrow
// negotiate.MediaConnection interface internal/sfu/negotiate drives, and
// owns real RTP/RTCP termination for the forwarding path.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/wireloop/sfu/internal/sfu/negotiate"
	"github.com/wireloop/sfu/internal/sfu/session"
)

// DefaultWebRTCConfig mirrors the teacher's STUN-only configuration; a
// production deployment would add TURN credentials here.
func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Connection wraps one pion PeerConnection for one session.Handle and
// implements negotiate.MediaConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	handle session.Handle
	cancel context.CancelFunc

	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed func()
	onData   func(isBinary bool, payload []byte)

	outMu     sync.Mutex
	outTracks map[webrtc.SSRC]*outboundTrack
	dataOut   *webrtc.DataChannel
}

// outboundTrack pairs a subscriber-facing local track with the sender
// pion hands back from AddTrack, so RTCP read off that sender can later
// be attributed to the right track.
type outboundTrack struct {
	ot     *outTrack
	sender *webrtc.RTPSender
}

// New creates a PeerConnection for handle using cfg and opens its one
// default outbound data channel, used for broadcast and addressed data
// routed through switchboard.RouteData.
func New(cfg webrtc.Configuration, handle session.Handle) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	dc, err := pc.CreateDataChannel("data", nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtc: create data channel: %w", err)
	}
	c := &Connection{pc: pc, handle: handle, outTracks: make(map[webrtc.SSRC]*outboundTrack), dataOut: dc}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.onData != nil {
			c.onData(!msg.IsString, msg.Data)
		}
	})
	return c, nil
}

// Start wires the PeerConnection's event callbacks. ctx bounds the
// connection's lifetime; it is cancelled when ICE fails/closes.
func (c *Connection) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Uint64("handle", uint64(c.handle)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected || s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Uint64("handle", uint64(c.handle)).Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			if c.onClosed != nil {
				c.onClosed()
			}
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").Uint64("handle", uint64(c.handle)).
			Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		if c.onTrack != nil {
			c.onTrack(ctx, track, receiver)
		}
	})
}

// CreateOffer composes a fresh local offer (server-initiated
// renegotiation, e.g. for new subscriber tracks) and waits for ICE
// gathering to complete before returning it.
func (c *Connection) CreateOffer() (negotiate.SDP, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return negotiate.SDP{}, fmt.Errorf("rtc: create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return negotiate.SDP{}, fmt.Errorf("rtc: set local description: %w", err)
	}
	<-gatherComplete
	local := c.pc.LocalDescription()
	return negotiate.SDP{Type: local.Type.String(), Body: local.SDP}, nil
}

// CreateAnswer applies a client-delivered offer and composes the answer.
func (c *Connection) CreateAnswer(remote negotiate.SDP) (negotiate.SDP, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remote.Body}); err != nil {
		return negotiate.SDP{}, fmt.Errorf("rtc: set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return negotiate.SDP{}, fmt.Errorf("rtc: create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return negotiate.SDP{}, fmt.Errorf("rtc: set local description: %w", err)
	}
	<-gatherComplete
	local := c.pc.LocalDescription()
	return negotiate.SDP{Type: local.Type.String(), Body: local.SDP}, nil
}

// ApplyAnswer applies a client-delivered answer to a previously sent
// server offer.
func (c *Connection) ApplyAnswer(remote negotiate.SDP) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remote.Body}); err != nil {
		return fmt.Errorf("rtc: set remote description: %w", err)
	}
	return nil
}

// AddICECandidate applies one trickled remote candidate. A nil/empty
// Candidate denotes end-of-candidates, forwarded to pion as-is.
func (c *Connection) AddICECandidate(cand negotiate.ICECandidate) error {
	init := webrtc.ICECandidateInit{Candidate: cand.Candidate, SDPMid: cand.SDPMid, SDPMLineIndex: cand.SDPMLineIndex}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("rtc: add ice candidate: %w", err)
	}
	return nil
}

// Close tears down the underlying PeerConnection.
func (c *Connection) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		log.Error().Err(err).Str("module", "rtc").Uint64("handle", uint64(c.handle)).Msg("close error")
	}
}

// AddLocalTrack attaches a local static RTP track for a subscriber's
// receive-only stream.
func (c *Connection) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("rtc: add track: %w", err)
	}
	return sender, nil
}

// OnICECandidate registers the callback invoked for each locally
// gathered ICE candidate (to trickle to the remote peer).
func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

// OnTrack registers the callback invoked when the remote peer adds a
// track (this session is publishing).
func (c *Connection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

// OnClosed registers the callback invoked once the connection is torn
// down, so the caller can run session cleanup.
func (c *Connection) OnClosed(fn func()) { c.onClosed = fn }

// OnData registers the callback invoked for each inbound message on the
// connection's default data channel.
func (c *Connection) OnData(fn func(isBinary bool, payload []byte)) { c.onData = fn }

// ensureOutboundTrack returns the local track this connection forwards
// ssrc's packets over, creating (and AddTrack-ing) one on first sight of
// that SSRC. created reports whether this call did the creating, so the
// caller knows whether a renegotiation is now due.
func (c *Connection) ensureOutboundTrack(ssrc webrtc.SSRC, isVideo bool) (*outboundTrack, bool, error) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if ot, ok := c.outTracks[ssrc]; ok {
		return ot, false, nil
	}
	mime := webrtc.MimeTypeOpus
	if isVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, fmt.Sprintf("track-%d", ssrc), fmt.Sprintf("relay-%d", c.handle))
	if err != nil {
		return nil, false, fmt.Errorf("rtc: new local track: %w", err)
	}
	sender, err := c.pc.AddTrack(local)
	if err != nil {
		return nil, false, fmt.Errorf("rtc: add track: %w", err)
	}
	entry := &outboundTrack{ot: newOutTrack(local), sender: sender}
	c.outTracks[ssrc] = entry
	return entry, true, nil
}

// dropOutboundTrack marks ssrc's track as deleted; RelayRTP then skips
// writes to it. The track stays in outTracks and attached to the
// PeerConnection, so its m-line is not removed.
func (c *Connection) dropOutboundTrack(ssrc webrtc.SSRC) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if ot, ok := c.outTracks[ssrc]; ok {
		ot.ot.markDelete()
	}
}

// writeRTCP sends a raw RTCP payload (already addressed to whichever
// SSRC it concerns) back out over this connection.
func (c *Connection) writeRTCP(payload []byte) error {
	pkts, err := rtcp.Unmarshal(payload)
	if err != nil {
		return fmt.Errorf("rtc: unmarshal rtcp: %w", err)
	}
	return c.pc.WriteRTCP(pkts)
}

// sendData writes a payload over the connection's default outbound data
// channel, if it is open.
func (c *Connection) sendData(isBinary bool, payload []byte) error {
	if c.dataOut.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	if isBinary {
		return c.dataOut.Send(payload)
	}
	return c.dataOut.SendText(string(payload))
}
