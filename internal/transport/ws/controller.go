// Package ws is the gorilla/websocket signalling transport: one
// Controller per process, one connection and session.Handle per
// upgraded socket. It owns handle allocation, the per-connection
// read/write pumps, and the split between the three SDP/ICE negotiation
// message types and the "kind"-tagged control messages core.HandleMessage
// parses.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/wireloop/sfu/internal/sfu"
	"github.com/wireloop/sfu/internal/sfu/negotiate"
	"github.com/wireloop/sfu/internal/sfu/session"
	"github.com/wireloop/sfu/internal/transport/rtc"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller wires inbound websocket frames to a sfu.Core and pushes
// the core's asynchronous events and offers back out.
type Controller struct {
	core    *sfu.Core
	manager *rtc.Manager

	nextHandle atomic.Uint64

	mu    sync.RWMutex
	conns map[session.Handle]*wsConn
}

// NewController builds a Controller over manager, the rtc package's pion
// translation layer attached to every new connection so media routed by
// core reaches a real PeerConnection. SetCore must be called with the
// sfu.Core before HandleUpgrade serves any connection — Core and its
// Host form a reference cycle, broken by constructing the Host (this
// Controller plus its Manager) first and wiring Core in afterwards.
func NewController(manager *rtc.Manager) *Controller {
	return &Controller{manager: manager, conns: make(map[session.Handle]*wsConn)}
}

// SetCore wires the routing core this Controller dispatches frames to.
// See NewController.
func (ctl *Controller) SetCore(core *sfu.Core) { ctl.core = core }

// RelayRTP, RelayRTCP and RelayData delegate to manager, so Controller
// alone satisfies sfu.Host (signaling.Pusher plus the relay contract).
func (ctl *Controller) RelayRTP(handle session.Handle, isVideo bool, payload []byte) error {
	return ctl.manager.RelayRTP(handle, isVideo, payload)
}

func (ctl *Controller) RelayRTCP(handle session.Handle, isVideo bool, payload []byte) error {
	return ctl.manager.RelayRTCP(handle, isVideo, payload)
}

func (ctl *Controller) RelayData(handle session.Handle, label, protocol string, isBinary bool, payload []byte) error {
	return ctl.manager.RelayData(handle, label, protocol, isBinary, payload)
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) trySend(b []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		log.Warn().Str("module", "ws").Msg("send channel full, dropping frame")
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// HandleUpgrade upgrades the HTTP request to a websocket, attaches a
// fresh RTC connection and session.Handle, and starts the read/write
// pumps. It returns once the connection is fully torn down.
func (ctl *Controller) HandleUpgrade(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("upgrade failed")
		return
	}

	handle := session.Handle(ctl.nextHandle.Add(1))
	log.Info().Str("module", "ws").Uint64("handle", uint64(handle)).Msg("connection upgraded")

	mc, err := rtc.New(rtc.DefaultWebRTCConfig(), handle)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("peer connection setup failed")
		_ = ws.Close()
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	wc := &wsConn{conn: ws, send: make(chan []byte, 32)}

	ctl.mu.Lock()
	ctl.conns[handle] = wc
	ctl.mu.Unlock()

	mc.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		ctl.sendCandidate(handle, cand)
	})
	mc.OnClosed(func() {
		cancel()
	})
	mc.Start(connCtx)
	ctl.manager.Attach(connCtx, handle, mc)

	ctl.core.CreateSession(handle, mc)

	go ctl.writePump(connCtx, wc)
	ctl.readPump(connCtx, handle, wc)

	cancel()
	ctl.core.DestroySession(handle)
	ctl.manager.Detach(handle)
	ctl.mu.Lock()
	delete(ctl.conns, handle)
	ctl.mu.Unlock()
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "ws").Msg("write failed")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, handle session.Handle, c *wsConn) {
	defer c.close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		ctl.handleFrame(handle, data)
	}
}

// inboundEnvelope captures every field any inbound frame might carry.
// negotiation frames (offer/answer/candidate) are handled here directly;
// everything else is forwarded to core.HandleMessage verbatim.
type inboundEnvelope struct {
	Kind          string  `json:"kind"`
	TransactionID string  `json:"transaction_id"`
	SDP           string  `json:"sdp"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

func (ctl *Controller) handleFrame(handle session.Handle, data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "ws").Msg("malformed frame")
		return
	}

	switch env.Kind {
	case "offer":
		answer, err := ctl.core.HandleOffer(handle, negotiate.SDP{Type: "offer", Body: env.SDP})
		if err != nil {
			log.Warn().Err(err).Str("module", "ws").Msg("offer rejected")
			return
		}
		ctl.send(handle, mustMarshal(struct {
			Kind string `json:"kind"`
			SDP  string `json:"sdp"`
		}{Kind: "answer", SDP: answer.Body}))
	case "answer":
		if err := ctl.core.HandleAnswer(handle, negotiate.SDP{Type: "answer", Body: env.SDP}); err != nil {
			log.Warn().Err(err).Str("module", "ws").Msg("answer rejected")
		}
	case "candidate":
		cand := negotiate.ICECandidate{Candidate: env.Candidate, SDPMid: env.SDPMid, SDPMLineIndex: env.SDPMLineIndex}
		if err := ctl.core.HandleICECandidate(handle, cand); err != nil {
			log.Warn().Err(err).Str("module", "ws").Msg("candidate rejected")
		}
	default:
		ctl.send(handle, ctl.core.HandleMessage(handle, env.TransactionID, data))
	}
}

func (ctl *Controller) sendCandidate(handle session.Handle, cand webrtc.ICECandidateInit) {
	ctl.send(handle, mustMarshal(struct {
		Kind          string  `json:"kind"`
		Candidate     string  `json:"candidate"`
		SDPMid        *string `json:"sdpMid,omitempty"`
		SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	}{Kind: "candidate", Candidate: cand.Candidate, SDPMid: cand.SDPMid, SDPMLineIndex: cand.SDPMLineIndex}))
}

func (ctl *Controller) send(handle session.Handle, body []byte) {
	ctl.mu.RLock()
	c, ok := ctl.conns[handle]
	ctl.mu.RUnlock()
	if !ok || body == nil {
		return
	}
	c.trySend(body)
}

// PushEvent implements signaling.Pusher: asynchronous join/leave/
// blocked/unblocked/data events, with jsep merged into the event body
// when present. Renegotiation offers from rtc.Manager go out through
// PushOffer instead.
func (ctl *Controller) PushEvent(handle session.Handle, _ string, body []byte, jsep *negotiate.SDP) {
	if jsep != nil {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(body, &m); err == nil {
			if raw, err := json.Marshal(jsep); err == nil {
				m["jsep"] = raw
				if merged, err := json.Marshal(m); err == nil {
					body = merged
				}
			}
		}
	}
	ctl.send(handle, body)
}

// PushOffer is wired as rtc.Manager's onOffer hook: a subscription
// routed a new publisher track to handle, forcing a server-initiated
// renegotiation with no client request to fold the offer into.
func (ctl *Controller) PushOffer(handle session.Handle, offer negotiate.SDP) {
	ctl.send(handle, mustMarshal(struct {
		Kind string        `json:"kind"`
		Jsep negotiate.SDP `json:"jsep"`
	}{Kind: "offer", Jsep: offer}))
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("marshal failed")
		return nil
	}
	return b
}
