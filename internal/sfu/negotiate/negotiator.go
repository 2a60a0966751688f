// Package negotiate implements the per-session SDP/ICE offer-answer state
// machine described in spec.md §4.4, programmed against a narrow
// MediaConnection interface so it is unit-testable without a real
// ICE/DTLS stack.
package negotiate

import (
	"errors"
	"sync"
)

// State is the negotiation state of one session's RTC connection.
type State int

const (
	// Fresh: no SDP exchanged yet.
	Fresh State = iota
	// OfferSent: we sent an offer (client-initiated or server-initiated
	// renegotiation) and are waiting for an answer.
	OfferSent
	// Established: a full offer/answer exchange has completed.
	Established
	// Closed: the session is gone; no further transitions are possible.
	Closed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case OfferSent:
		return "offer-sent"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by any operation attempted against a Closed
// negotiator.
var ErrClosed = errors.New("negotiate: session closed")

// ICECandidate is the host-agnostic shape of a trickled ICE candidate. An
// empty Candidate denotes end-of-candidates and is forwarded as-is.
type ICECandidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// SDP is a minimal session description: its type ("offer"/"answer") and
// body. Kept as a plain struct (rather than depending on pion's type)
// so this package has zero dependency on the transport layer.
type SDP struct {
	Type string
	Body string
}

// MediaConnection is the subset of a real WebRTC peer connection the
// negotiator drives. internal/transport/rtc provides the pion-backed
// implementation; tests provide a fake.
type MediaConnection interface {
	// CreateOffer composes a fresh local offer and sets it as the local
	// description, returning the finished SDP (after ICE gathering, if
	// the implementation waits for it).
	CreateOffer() (SDP, error)
	// CreateAnswer applies a remote offer and composes a local answer.
	CreateAnswer(remote SDP) (SDP, error)
	// ApplyAnswer applies a remote answer to a previously-sent local offer.
	ApplyAnswer(remote SDP) error
	// AddICECandidate applies one trickled remote candidate.
	AddICECandidate(ICECandidate) error
	// Close tears down the underlying connection.
	Close()
}

// Negotiator is the per-session state machine. All mutation is serialized
// by mu, confining negotiation transitions to a single goroutine at a
// time regardless of which thread (signalling or forwarding-triggered
// renegotiation) drives them.
type Negotiator struct {
	mu    sync.Mutex
	state State
	mc    MediaConnection

	// iceBuffer holds candidates received before a remote description is
	// installed; flushed in arrival order once one is set.
	iceBuffer     []ICECandidate
	remoteDescSet bool
	tracksPending bool // true once an offer is outstanding whose purpose was adding subscriber tracks
}

// NewNegotiator builds a Fresh negotiator over the given connection.
func NewNegotiator(mc MediaConnection) *Negotiator {
	return &Negotiator{state: Fresh, mc: mc}
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// HandleOffer processes a client-delivered SDP offer, replying with an
// answer. Accepted in every state except Closed (Fresh, a re-offer from
// Established, or an offer crossing one of ours in OfferSent) and always
// ends in Established; idempotent against retries of the same state.
func (n *Negotiator) HandleOffer(offer SDP) (SDP, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Closed {
		return SDP{}, ErrClosed
	}
	answer, err := n.mc.CreateAnswer(offer)
	if err != nil {
		return SDP{}, err
	}
	n.state = Established
	n.remoteDescSet = true
	n.flushICELocked()
	return answer, nil
}

// HandleAnswer processes a client-delivered SDP answer responding to a
// server-initiated offer. The state machine accepts it in every state
// except Closed; whether the answer fits is left to the MediaConnection,
// whose error is returned unchanged.
func (n *Negotiator) HandleAnswer(answer SDP) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Closed {
		return ErrClosed
	}
	if err := n.mc.ApplyAnswer(answer); err != nil {
		return err
	}
	n.state = Established
	n.remoteDescSet = true
	n.tracksPending = false
	n.flushICELocked()
	return nil
}

// OfferForNewTracks initiates a server-to-client offer because new media
// (subscriber tracks) needs to be described. It is a no-op, returning
// ok=false, if an offer is already outstanding — renegotiation coalesces
// rather than stacking retries.
func (n *Negotiator) OfferForNewTracks() (offer SDP, ok bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Closed {
		return SDP{}, false, ErrClosed
	}
	if n.state == OfferSent {
		// Already renegotiating; the in-flight offer will pick up any
		// tracks added since it started once the next offer/answer round
		// is requested.
		return SDP{}, false, nil
	}
	offer, err = n.mc.CreateOffer()
	if err != nil {
		return SDP{}, false, err
	}
	n.state = OfferSent
	n.tracksPending = true
	return offer, true, nil
}

// AddICECandidate applies a trickled candidate immediately if a remote
// description has been installed, otherwise buffers it for replay once
// one is.
func (n *Negotiator) AddICECandidate(c ICECandidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Closed {
		return ErrClosed
	}
	if !n.remoteDescSet {
		n.iceBuffer = append(n.iceBuffer, c)
		return nil
	}
	return n.mc.AddICECandidate(c)
}

// flushICELocked replays buffered candidates in arrival order. Caller
// must hold mu.
func (n *Negotiator) flushICELocked() {
	buffered := n.iceBuffer
	n.iceBuffer = nil
	for _, c := range buffered {
		// Errors here are logged by the caller's transport layer via the
		// MediaConnection implementation; the state machine itself has
		// no logger and must not swallow the candidate silently, but it
		// also can't abort a flush partway through without losing the
		// rest, so it best-efforts the remainder.
		_ = n.mc.AddICECandidate(c)
	}
}

// Close transitions to Closed from any state and drops buffered ICE
// candidates. Idempotent.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.state == Closed {
		n.mu.Unlock()
		return
	}
	n.state = Closed
	n.iceBuffer = nil
	mc := n.mc
	n.mu.Unlock()
	mc.Close()
}
