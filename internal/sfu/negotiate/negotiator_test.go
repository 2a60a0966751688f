package negotiate

import (
	"errors"
	"testing"
)

// fakeConn is a hand-written MediaConnection fake: it records every call
// and lets a test script canned return values, the same shape as
// internal/sfu/forward's fakeMediaConn but with enough state to assert
// on call order and arguments.
type fakeConn struct {
	offers    int
	answers   []SDP // remote offers passed to CreateAnswer
	appliedAt []SDP // remote answers passed to ApplyAnswer
	ice       []ICECandidate

	createOfferErr  error
	createAnswerErr error
	applyAnswerErr  error
	addICEErr       error

	closed bool
}

func (f *fakeConn) CreateOffer() (SDP, error) {
	f.offers++
	if f.createOfferErr != nil {
		return SDP{}, f.createOfferErr
	}
	return SDP{Type: "offer", Body: "offer-body"}, nil
}

func (f *fakeConn) CreateAnswer(remote SDP) (SDP, error) {
	f.answers = append(f.answers, remote)
	if f.createAnswerErr != nil {
		return SDP{}, f.createAnswerErr
	}
	return SDP{Type: "answer", Body: "answer-body"}, nil
}

func (f *fakeConn) ApplyAnswer(remote SDP) error {
	f.appliedAt = append(f.appliedAt, remote)
	return f.applyAnswerErr
}

func (f *fakeConn) AddICECandidate(c ICECandidate) error {
	f.ice = append(f.ice, c)
	return f.addICEErr
}

func (f *fakeConn) Close() { f.closed = true }

func TestNegotiatorHandleOfferTransitionsFreshToEstablished(t *testing.T) {
	mc := &fakeConn{}
	n := NewNegotiator(mc)

	if got := n.State(); got != Fresh {
		t.Fatalf("initial state = %v, want Fresh", got)
	}

	answer, err := n.HandleOffer(SDP{Type: "offer", Body: "client-offer"})
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if answer.Body != "answer-body" {
		t.Errorf("answer = %+v, want body answer-body", answer)
	}
	if n.State() != Established {
		t.Errorf("state = %v, want Established", n.State())
	}
	if len(mc.answers) != 1 || mc.answers[0].Body != "client-offer" {
		t.Errorf("CreateAnswer called with %+v, want the client offer", mc.answers)
	}
}

func TestNegotiatorHandleOfferReOfferFromEstablished(t *testing.T) {
	mc := &fakeConn{}
	n := NewNegotiator(mc)
	if _, err := n.HandleOffer(SDP{Body: "first"}); err != nil {
		t.Fatalf("first HandleOffer: %v", err)
	}
	if _, err := n.HandleOffer(SDP{Body: "second"}); err != nil {
		t.Fatalf("re-offer from Established: %v", err)
	}
	if n.State() != Established {
		t.Errorf("state after re-offer = %v, want Established", n.State())
	}
	if len(mc.answers) != 2 {
		t.Errorf("expected two CreateAnswer calls, got %d", len(mc.answers))
	}
}

func TestNegotiatorOfferForNewTracksFromFresh(t *testing.T) {
	mc := &fakeConn{}
	n := NewNegotiator(mc)

	offer, ok, err := n.OfferForNewTracks()
	if err != nil {
		t.Fatalf("OfferForNewTracks: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for the first renegotiation offer")
	}
	if offer.Body != "offer-body" {
		t.Errorf("offer = %+v", offer)
	}
	if n.State() != OfferSent {
		t.Errorf("state = %v, want OfferSent", n.State())
	}
}

func TestNegotiatorOfferForNewTracksCoalescesWhileOfferSent(t *testing.T) {
	mc := &fakeConn{}
	n := NewNegotiator(mc)

	if _, ok, err := n.OfferForNewTracks(); err != nil || !ok {
		t.Fatalf("first OfferForNewTracks: ok=%v err=%v", ok, err)
	}
	// A second request arrives (e.g. another new outbound track) while the
	// first offer is still outstanding; it must not stack a second
	// CreateOffer call or perturb the state.
	offer, ok, err := n.OfferForNewTracks()
	if err != nil {
		t.Fatalf("second OfferForNewTracks: %v", err)
	}
	if ok {
		t.Error("expected ok=false: renegotiation should coalesce, not stack")
	}
	if offer != (SDP{}) {
		t.Errorf("expected zero-value SDP on coalesced call, got %+v", offer)
	}
	if mc.offers != 1 {
		t.Errorf("CreateOffer called %d times, want 1", mc.offers)
	}
	if n.State() != OfferSent {
		t.Errorf("state = %v, want OfferSent", n.State())
	}
}

func TestNegotiatorHandleAnswerFromOfferSent(t *testing.T) {
	mc := &fakeConn{}
	n := NewNegotiator(mc)
	if _, _, err := n.OfferForNewTracks(); err != nil {
		t.Fatalf("OfferForNewTracks: %v", err)
	}

	if err := n.HandleAnswer(SDP{Body: "client-answer"}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if n.State() != Established {
		t.Errorf("state = %v, want Established", n.State())
	}
	if len(mc.appliedAt) != 1 || mc.appliedAt[0].Body != "client-answer" {
		t.Errorf("ApplyAnswer called with %+v", mc.appliedAt)
	}

	// A subsequent renegotiation request must be allowed again now that
	// the prior round completed.
	if _, ok, err := n.OfferForNewTracks(); err != nil || !ok {
		t.Errorf("renegotiation after Established: ok=%v err=%v", ok, err)
	}
}

func TestNegotiatorICEBufferedUntilRemoteDescriptionSet(t *testing.T) {
	mc := &fakeConn{}
	n := NewNegotiator(mc)

	c1 := ICECandidate{Candidate: "cand-1"}
	c2 := ICECandidate{Candidate: "cand-2"}
	c3 := ICECandidate{Candidate: "cand-3"}

	if err := n.AddICECandidate(c1); err != nil {
		t.Fatalf("AddICECandidate c1: %v", err)
	}
	if err := n.AddICECandidate(c2); err != nil {
		t.Fatalf("AddICECandidate c2: %v", err)
	}
	if len(mc.ice) != 0 {
		t.Fatalf("expected candidates buffered before remote description, mc.ice = %+v", mc.ice)
	}

	// HandleOffer installs a remote description and must flush the
	// buffer, in arrival order, before returning.
	if _, err := n.HandleOffer(SDP{Body: "offer"}); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if len(mc.ice) != 2 || mc.ice[0] != c1 || mc.ice[1] != c2 {
		t.Fatalf("flushed ICE = %+v, want [c1, c2] in order", mc.ice)
	}

	// Once a remote description is set, further candidates apply
	// immediately rather than buffering.
	if err := n.AddICECandidate(c3); err != nil {
		t.Fatalf("AddICECandidate c3: %v", err)
	}
	if len(mc.ice) != 3 || mc.ice[2] != c3 {
		t.Fatalf("expected c3 applied immediately, mc.ice = %+v", mc.ice)
	}
}

func TestNegotiatorICEBufferFlushedByHandleAnswer(t *testing.T) {
	mc := &fakeConn{}
	n := NewNegotiator(mc)

	if _, _, err := n.OfferForNewTracks(); err != nil {
		t.Fatalf("OfferForNewTracks: %v", err)
	}
	c1 := ICECandidate{Candidate: "cand-1"}
	if err := n.AddICECandidate(c1); err != nil {
		t.Fatalf("AddICECandidate: %v", err)
	}
	if len(mc.ice) != 0 {
		t.Fatalf("expected candidate buffered before an answer installs a remote description")
	}

	if err := n.HandleAnswer(SDP{Body: "answer"}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if len(mc.ice) != 1 || mc.ice[0] != c1 {
		t.Fatalf("flushed ICE = %+v, want [c1]", mc.ice)
	}
}

func TestNegotiatorCloseIsTerminalAndIdempotent(t *testing.T) {
	mc := &fakeConn{}
	n := NewNegotiator(mc)
	_ = n.AddICECandidate(ICECandidate{Candidate: "buffered"})

	n.Close()
	if !mc.closed {
		t.Fatal("expected underlying MediaConnection.Close to be called")
	}
	if n.State() != Closed {
		t.Errorf("state = %v, want Closed", n.State())
	}

	// Idempotent: a second Close must not call mc.Close() again or panic.
	mc.closed = false
	n.Close()
	if mc.closed {
		t.Error("second Close should be a no-op, not re-close the connection")
	}

	if _, err := n.HandleOffer(SDP{}); !errors.Is(err, ErrClosed) {
		t.Errorf("HandleOffer on closed negotiator: err = %v, want ErrClosed", err)
	}
	if err := n.HandleAnswer(SDP{}); !errors.Is(err, ErrClosed) {
		t.Errorf("HandleAnswer on closed negotiator: err = %v, want ErrClosed", err)
	}
	if _, _, err := n.OfferForNewTracks(); !errors.Is(err, ErrClosed) {
		t.Errorf("OfferForNewTracks on closed negotiator: err = %v, want ErrClosed", err)
	}
	if err := n.AddICECandidate(ICECandidate{}); !errors.Is(err, ErrClosed) {
		t.Errorf("AddICECandidate on closed negotiator: err = %v, want ErrClosed", err)
	}
}
