package forward

import (
	"sync"
	"testing"

	"github.com/wireloop/sfu/internal/sfu/identity"
	"github.com/wireloop/sfu/internal/sfu/negotiate"
	"github.com/wireloop/sfu/internal/sfu/session"
	"github.com/wireloop/sfu/internal/sfu/switchboard"
)

type fakeMediaConn struct{}

func (fakeMediaConn) CreateOffer() (negotiate.SDP, error)              { return negotiate.SDP{}, nil }
func (fakeMediaConn) CreateAnswer(negotiate.SDP) (negotiate.SDP, error) { return negotiate.SDP{}, nil }
func (fakeMediaConn) ApplyAnswer(negotiate.SDP) error                  { return nil }
func (fakeMediaConn) AddICECandidate(negotiate.ICECandidate) error     { return nil }
func (fakeMediaConn) Close()                                           {}

type rtpSend struct {
	handle  session.Handle
	isVideo bool
	payload []byte
}

type fakeHost struct {
	mu   sync.Mutex
	rtp  []rtpSend
	rtcp []rtpSend
	data []session.Handle
}

func (h *fakeHost) RelayRTP(handle session.Handle, isVideo bool, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rtp = append(h.rtp, rtpSend{handle, isVideo, payload})
	return nil
}

func (h *fakeHost) RelayRTCP(handle session.Handle, isVideo bool, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rtcp = append(h.rtcp, rtpSend{handle, isVideo, payload})
	return nil
}

func (h *fakeHost) RelayData(handle session.Handle, label, protocol string, isBinary bool, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = append(h.data, handle)
	return nil
}

func setup(t *testing.T) (*session.Table, *switchboard.Switchboard, *fakeHost, *Forwarder) {
	t.Helper()
	table := session.NewTable()
	sb := switchboard.New(nil)
	host := &fakeHost{}
	return table, sb, host, New(table, sb, host)
}

func join(t *testing.T, table *session.Table, sb *switchboard.Switchboard, handle session.Handle, room identity.RoomID, user identity.UserID, flags session.SubscriptionFlags) *session.Session {
	t.Helper()
	sess := table.Insert(handle, fakeMediaConn{})
	if _, err := sb.Join(sess, room, user, flags); err != nil {
		t.Fatalf("join: %v", err)
	}
	return sess
}

func TestIncomingRTPRoutesToSubscribers(t *testing.T) {
	table, sb, host, fwd := setup(t)
	room := identity.RoomID(1)
	pub := identity.UserID(1)
	sub := identity.UserID(2)

	join(t, table, sb, 1, room, pub, session.SubscriptionFlags{})
	subSess := join(t, table, sb, 2, room, sub, session.SubscriptionFlags{})
	sb.Subscribe(subSess.Handle, pub, session.Audio)

	fwd.IncomingRTP(1, false, []byte{0xDE, 0xAD})

	if len(host.rtp) != 1 || host.rtp[0].handle != 2 {
		t.Fatalf("expected one RTP send to handle 2, got %+v", host.rtp)
	}
	if host.rtp[0].payload[0] != 0xDE {
		t.Errorf("payload not preserved verbatim: %+v", host.rtp[0].payload)
	}
}

func TestIncomingRTPDropsIfSessionUnjoined(t *testing.T) {
	table, _, host, fwd := setup(t)
	table.Insert(1, fakeMediaConn{})

	fwd.IncomingRTP(1, false, []byte{1})
	if len(host.rtp) != 0 {
		t.Fatalf("expected no sends for unjoined session, got %+v", host.rtp)
	}
}

func TestIncomingRTPDropsIfHandleUnknown(t *testing.T) {
	_, _, host, fwd := setup(t)
	fwd.IncomingRTP(99, false, []byte{1})
	if len(host.rtp) != 0 {
		t.Fatalf("expected no sends for unknown handle, got %+v", host.rtp)
	}
}

func TestIncomingRTPSkipsClosedTarget(t *testing.T) {
	table, sb, host, fwd := setup(t)
	room := identity.RoomID(1)
	pub := identity.UserID(1)
	sub := identity.UserID(2)

	join(t, table, sb, 1, room, pub, session.SubscriptionFlags{})
	subSess := join(t, table, sb, 2, room, sub, session.SubscriptionFlags{})
	sb.Subscribe(subSess.Handle, pub, session.Audio)

	table.Remove(2)

	fwd.IncomingRTP(1, false, []byte{1})
	if len(host.rtp) != 0 {
		t.Fatalf("expected no sends to a closed target, got %+v", host.rtp)
	}
}

func TestIncomingRTCPGoesToPublisherReverseOfMediaDirection(t *testing.T) {
	table, sb, host, fwd := setup(t)
	room := identity.RoomID(1)
	pub := identity.UserID(1)
	sub := identity.UserID(2)

	pubSess := join(t, table, sb, 1, room, pub, session.SubscriptionFlags{})
	join(t, table, sb, 2, room, sub, session.SubscriptionFlags{})

	fwd.IncomingRTCP(2, pub, false, []byte{0xAA})

	if len(host.rtcp) != 1 || host.rtcp[0].handle != pubSess.Handle {
		t.Fatalf("expected RTCP routed back to publisher, got %+v", host.rtcp)
	}
}

func TestIncomingRTCPSuppressedByBlock(t *testing.T) {
	table, sb, host, fwd := setup(t)
	room := identity.RoomID(1)
	pub := identity.UserID(1)
	sub := identity.UserID(2)

	join(t, table, sb, 1, room, pub, session.SubscriptionFlags{})
	join(t, table, sb, 2, room, sub, session.SubscriptionFlags{})
	sb.Block(pub, sub)

	fwd.IncomingRTCP(2, pub, false, []byte{0xAA})
	if len(host.rtcp) != 0 {
		t.Fatalf("expected RTCP suppressed by block, got %+v", host.rtcp)
	}
}

func TestIncomingDataBroadcastAndAddressed(t *testing.T) {
	table, sb, host, fwd := setup(t)
	room := identity.RoomID(1)

	join(t, table, sb, 1, room, identity.UserID(1), session.SubscriptionFlags{})
	join(t, table, sb, 2, room, identity.UserID(2), session.SubscriptionFlags{ReceiveData: true})
	join(t, table, sb, 3, room, identity.UserID(3), session.SubscriptionFlags{ReceiveData: false})

	fwd.IncomingData(1, "chat", "text", false, []byte("hi"), nil)
	if len(host.data) != 1 || host.data[0] != session.Handle(2) {
		t.Fatalf("expected broadcast to reach only the ReceiveData subscriber, got %+v", host.data)
	}

	host.data = nil
	target := identity.UserID(3)
	fwd.IncomingData(1, "chat", "text", false, []byte("hi"), &target)
	if len(host.data) != 1 || host.data[0] != session.Handle(3) {
		t.Fatalf("expected addressed data to reach user 3 despite ReceiveData=false, got %+v", host.data)
	}
}
