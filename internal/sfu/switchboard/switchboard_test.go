package switchboard

import (
	"errors"
	"testing"

	"github.com/wireloop/sfu/internal/sfu/identity"
	"github.com/wireloop/sfu/internal/sfu/negotiate"
	"github.com/wireloop/sfu/internal/sfu/session"
	"github.com/wireloop/sfu/internal/sfu/sfuerr"
)

type fakeMediaConn struct{}

func (fakeMediaConn) CreateOffer() (negotiate.SDP, error)            { return negotiate.SDP{}, nil }
func (fakeMediaConn) CreateAnswer(negotiate.SDP) (negotiate.SDP, error) { return negotiate.SDP{}, nil }
func (fakeMediaConn) ApplyAnswer(negotiate.SDP) error                { return nil }
func (fakeMediaConn) AddICECandidate(negotiate.ICECandidate) error   { return nil }
func (fakeMediaConn) Close()                                         {}

func newTestSession(handle session.Handle) *session.Session {
	return session.New(handle, fakeMediaConn{})
}

func TestJoinRejectsDuplicateUserIDInRoom(t *testing.T) {
	sb := New(nil)
	room := identity.RoomID(1)
	user := identity.UserID(100)

	first := newTestSession(1)
	if _, err := sb.Join(first, room, user, session.SubscriptionFlags{}); err != nil {
		t.Fatalf("first join: unexpected error: %v", err)
	}

	second := newTestSession(2)
	_, err := sb.Join(second, room, user, session.SubscriptionFlags{})
	if !errors.Is(err, sfuerr.ErrUserIDConflict) {
		t.Fatalf("second join: got %v, want ErrUserIDConflict", err)
	}

	// The rejected join must not have perturbed existing state: the
	// second session stays unjoined and the room still shows one user.
	if _, joined := second.Membership(); joined {
		t.Errorf("rejected session should not be joined")
	}
	users := sb.UsersInRoom(room)
	if len(users) != 1 || users[0] != user {
		t.Errorf("room membership perturbed by rejected join: got %v", users)
	}
}

func TestJoinRejectsReplayFromSameSession(t *testing.T) {
	sb := New(nil)
	room := identity.RoomID(1)
	sess := newTestSession(1)

	if _, err := sb.Join(sess, room, identity.UserID(1), session.SubscriptionFlags{}); err != nil {
		t.Fatalf("first join: unexpected error: %v", err)
	}
	if _, err := sb.Join(sess, room, identity.UserID(2), session.SubscriptionFlags{}); !errors.Is(err, sfuerr.ErrAlreadyJoined) {
		t.Fatalf("replayed join: got %v, want ErrAlreadyJoined", err)
	}
}

func TestJoinReturnsOtherUsersPresent(t *testing.T) {
	sb := New(nil)
	room := identity.RoomID(7)

	a := newTestSession(1)
	if _, err := sb.Join(a, room, identity.UserID(1), session.SubscriptionFlags{}); err != nil {
		t.Fatalf("join a: %v", err)
	}
	b := newTestSession(2)
	others, err := sb.Join(b, room, identity.UserID(2), session.SubscriptionFlags{})
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if len(others) != 1 || others[0] != identity.UserID(1) {
		t.Fatalf("join b should see user 1 present, got %v", others)
	}
}

func TestLeaveLastSessionOfUserNotifiesObservers(t *testing.T) {
	sb := New(nil)
	room := identity.RoomID(1)

	observer := newTestSession(1)
	if _, err := sb.Join(observer, room, identity.UserID(1), session.SubscriptionFlags{Notify: true}); err != nil {
		t.Fatalf("join observer: %v", err)
	}
	leaving := newTestSession(2)
	if _, err := sb.Join(leaving, room, identity.UserID(2), session.SubscriptionFlags{}); err != nil {
		t.Fatalf("join leaving: %v", err)
	}

	res, ok := sb.Leave(leaving)
	if !ok {
		t.Fatalf("leave: expected ok")
	}
	if !res.UserFullyLeft {
		t.Fatalf("expected UserFullyLeft=true")
	}
	if len(res.NotifyHandles) != 1 || res.NotifyHandles[0] != observer.Handle {
		t.Fatalf("expected observer handle notified, got %v", res.NotifyHandles)
	}
}

func TestLeaveKeepsUserPresentWithAnotherLiveSession(t *testing.T) {
	sb := New(nil)
	room := identity.RoomID(1)
	user := identity.UserID(1)

	s1 := newTestSession(1)
	s2 := newTestSession(2)
	if _, err := sb.Join(s1, room, user, session.SubscriptionFlags{}); err != nil {
		t.Fatalf("join s1: %v", err)
	}
	if _, err := sb.Join(s2, room, user, session.SubscriptionFlags{}); err != nil {
		t.Fatalf("join s2: %v", err)
	}

	res, ok := sb.Leave(s1)
	if !ok {
		t.Fatalf("leave: expected ok")
	}
	if res.UserFullyLeft {
		t.Fatalf("user still has a live session; UserFullyLeft should be false")
	}
	users := sb.UsersInRoom(room)
	if len(users) != 1 || users[0] != user {
		t.Fatalf("user should remain in room, got %v", users)
	}
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	sb := New(nil)
	room := identity.RoomID(1)
	pub := identity.UserID(1)
	sub := identity.UserID(2)

	pubSess := newTestSession(1)
	subSess := newTestSession(2)
	if _, err := sb.Join(pubSess, room, pub, session.SubscriptionFlags{}); err != nil {
		t.Fatalf("join pub: %v", err)
	}
	if _, err := sb.Join(subSess, room, sub, session.SubscriptionFlags{}); err != nil {
		t.Fatalf("join sub: %v", err)
	}

	if added := sb.Subscribe(subSess.Handle, pub, session.Audio); !added {
		t.Fatalf("expected new subscription")
	}
	if added := sb.Subscribe(subSess.Handle, pub, session.Audio); added {
		t.Fatalf("subscribe should be idempotent, not re-added")
	}

	targets := sb.RouteMedia(pubSess.Handle, room, pub, session.Audio)
	if len(targets) != 1 || targets[0] != subSess.Handle {
		t.Fatalf("expected subscriber routed to, got %v", targets)
	}

	if err := sb.Unsubscribe(subSess.Handle, pub, session.Audio); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	// Round trip: after subscribe+unsubscribe, routing sees no targets
	// again — state is restored to pre-subscribe.
	targets = sb.RouteMedia(pubSess.Handle, room, pub, session.Audio)
	if len(targets) != 0 {
		t.Fatalf("expected no targets after unsubscribe, got %v", targets)
	}
}

func TestUnsubscribeRequiresExactMatch(t *testing.T) {
	sb := New(nil)
	room := identity.RoomID(1)
	pub := identity.UserID(1)
	sub := identity.UserID(2)

	pubSess := newTestSession(1)
	subSess := newTestSession(2)
	sb.Join(pubSess, room, pub, session.SubscriptionFlags{})
	sb.Join(subSess, room, sub, session.SubscriptionFlags{})
	sb.Subscribe(subSess.Handle, pub, session.Audio)

	// Unsubscribing a kind mask that was never subscribed must fail
	// rather than being reinterpreted as a partial/bitwise removal.
	err := sb.Unsubscribe(subSess.Handle, pub, session.Audio|session.Video)
	if !errors.Is(err, sfuerr.ErrSubscriptionMismatch) {
		t.Fatalf("got %v, want ErrSubscriptionMismatch", err)
	}

	// The mismatched call must not have perturbed the real subscription.
	targets := sb.RouteMedia(pubSess.Handle, room, pub, session.Audio)
	if len(targets) != 1 {
		t.Fatalf("subscription should be unaffected by mismatched unsubscribe, got %v", targets)
	}
}

func TestBlockSuppressesRouting(t *testing.T) {
	sb := New(nil)
	room := identity.RoomID(1)
	pub := identity.UserID(1)
	sub := identity.UserID(2)

	pubSess := newTestSession(1)
	subSess := newTestSession(2)
	sb.Join(pubSess, room, pub, session.SubscriptionFlags{})
	sb.Join(subSess, room, sub, session.SubscriptionFlags{})
	sb.Subscribe(subSess.Handle, pub, session.Audio)

	if _, err := sb.Block(sub, pub); err != nil {
		t.Fatalf("block: %v", err)
	}
	targets := sb.RouteMedia(pubSess.Handle, room, pub, session.Audio)
	if len(targets) != 0 {
		t.Fatalf("blocked subscriber should not be routed to, got %v", targets)
	}

	// Round trip: block+unblock restores the original routing.
	if _, err := sb.Unblock(sub, pub); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	targets = sb.RouteMedia(pubSess.Handle, room, pub, session.Audio)
	if len(targets) != 1 || targets[0] != subSess.Handle {
		t.Fatalf("expected routing restored after unblock, got %v", targets)
	}
}

func TestBlockIsSymmetric(t *testing.T) {
	sb := New(nil)
	room := identity.RoomID(1)
	a := identity.UserID(1)
	b := identity.UserID(2)

	aSess := newTestSession(1)
	bSess := newTestSession(2)
	sb.Join(aSess, room, a, session.SubscriptionFlags{})
	sb.Join(bSess, room, b, session.SubscriptionFlags{})

	// a subscribes to b's audio, b blocks a: routing must be suppressed
	// even though the subscription runs in the opposite direction of
	// the block.
	sb.Subscribe(aSess.Handle, b, session.Audio)
	sb.Block(b, a)

	targets := sb.RouteMedia(bSess.Handle, room, b, session.Audio)
	if len(targets) != 0 {
		t.Fatalf("block should suppress routing regardless of direction, got %v", targets)
	}
}

func TestBlockRejectsSelf(t *testing.T) {
	sb := New(nil)
	if _, err := sb.Block(identity.UserID(1), identity.UserID(1)); !errors.Is(err, sfuerr.ErrMalformedMessage) {
		t.Fatalf("got %v, want ErrMalformedMessage", err)
	}
}

func TestClaimPublisherIsExclusive(t *testing.T) {
	sb := New(nil)
	room := identity.RoomID(1)
	user := identity.UserID(1)

	if !sb.ClaimPublisher(1, room, user, session.Audio) {
		t.Fatalf("first claim should succeed")
	}
	if !sb.ClaimPublisher(1, room, user, session.Audio) {
		t.Fatalf("re-claiming by the same handle should succeed")
	}
	if sb.ClaimPublisher(2, room, user, session.Audio) {
		t.Fatalf("a different handle must not be able to claim the same (room, user, kind)")
	}
}

func TestRouteDataAddressedVsBroadcast(t *testing.T) {
	sb := New(nil)
	room := identity.RoomID(1)

	sender := newTestSession(1)
	recv1 := newTestSession(2)
	recv2 := newTestSession(3)
	sb.Join(sender, room, identity.UserID(1), session.SubscriptionFlags{})
	sb.Join(recv1, room, identity.UserID(2), session.SubscriptionFlags{ReceiveData: true})
	sb.Join(recv2, room, identity.UserID(3), session.SubscriptionFlags{ReceiveData: false})

	broadcast := sb.RouteData(sender.Handle, room, identity.UserID(1), nil)
	if len(broadcast) != 1 || broadcast[0] != recv1.Handle {
		t.Fatalf("broadcast should reach only ReceiveData subscribers, got %v", broadcast)
	}

	target := identity.UserID(3)
	addressed := sb.RouteData(sender.Handle, room, identity.UserID(1), &target)
	if len(addressed) != 1 || addressed[0] != recv2.Handle {
		t.Fatalf("addressed data should bypass ReceiveData flag, got %v", addressed)
	}
}
