// Package switchboard is the routing fabric of the SFU core: room
// membership, subscription edges, the block relation, and the hot
// media/data routing lookups the forwarding path calls on every packet.
package switchboard

import (
	"sync"

	"github.com/wireloop/sfu/internal/sfu/identity"
	"github.com/wireloop/sfu/internal/sfu/session"
	"github.com/wireloop/sfu/internal/sfu/sfuerr"
)

// edge is the value side of the subscription bidiMultimap: a subscriber
// session is associated with one edge per (publisher user, content kind)
// it wants delivered.
type edge struct {
	User identity.UserID
	Kind session.ContentKind
}

type pubKey struct {
	Room identity.RoomID
	User identity.UserID
	Kind session.ContentKind
}

// roomState is the per-room membership: which users are present, and
// through which handles, plus the subscription flags recorded at Join.
type roomState struct {
	users map[identity.UserID]map[session.Handle]session.SubscriptionFlags
}

func newRoomState() *roomState {
	return &roomState{users: make(map[identity.UserID]map[session.Handle]session.SubscriptionFlags)}
}

func (r *roomState) empty() bool { return len(r.users) == 0 }

// Switchboard holds all routing state. A single RWMutex serializes every
// mutation (Join/Leave/Subscribe/Unsubscribe/Block/Unblock) against every
// read (the forwarding path's RouteMedia/RouteData); this is deliberate
// per spec.md §5 — block-set and subscription-edge mutation share one
// exclusive guard so the forward and reverse indices never tear relative
// to each other.
type Switchboard struct {
	mu sync.RWMutex

	rooms map[identity.RoomID]*roomState
	// byUser indexes every joined handle by user, across all rooms, so
	// block/unblock notifications and data addressee lookups don't need
	// to scan every room.
	byUser map[identity.UserID]map[session.Handle]identity.RoomID
	// handleUser is byUser's reverse: which user a given handle belongs
	// to, so the forwarding path (RouteMedia) resolves a subscriber's
	// owning user in O(1) instead of scanning the publisher's room —
	// spec.md §4.3 requires O(subscribers-of-publisher), never a
	// whole-room scan.
	handleUser map[session.Handle]identity.UserID

	subs        *bidiMultimap[session.Handle, edge]
	blocks      *bidiMultimap[identity.UserID, identity.UserID]
	publisherOf map[pubKey]session.Handle

	persist     BlockPersister // optional, nil if block persistence is disabled
	maxRoomSize int            // 0 means unlimited, per spec.md's max_room_size default
}

// BlockPersister is implemented by internal/sfu/switchboard/persist.go's
// FilePersister; kept as an interface here so Switchboard has no direct
// file-system dependency.
type BlockPersister interface {
	Save(pairs [][2]identity.UserID) error
}

// New builds an empty switchboard. persister may be nil to disable block
// persistence.
func New(persister BlockPersister) *Switchboard {
	return &Switchboard{
		rooms:       make(map[identity.RoomID]*roomState),
		byUser:      make(map[identity.UserID]map[session.Handle]identity.RoomID),
		handleUser:  make(map[session.Handle]identity.UserID),
		subs:        newBidiMultimap[session.Handle, edge](),
		blocks:      newBidiMultimap[identity.UserID, identity.UserID](),
		publisherOf: make(map[pubKey]session.Handle),
		persist:     persister,
	}
}

// SetMaxRoomSize configures the max_room_size limit (0 = unlimited).
// Joins that would exceed it are rejected with sfuerr.ErrRoomFull.
func (sb *Switchboard) SetMaxRoomSize(n int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.maxRoomSize = n
}

// userPresentInRoomLocked reports whether any handle is already
// registered for user in room. Caller must hold mu.
func (sb *Switchboard) userPresentInRoomLocked(room identity.RoomID, user identity.UserID) bool {
	r, ok := sb.rooms[room]
	if !ok {
		return false
	}
	handles, ok := r.users[user]
	return ok && len(handles) > 0
}

// Join atomically adds the session to the room, records its subscription
// flags, and returns the other users already present. The whole check
// (user-id conflict) + mutation happens under one exclusive critical
// section so a racing second Join for the same user sees a consistent
// decision and never perturbs the first session's state.
func (sb *Switchboard) Join(sess *session.Session, room identity.RoomID, user identity.UserID, flags session.SubscriptionFlags) ([]identity.UserID, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.userPresentInRoomLocked(room, user) {
		return nil, sfuerr.ErrUserIDConflict
	}
	if r, ok := sb.rooms[room]; ok && sb.maxRoomSize > 0 && len(r.users) >= sb.maxRoomSize {
		return nil, sfuerr.ErrRoomFull
	}
	if !sess.Join(room, user, flags) {
		return nil, sfuerr.ErrAlreadyJoined
	}

	r, ok := sb.rooms[room]
	if !ok {
		r = newRoomState()
		sb.rooms[room] = r
	}
	if r.users[user] == nil {
		r.users[user] = make(map[session.Handle]session.SubscriptionFlags)
	}
	r.users[user][sess.Handle] = flags

	if sb.byUser[user] == nil {
		sb.byUser[user] = make(map[session.Handle]identity.RoomID)
	}
	sb.byUser[user][sess.Handle] = room
	sb.handleUser[sess.Handle] = user

	others := make([]identity.UserID, 0, len(r.users))
	for u := range r.users {
		if u != user {
			others = append(others, u)
		}
	}
	return others, nil
}

// LeaveResult reports what a Leave changed, for the caller to decide
// whether a "leave" event needs to go out and to whom.
type LeaveResult struct {
	Room           identity.RoomID
	User           identity.UserID
	UserFullyLeft  bool
	NotifyHandles  []session.Handle
}

// Leave removes the session's membership and every subscription edge it
// held as a subscriber. If this was the last session of the user in the
// room, UserFullyLeft is true and NotifyHandles lists the notify-enabled
// observers remaining in the room.
func (sb *Switchboard) Leave(sess *session.Session) (LeaveResult, bool) {
	m, joined := sess.Membership()
	if !joined {
		return LeaveResult{}, false
	}
	handle := sess.Handle

	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.subs.removeKey(handle)
	for k, h := range sb.publisherOf {
		if h == handle {
			delete(sb.publisherOf, k)
		}
	}

	res := LeaveResult{Room: m.Room, User: m.User}

	r, ok := sb.rooms[m.Room]
	if ok {
		if handles, ok := r.users[m.User]; ok {
			delete(handles, handle)
			if len(handles) == 0 {
				delete(r.users, m.User)
				res.UserFullyLeft = true
			}
		}
		if r.empty() {
			delete(sb.rooms, m.Room)
		}
	}

	if handles, ok := sb.byUser[m.User]; ok {
		delete(handles, handle)
		if len(handles) == 0 {
			delete(sb.byUser, m.User)
		}
	}
	delete(sb.handleUser, handle)

	if res.UserFullyLeft {
		res.NotifyHandles = sb.notifyTargetsLocked(m.Room, m.User)
	}
	return res, true
}

// notifyTargetsLocked collects the handles of sessions in room (other
// than excludeUser's own) that asked to be notified. Caller must hold mu.
func (sb *Switchboard) notifyTargetsLocked(room identity.RoomID, excludeUser identity.UserID) []session.Handle {
	r, ok := sb.rooms[room]
	if !ok {
		return nil
	}
	var out []session.Handle
	for u, handles := range r.users {
		if u == excludeUser {
			continue
		}
		for h, flags := range handles {
			if flags.Notify {
				out = append(out, h)
			}
		}
	}
	return out
}

// NotifyTargets returns the notify-enabled handles in room other than
// excludeUser's own sessions. Used by the signalling dispatcher to fan
// out join events after composing its ack, per spec.md §4.3's ordering
// obligation (leave targets come from Leave, blocked/unblocked targets
// from Block/Unblock).
func (sb *Switchboard) NotifyTargets(room identity.RoomID, excludeUser identity.UserID) []session.Handle {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.notifyTargetsLocked(room, excludeUser)
}

// Subscribe adds the (subscriber, publisher-user, kind) edge. It reports
// whether the edge is new (false if it already existed — subscribe is
// idempotent, not an error).
func (sb *Switchboard) Subscribe(subscriber session.Handle, publisher identity.UserID, kind session.ContentKind) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	e := edge{User: publisher, Kind: kind}
	if sb.subs.has(subscriber, e) {
		return false
	}
	sb.subs.associate(subscriber, e)
	return true
}

// Unsubscribe removes an existing (subscriber, publisher-user, kind)
// edge. Per spec.md §9, the match must be exact: unsubscribing with a
// kind mask that doesn't correspond to an existing edge is rejected
// rather than reinterpreted as a bitwise removal.
func (sb *Switchboard) Unsubscribe(subscriber session.Handle, publisher identity.UserID, kind session.ContentKind) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	e := edge{User: publisher, Kind: kind}
	if !sb.subs.has(subscriber, e) {
		return sfuerr.ErrSubscriptionMismatch
	}
	sb.subs.disassociate(subscriber, e)
	return nil
}

// Block establishes a block from blocker against blocked and returns the
// handles of any live sessions of the blocked user (to notify). Blocking
// oneself is rejected as malformed.
func (sb *Switchboard) Block(blocker, blocked identity.UserID) ([]session.Handle, error) {
	if blocker == blocked {
		return nil, sfuerr.ErrMalformedMessage
	}
	sb.mu.Lock()
	sb.blocks.associate(blocker, blocked)
	handles := sb.liveHandlesOfUserLocked(blocked)
	pairs := sb.blockPairsLocked()
	sb.mu.Unlock()

	if sb.persist != nil {
		if err := sb.persist.Save(pairs); err != nil {
			return handles, err
		}
	}
	return handles, nil
}

// Unblock lifts a previously established block and returns the handles
// of any live sessions of the blocked user (to notify).
func (sb *Switchboard) Unblock(blocker, blocked identity.UserID) ([]session.Handle, error) {
	sb.mu.Lock()
	sb.blocks.disassociate(blocker, blocked)
	handles := sb.liveHandlesOfUserLocked(blocked)
	pairs := sb.blockPairsLocked()
	sb.mu.Unlock()

	if sb.persist != nil {
		if err := sb.persist.Save(pairs); err != nil {
			return handles, err
		}
	}
	return handles, nil
}

func (sb *Switchboard) blockPairsLocked() [][2]identity.UserID {
	var pairs [][2]identity.UserID
	for blocker, miscreants := range sb.blocks.forward {
		for miscreant := range miscreants {
			pairs = append(pairs, [2]identity.UserID{blocker, miscreant})
		}
	}
	return pairs
}

// RestoreBlocks replays a persisted block set (e.g. loaded at startup)
// without touching persistence again.
func (sb *Switchboard) RestoreBlocks(pairs [][2]identity.UserID) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, p := range pairs {
		sb.blocks.associate(p[0], p[1])
	}
}

// Blocked reports whether a and b block each other in either direction.
func (sb *Switchboard) Blocked(a, b identity.UserID) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.mutuallyBlockedLocked(a, b)
}

// mutuallyBlockedLocked reports whether a and b block each other in
// either direction. Caller must hold mu (read or write).
func (sb *Switchboard) mutuallyBlockedLocked(a, b identity.UserID) bool {
	return sb.blocks.has(a, b) || sb.blocks.has(b, a)
}

func (sb *Switchboard) liveHandlesOfUserLocked(user identity.UserID) []session.Handle {
	handles := sb.byUser[user]
	out := make([]session.Handle, 0, len(handles))
	for h := range handles {
		out = append(out, h)
	}
	return out
}

// HandlesOfUser returns the live handles for user in room; the
// forwarding path uses it to send RTCP feedback back to a publisher.
func (sb *Switchboard) HandlesOfUser(room identity.RoomID, user identity.UserID) []session.Handle {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	r, ok := sb.rooms[room]
	if !ok {
		return nil
	}
	handles := r.users[user]
	out := make([]session.Handle, 0, len(handles))
	for h := range handles {
		out = append(out, h)
	}
	return out
}

// UsersInRoom lists the users currently resident in room.
func (sb *Switchboard) UsersInRoom(room identity.RoomID) []identity.UserID {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	r, ok := sb.rooms[room]
	if !ok {
		return nil
	}
	out := make([]identity.UserID, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	return out
}

// Rooms lists every room with at least one occupant.
func (sb *Switchboard) Rooms() []identity.RoomID {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make([]identity.RoomID, 0, len(sb.rooms))
	for r := range sb.rooms {
		out = append(out, r)
	}
	return out
}

// ClaimPublisher registers handle as the publisher of (room, user, kind)
// if no one else already holds that role, enforcing the invariant that
// at most one session per (room, user) publishes a given content kind.
// It reports true if handle now holds (or already held) the role.
//
// Called on every inbound RTP packet, so the already-claimed case (every
// packet after a publisher's first) takes only the RLock the rest of the
// forwarding path already contends on; the exclusive Lock is paid for
// exactly once per (room, user, kind), on the first packet.
func (sb *Switchboard) ClaimPublisher(handle session.Handle, room identity.RoomID, user identity.UserID, kind session.ContentKind) bool {
	k := pubKey{Room: room, User: user, Kind: kind}

	sb.mu.RLock()
	existing, ok := sb.publisherOf[k]
	sb.mu.RUnlock()
	if ok {
		return existing == handle
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if existing, ok := sb.publisherOf[k]; ok {
		return existing == handle
	}
	sb.publisherOf[k] = handle
	return true
}

// RouteMedia computes the O(subscribers-of-this-publisher-for-this-kind)
// target set for a media packet from publisherHandle, which must already
// be joined to a room. It never scans the whole room.
func (sb *Switchboard) RouteMedia(publisherHandle session.Handle, publisherRoom identity.RoomID, publisherUser identity.UserID, kind session.ContentKind) []session.Handle {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	r, ok := sb.rooms[publisherRoom]
	if !ok {
		return nil
	}

	e := edge{User: publisherUser, Kind: kind}
	subscribers := sb.subs.keysFor(e)
	out := make([]session.Handle, 0, len(subscribers))
	for _, sub := range subscribers {
		subUser, ok := sb.handleUser[sub]
		if !ok {
			// Subscriber has no live membership at all; the edge survives
			// but doesn't currently route anywhere.
			continue
		}
		if _, present := r.users[subUser][sub]; !present {
			// Subscriber isn't (or is no longer) in the publisher's room.
			continue
		}
		if sb.mutuallyBlockedLocked(publisherUser, subUser) {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// RouteData computes the data-channel fan-out for a packet from
// senderHandle. If addressee is nil, it targets every other session in
// the room with ReceiveData set that isn't mutually blocked; otherwise
// it targets only sessions belonging to *addressee.
func (sb *Switchboard) RouteData(senderHandle session.Handle, senderRoom identity.RoomID, senderUser identity.UserID, addressee *identity.UserID) []session.Handle {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	r, ok := sb.rooms[senderRoom]
	if !ok {
		return nil
	}

	if addressee != nil {
		if sb.mutuallyBlockedLocked(senderUser, *addressee) {
			return nil
		}
		handles := r.users[*addressee]
		out := make([]session.Handle, 0, len(handles))
		for h := range handles {
			if h == senderHandle {
				continue
			}
			out = append(out, h)
		}
		return out
	}

	var out []session.Handle
	for u, handles := range r.users {
		if sb.mutuallyBlockedLocked(senderUser, u) {
			continue
		}
		for h, flags := range handles {
			if h == senderHandle || !flags.ReceiveData {
				continue
			}
			out = append(out, h)
		}
	}
	return out
}
