package signaling

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/wireloop/sfu/internal/sfu/identity"
	"github.com/wireloop/sfu/internal/sfu/negotiate"
	"github.com/wireloop/sfu/internal/sfu/session"
	"github.com/wireloop/sfu/internal/sfu/sfuerr"
	"github.com/wireloop/sfu/internal/sfu/switchboard"
)

// Pusher is the host-side sink for asynchronous signalling events; the
// transport layer implements it over the real signalling channel
// (push_event in spec.md §6).
type Pusher interface {
	PushEvent(handle session.Handle, transactionID string, body []byte, jsep *negotiate.SDP)
}

// Dispatcher parses and routes inbound control messages per spec.md
// §4.5. It is reentrant: concurrent Dispatch calls for different
// handles never block each other beyond the switchboard's own guard.
type Dispatcher struct {
	registry *identity.Registry
	table    *session.Table
	sb       *switchboard.Switchboard
	pusher   Pusher
}

// NewDispatcher wires the dispatcher to the core's shared state.
func NewDispatcher(registry *identity.Registry, table *session.Table, sb *switchboard.Switchboard, pusher Pusher) *Dispatcher {
	return &Dispatcher{registry: registry, table: table, sb: sb, pusher: pusher}
}

// Dispatch handles one inbound message for handle and returns the
// immediate ack body. Asynchronous events triggered by the side effects
// (join/leave/blocked/unblocked notifications) are pushed via Pusher
// after the ack has been composed, never before.
func (d *Dispatcher) Dispatch(handle session.Handle, transactionID string, body []byte) []byte {
	msg, err := Parse(body)
	if err != nil {
		return errorReply(transactionID, err)
	}

	sess, release, ok := d.table.Lookup(handle)
	if !ok {
		return errorReply(transactionID, sfuerr.ErrInternal)
	}
	defer release()

	switch msg.Kind {
	case KindJoin:
		return d.handleJoin(sess, transactionID, msg.Join)
	case KindSubscribe:
		return d.handleSubscribe(sess, transactionID, msg.Subscribe)
	case KindUnsubscribe:
		return d.handleUnsubscribe(sess, transactionID, msg.Unsubscribe)
	case KindBlock:
		return d.handleBlock(sess, transactionID, msg.Block)
	case KindUnblock:
		return d.handleUnblock(sess, transactionID, msg.Unblock)
	case KindData:
		return d.handleData(sess, transactionID, msg.Data)
	case KindListRooms:
		return d.handleListRooms(transactionID)
	case KindListUsers:
		return d.handleListUsers(transactionID, msg.ListUsers)
	default:
		return errorReply(transactionID, sfuerr.ErrUnknownKind)
	}
}

func (d *Dispatcher) handleJoin(sess *session.Session, txID string, p *JoinPayload) []byte {
	if p == nil {
		return errorReply(txID, sfuerr.ErrMalformedMessage)
	}
	user := d.registry.Allocate()
	if p.UserID != nil {
		user = *p.UserID
	}
	var flags session.SubscriptionFlags
	if p.Subscribe != nil {
		flags = session.SubscriptionFlags{Notify: p.Subscribe.Notifications, ReceiveData: p.Subscribe.ReceiveData}
	}

	others, err := d.sb.Join(sess, p.RoomID, user, flags)
	if err != nil {
		return errorReply(txID, err)
	}

	var jsepOut *negotiate.SDP
	if p.Subscribe != nil && p.Subscribe.Media != nil {
		kind := p.Subscribe.Kind
		if kind == 0 {
			kind = session.AllKinds
		}
		d.sb.Subscribe(sess.Handle, *p.Subscribe.Media, kind)
		if kind.Has(session.Audio) || kind.Has(session.Video) {
			if offer, ok, err := sess.Negotiation.OfferForNewTracks(); err == nil && ok {
				jsepOut = &offer
			} else if err != nil {
				log.Warn().Err(err).Str("module", "signaling").Msg("renegotiation offer failed after join")
			}
		}
	}

	allUsers := append(others, user)
	resp, _ := json.Marshal(struct {
		Users map[identity.RoomID][]identity.UserID `json:"users"`
	}{Users: map[identity.RoomID][]identity.UserID{p.RoomID: allUsers}})

	ack := successReply(txID, resp, jsepOut)

	// The join notification to other notify-enabled occupants is fanned
	// out only after the above ack has been composed, per spec.md §4.3.
	d.fanOutEvent(p.RoomID, user, Event{Event: EventJoin, UserID: user, RoomID: p.RoomID})

	return ack
}

func (d *Dispatcher) handleSubscribe(sess *session.Session, txID string, p *SubscribePayload) []byte {
	if p == nil {
		return errorReply(txID, sfuerr.ErrMalformedMessage)
	}
	if _, joined := sess.Membership(); !joined {
		return errorReply(txID, sfuerr.ErrNotInRoom)
	}
	d.sb.Subscribe(sess.Handle, p.Media, p.Kind)

	var jsepOut *negotiate.SDP
	if p.Kind.Has(session.Audio) || p.Kind.Has(session.Video) {
		if offer, ok, err := sess.Negotiation.OfferForNewTracks(); err == nil && ok {
			jsepOut = &offer
		}
	}
	return successReply(txID, nil, jsepOut)
}

func (d *Dispatcher) handleUnsubscribe(sess *session.Session, txID string, p *SubscribePayload) []byte {
	if p == nil {
		return errorReply(txID, sfuerr.ErrMalformedMessage)
	}
	if _, joined := sess.Membership(); !joined {
		return errorReply(txID, sfuerr.ErrNotInRoom)
	}
	if err := d.sb.Unsubscribe(sess.Handle, p.Media, p.Kind); err != nil {
		return errorReply(txID, err)
	}
	return successReply(txID, nil, nil)
}

func (d *Dispatcher) handleBlock(sess *session.Session, txID string, p *BlockPayload) []byte {
	if p == nil {
		return errorReply(txID, sfuerr.ErrMalformedMessage)
	}
	m, joined := sess.Membership()
	if !joined {
		return errorReply(txID, sfuerr.ErrNotInRoom)
	}
	targets, err := d.sb.Block(m.User, p.UserID)
	if err != nil {
		return errorReply(txID, err)
	}
	ack := successReply(txID, nil, nil)
	d.pushToHandles(targets, Event{Event: EventBlocked, UserID: m.User, RoomID: m.Room})
	return ack
}

func (d *Dispatcher) handleUnblock(sess *session.Session, txID string, p *BlockPayload) []byte {
	if p == nil {
		return errorReply(txID, sfuerr.ErrMalformedMessage)
	}
	m, joined := sess.Membership()
	if !joined {
		return errorReply(txID, sfuerr.ErrNotInRoom)
	}
	targets, err := d.sb.Unblock(m.User, p.UserID)
	if err != nil {
		return errorReply(txID, err)
	}
	ack := successReply(txID, nil, nil)
	d.pushToHandles(targets, Event{Event: EventUnblocked, UserID: m.User, RoomID: m.Room})
	return ack
}

func (d *Dispatcher) handleData(sess *session.Session, txID string, p *DataPayload) []byte {
	if p == nil {
		return errorReply(txID, sfuerr.ErrMalformedMessage)
	}
	m, joined := sess.Membership()
	if !joined {
		return errorReply(txID, sfuerr.ErrNotInRoom)
	}
	targets := d.sb.RouteData(sess.Handle, m.Room, m.User, p.Addressee)
	for _, h := range targets {
		if other, release, ok := d.table.Lookup(h); ok {
			if !other.Closed() {
				body, _ := json.Marshal(struct {
					Event   string          `json:"event"`
					From    identity.UserID `json:"from"`
					Payload json.RawMessage `json:"payload"`
				}{Event: "data", From: m.User, Payload: p.Payload})
				d.pusher.PushEvent(h, "", body, nil)
			}
			release()
		}
	}
	return successReply(txID, nil, nil)
}

func (d *Dispatcher) handleListRooms(txID string) []byte {
	rooms := d.sb.Rooms()
	resp, _ := json.Marshal(struct {
		Rooms []identity.RoomID `json:"rooms"`
	}{Rooms: rooms})
	return successReply(txID, resp, nil)
}

func (d *Dispatcher) handleListUsers(txID string, p *ListUsersPayload) []byte {
	if p == nil {
		return errorReply(txID, sfuerr.ErrMalformedMessage)
	}
	users := d.sb.UsersInRoom(p.RoomID)
	resp, _ := json.Marshal(struct {
		RoomID  identity.RoomID   `json:"room_id"`
		UserIDs []identity.UserID `json:"user_ids"`
	}{RoomID: p.RoomID, UserIDs: users})
	return successReply(txID, resp, nil)
}

// HandleLeave performs the switchboard.Leave side effects for an
// abruptly-closed or explicitly-left session and fans out a leave event
// if the user fully left the room. Called from Core.DestroySession, not
// from Dispatch (Leave has no "kind" of its own in the wire protocol —
// it's implied by handle teardown or a future explicit message).
func (d *Dispatcher) HandleLeave(sess *session.Session) {
	res, ok := d.sb.Leave(sess)
	if !ok || !res.UserFullyLeft {
		return
	}
	d.pushToHandles(res.NotifyHandles, Event{Event: EventLeave, UserID: res.User, RoomID: res.Room})
}

func (d *Dispatcher) fanOutEvent(room identity.RoomID, excludeUser identity.UserID, ev Event) {
	targets := d.sb.NotifyTargets(room, excludeUser)
	d.pushToHandles(targets, ev)
}

func (d *Dispatcher) pushToHandles(handles []session.Handle, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling").Msg("marshal event")
		return
	}
	for _, h := range handles {
		d.pusher.PushEvent(h, "", body, nil)
	}
}

func successReply(txID string, response json.RawMessage, jsep *negotiate.SDP) []byte {
	body, _ := json.Marshal(Reply{Success: true, TransactionID: txID, Response: response, Jsep: jsep})
	return body
}

func errorReply(txID string, err error) []byte {
	body, _ := json.Marshal(Reply{Success: false, TransactionID: txID, Error: errMessage(err)})
	return body
}

func errMessage(err error) string {
	switch {
	case errors.Is(err, sfuerr.ErrMalformedMessage):
		return "malformed-message"
	case errors.Is(err, sfuerr.ErrUnknownKind):
		return "unknown kind"
	case errors.Is(err, sfuerr.ErrAlreadyJoined):
		return "already-joined"
	case errors.Is(err, sfuerr.ErrUserIDConflict):
		return "user-id-conflict"
	case errors.Is(err, sfuerr.ErrNotInRoom):
		return "not-in-room"
	case errors.Is(err, sfuerr.ErrSubscriptionMismatch):
		return "subscription-mismatch"
	case errors.Is(err, sfuerr.ErrRoomFull):
		return "room-full"
	default:
		return "internal"
	}
}
