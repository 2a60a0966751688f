// Package signaling parses inbound JSON control messages and dispatches
// them to the switchboard, negotiator and identifier registry, per
// spec.md §4.5.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/wireloop/sfu/internal/sfu/identity"
	"github.com/wireloop/sfu/internal/sfu/negotiate"
	"github.com/wireloop/sfu/internal/sfu/session"
	"github.com/wireloop/sfu/internal/sfu/sfuerr"
)

// Kind is the "kind" discriminant of an inbound message.
type Kind string

const (
	KindJoin        Kind = "join"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindBlock       Kind = "block"
	KindUnblock     Kind = "unblock"
	KindData        Kind = "data"
	KindListRooms   Kind = "listrooms"
	KindListUsers   Kind = "listusers"
)

// SubscribeRequest is the "subscribe" sub-object accepted on join. The
// subscription flags live here, not on JoinPayload directly: spec.md §8
// scenario 3 writes the wire path as `subscribe.notifications = true`,
// nested alongside scenario 4's `subscribe.media`, not as a top-level
// join field.
type SubscribeRequest struct {
	// Media, if non-nil, names the user whose audio/video this session
	// wants. The Rust original calls this field publisher_id; spec.md's
	// scenario 4 spells it "media" in the join payload (subscribe:{media:200}).
	Media         *identity.UserID    `json:"media,omitempty"`
	Kind          session.ContentKind `json:"kind,omitempty"`
	Notifications bool                `json:"notifications,omitempty"`
	ReceiveData   bool                `json:"receive_data,omitempty"`
}

// Message is the parsed, tagged-union form of one inbound control
// message: exactly one of the payload pointers is non-nil, matching Kind.
type Message struct {
	Kind          Kind
	TransactionID string

	Join        *JoinPayload
	Subscribe   *SubscribePayload
	Unsubscribe *SubscribePayload
	Block       *BlockPayload
	Unblock     *BlockPayload
	Data        *DataPayload
	ListUsers   *ListUsersPayload
	// ListRooms carries no payload.
}

type JoinPayload struct {
	RoomID    identity.RoomID   `json:"room_id"`
	UserID    *identity.UserID  `json:"user_id,omitempty"`
	Subscribe *SubscribeRequest `json:"subscribe,omitempty"`
}

type SubscribePayload struct {
	Media identity.UserID     `json:"media"`
	Kind  session.ContentKind `json:"content_kind"`
}

type BlockPayload struct {
	UserID identity.UserID `json:"user_id"`
}

type DataPayload struct {
	Addressee *identity.UserID `json:"whom,omitempty"`
	Payload   json.RawMessage  `json:"payload"`
}

type ListUsersPayload struct {
	RoomID identity.RoomID `json:"room_id"`
}

// Parse decodes one inbound JSON control message. A parse failure or a
// missing required field surfaces as sfuerr.ErrMalformedMessage; an
// unrecognized kind surfaces as sfuerr.ErrUnknownKind.
func Parse(body []byte) (Message, error) {
	var raw struct {
		Kind          Kind   `json:"kind"`
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %v", sfuerr.ErrMalformedMessage, err)
	}
	if raw.Kind == "" {
		return Message{}, fmt.Errorf("%w: missing kind", sfuerr.ErrMalformedMessage)
	}

	msg := Message{Kind: raw.Kind, TransactionID: raw.TransactionID}

	switch raw.Kind {
	case KindJoin:
		var p JoinPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Message{}, fmt.Errorf("%w: %v", sfuerr.ErrMalformedMessage, err)
		}
		msg.Join = &p
	case KindSubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Message{}, fmt.Errorf("%w: %v", sfuerr.ErrMalformedMessage, err)
		}
		if p.Kind == 0 {
			return Message{}, fmt.Errorf("%w: subscribe requires content_kind", sfuerr.ErrMalformedMessage)
		}
		msg.Subscribe = &p
	case KindUnsubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Message{}, fmt.Errorf("%w: %v", sfuerr.ErrMalformedMessage, err)
		}
		if p.Kind == 0 {
			return Message{}, fmt.Errorf("%w: unsubscribe requires content_kind", sfuerr.ErrMalformedMessage)
		}
		msg.Unsubscribe = &p
	case KindBlock:
		var p BlockPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Message{}, fmt.Errorf("%w: %v", sfuerr.ErrMalformedMessage, err)
		}
		msg.Block = &p
	case KindUnblock:
		var p BlockPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Message{}, fmt.Errorf("%w: %v", sfuerr.ErrMalformedMessage, err)
		}
		msg.Unblock = &p
	case KindData:
		var p DataPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Message{}, fmt.Errorf("%w: %v", sfuerr.ErrMalformedMessage, err)
		}
		msg.Data = &p
	case KindListRooms:
		// No payload.
	case KindListUsers:
		var p ListUsersPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Message{}, fmt.Errorf("%w: %v", sfuerr.ErrMalformedMessage, err)
		}
		msg.ListUsers = &p
	default:
		return Message{}, fmt.Errorf("%w: %q", sfuerr.ErrUnknownKind, raw.Kind)
	}

	return msg, nil
}

// Reply is one outbound host push_event/ack body.
type Reply struct {
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	Jsep          *negotiate.SDP  `json:"jsep,omitempty"`
}

// Event is a spontaneous {event, user_id, room_id} push per spec.md §6.
type Event struct {
	Event  string          `json:"event"`
	UserID identity.UserID `json:"user_id"`
	RoomID identity.RoomID `json:"room_id"`
}

const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventBlocked   = "blocked"
	EventUnblocked = "unblocked"
)
