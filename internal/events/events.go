// Package events 定义事件流上的房间事件：每种事件一个强类型变体，按线上名称编解码。
package events

import (
	"errors"
	"fmt"

	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/segmentio/encoding/json"
)

// Kind 是事件的线上名称。
type Kind string

const (
	KindMemberJoinRequest Kind = "sign-in"
	KindMemberApproved    Kind = "sign-in-accept"
	KindMemberRefused     Kind = "sign-in-refuse"
	KindMemberLeft        Kind = "sign-out"
	KindVotesCleared      Kind = "clear-votes"
	KindVotesRevealed     Kind = "votes-revealed"
	KindRoomUpdated       Kind = "update-room"
	KindMemberVoted       Kind = "vote-member"
	KindRoomDeleted       Kind = "delete-room"
	KindMemberUpdated     Kind = "update-user"
)

var ErrUnknownKind = errors.New("events: unknown event kind")

// Event 是封闭的事件联合类型，只有本包内的变体实现它。
type Event interface {
	Kind() Kind
	Room() string
	isEvent()
}

type MemberJoinRequested struct {
	RoomID string
	Member models.Member
}

type MemberApproved struct {
	RoomID string
	Member models.Member
}

type MemberRefused struct {
	RoomID string `json:"-"`
	UserID string `json:"user_id"`
}

type MemberLeft struct {
	RoomID string `json:"-"`
	UserID string `json:"user_id"`
}

type VotesCleared struct{ RoomID string }

type VotesRevealed struct{ RoomID string }

type RoomUpdated struct {
	RoomID string
	Patch  models.RoomPatch
}

type MemberVoted struct {
	RoomID   string  `json:"-"`
	MemberID string  `json:"member_id"`
	Vote     *string `json:"vote"`
}

type RoomDeleted struct{ RoomID string }

type MemberUpdated struct {
	RoomID string
	Patch  models.MemberPatch
}

func (e MemberJoinRequested) Kind() Kind { return KindMemberJoinRequest }
func (e MemberApproved) Kind() Kind      { return KindMemberApproved }
func (e MemberRefused) Kind() Kind       { return KindMemberRefused }
func (e MemberLeft) Kind() Kind          { return KindMemberLeft }
func (e VotesCleared) Kind() Kind        { return KindVotesCleared }
func (e VotesRevealed) Kind() Kind       { return KindVotesRevealed }
func (e RoomUpdated) Kind() Kind         { return KindRoomUpdated }
func (e MemberVoted) Kind() Kind         { return KindMemberVoted }
func (e RoomDeleted) Kind() Kind         { return KindRoomDeleted }
func (e MemberUpdated) Kind() Kind       { return KindMemberUpdated }

func (e MemberJoinRequested) Room() string { return e.RoomID }
func (e MemberApproved) Room() string      { return e.RoomID }
func (e MemberRefused) Room() string       { return e.RoomID }
func (e MemberLeft) Room() string          { return e.RoomID }
func (e VotesCleared) Room() string        { return e.RoomID }
func (e VotesRevealed) Room() string       { return e.RoomID }
func (e RoomUpdated) Room() string         { return e.RoomID }
func (e MemberVoted) Room() string         { return e.RoomID }
func (e RoomDeleted) Room() string         { return e.RoomID }
func (e MemberUpdated) Room() string       { return e.RoomID }

func (MemberJoinRequested) isEvent() {}
func (MemberApproved) isEvent()      {}
func (MemberRefused) isEvent()       {}
func (MemberLeft) isEvent()          {}
func (VotesCleared) isEvent()        {}
func (VotesRevealed) isEvent()       {}
func (RoomUpdated) isEvent()         {}
func (MemberVoted) isEvent()         {}
func (RoomDeleted) isEvent()         {}
func (MemberUpdated) isEvent()       {}

// 客户端发往服务端的控制帧动作。
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Control 是客户端订阅或退订某个房间频道的控制帧。
type Control struct {
	Action string `json:"action"`
	RoomID string `json:"room_id"`
}

// Envelope 是服务端推送的一帧。
type Envelope struct {
	Event  Kind            `json:"event"`
	RoomID string          `json:"room_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Decode 把一帧解析为对应的强类型事件。
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Decode()
}

func (env Envelope) Decode() (Event, error) {
	data := []byte(env.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	var (
		ev  Event
		err error
	)
	switch env.Event {
	case KindMemberJoinRequest:
		var m models.Member
		err = json.Unmarshal(data, &m)
		ev = MemberJoinRequested{RoomID: env.RoomID, Member: m}
	case KindMemberApproved:
		var m models.Member
		err = json.Unmarshal(data, &m)
		ev = MemberApproved{RoomID: env.RoomID, Member: m}
	case KindMemberRefused:
		e := MemberRefused{RoomID: env.RoomID}
		err = json.Unmarshal(data, &e)
		ev = e
	case KindMemberLeft:
		e := MemberLeft{RoomID: env.RoomID}
		err = json.Unmarshal(data, &e)
		ev = e
	case KindVotesCleared:
		ev = VotesCleared{RoomID: env.RoomID}
	case KindVotesRevealed:
		ev = VotesRevealed{RoomID: env.RoomID}
	case KindRoomUpdated:
		var p models.RoomPatch
		err = json.Unmarshal(data, &p)
		ev = RoomUpdated{RoomID: env.RoomID, Patch: p}
	case KindMemberVoted:
		e := MemberVoted{RoomID: env.RoomID}
		err = json.Unmarshal(data, &e)
		ev = e
	case KindRoomDeleted:
		ev = RoomDeleted{RoomID: env.RoomID}
	case KindMemberUpdated:
		var p models.MemberPatch
		err = json.Unmarshal(data, &p)
		ev = MemberUpdated{RoomID: env.RoomID, Patch: p}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	if env.RoomID == "" {
		return nil, fmt.Errorf("decode %s: missing room_id", env.Event)
	}
	return ev, nil
}

// Encode 生成事件的线上帧，开发后端广播时使用。
func Encode(ev Event) ([]byte, error) {
	var payload interface{}
	switch e := ev.(type) {
	case MemberJoinRequested:
		payload = e.Member
	case MemberApproved:
		payload = e.Member
	case MemberRefused:
		payload = map[string]string{"user_id": e.UserID}
	case MemberLeft:
		payload = map[string]string{"user_id": e.UserID}
	case VotesCleared, VotesRevealed:
		payload = struct{}{}
	case RoomUpdated:
		payload = e.Patch
	case MemberVoted:
		payload = map[string]interface{}{"member_id": e.MemberID, "vote": e.Vote}
	case RoomDeleted:
		payload = map[string]string{"room_id": e.RoomID}
	case MemberUpdated:
		payload = e.Patch
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, ev)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: ev.Kind(), RoomID: ev.Room(), Data: data})
}
