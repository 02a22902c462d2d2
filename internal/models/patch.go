package models

import (
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
)

// NullableTime 区分“未提及”和“显式置空”：字段为 nil 表示未提及，Value 为 nil 表示置空。
type NullableTime struct {
	Value *time.Time
}

func SetTime(t time.Time) *NullableTime { return &NullableTime{Value: &t} }

func ClearTime() *NullableTime { return &NullableTime{} }

// RoomPatch 是房间的部分更新，只包含被提及的字段。
type RoomPatch struct {
	Name                 *string
	Private              *bool
	Theme                *string
	CardsOpen            *bool
	CurrentIssue         *string
	CurrentCategory      *string
	WhoCanEdit           *[]string
	WhoCanOpenCards      *[]string
	WhoCanApproveEntries *[]string
	StartTimestamp       *NullableTime
	StopTimestamp        *NullableTime
}

// Apply 把补丁浅合并到房间上，未提及的字段保持原值。
func (p RoomPatch) Apply(r *Room) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Private != nil {
		r.Private = *p.Private
	}
	if p.Theme != nil {
		r.Theme = *p.Theme
	}
	if p.CardsOpen != nil {
		r.CardsOpen = *p.CardsOpen
	}
	if p.CurrentIssue != nil {
		r.CurrentIssue = *p.CurrentIssue
	}
	if p.CurrentCategory != nil {
		r.CurrentCategory = *p.CurrentCategory
	}
	if p.WhoCanEdit != nil {
		r.WhoCanEdit = cloneStrings(*p.WhoCanEdit)
	}
	if p.WhoCanOpenCards != nil {
		r.WhoCanOpenCards = cloneStrings(*p.WhoCanOpenCards)
	}
	if p.WhoCanApproveEntries != nil {
		r.WhoCanApproveEntries = cloneStrings(*p.WhoCanApproveEntries)
	}
	if p.StartTimestamp != nil {
		r.StartTimestamp = cloneTime(p.StartTimestamp.Value)
	}
	if p.StopTimestamp != nil {
		r.StopTimestamp = cloneTime(p.StopTimestamp.Value)
	}
}

func (p RoomPatch) Empty() bool {
	return p == RoomPatch{}
}

func (p RoomPatch) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	put := func(key string, set bool, v interface{}) {
		if set {
			m[key] = v
		}
	}
	put("name", p.Name != nil, p.Name)
	put("private", p.Private != nil, p.Private)
	put("theme", p.Theme != nil, p.Theme)
	put("cards_open", p.CardsOpen != nil, p.CardsOpen)
	put("current_issue", p.CurrentIssue != nil, p.CurrentIssue)
	put("current_category", p.CurrentCategory != nil, p.CurrentCategory)
	put("who_can_edit", p.WhoCanEdit != nil, p.WhoCanEdit)
	put("who_can_open_cards", p.WhoCanOpenCards != nil, p.WhoCanOpenCards)
	put("who_can_approve_entries", p.WhoCanApproveEntries != nil, p.WhoCanApproveEntries)
	if p.StartTimestamp != nil {
		m["start_timestamp"] = p.StartTimestamp.Value
	}
	if p.StopTimestamp != nil {
		m["stop_timestamp"] = p.StopTimestamp.Value
	}
	return json.Marshal(m)
}

func (p *RoomPatch) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = RoomPatch{}
	for key, val := range raw {
		var err error
		switch key {
		case "name":
			err = decodeInto(val, &p.Name)
		case "private":
			err = decodeInto(val, &p.Private)
		case "theme":
			err = decodeInto(val, &p.Theme)
		case "cards_open":
			err = decodeInto(val, &p.CardsOpen)
		case "current_issue":
			err = decodeInto(val, &p.CurrentIssue)
		case "current_category":
			err = decodeInto(val, &p.CurrentCategory)
		case "who_can_edit":
			err = decodeInto(val, &p.WhoCanEdit)
		case "who_can_open_cards":
			err = decodeInto(val, &p.WhoCanOpenCards)
		case "who_can_approve_entries":
			err = decodeInto(val, &p.WhoCanApproveEntries)
		case "start_timestamp":
			p.StartTimestamp, err = decodeNullableTime(val)
		case "stop_timestamp":
			p.StopTimestamp, err = decodeNullableTime(val)
		}
		if err != nil {
			return fmt.Errorf("room patch %s: %w", key, err)
		}
	}
	return nil
}

// decodeInto 解码非空值，null 视为未提及。
func decodeInto[T any](val []byte, dst **T) error {
	if isNull(val) {
		return nil
	}
	var v T
	if err := json.Unmarshal(val, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func decodeNullableTime(val []byte) (*NullableTime, error) {
	if isNull(val) {
		return ClearTime(), nil
	}
	var t time.Time
	if err := json.Unmarshal(val, &t); err != nil {
		return nil, err
	}
	return SetTime(t), nil
}

func isNull(b []byte) bool {
	return len(b) == 0 || string(b) == "null"
}

// MemberPatch 是 update-user 事件携带的成员部分更新。
type MemberPatch struct {
	UserID string  `json:"id"`
	Name   *string `json:"name,omitempty"`
	Status *Status `json:"status,omitempty"`
}

// Apply 同时合并到成员记录和其内嵌的用户上。
func (p MemberPatch) Apply(m *Member) {
	if p.Name != nil {
		m.User.Name = *p.Name
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
}
