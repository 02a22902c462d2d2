package models

import (
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
)

// Status 是成员在房间内的准入状态。
type Status string

const (
	StatusPending Status = "PENDING"
	StatusLogged  Status = "LOGGED"
	StatusRefused Status = "REFUSED"
)

// UnmarshalJSON 兼容后端返回的小写状态值。
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = Status(strings.ToUpper(strings.TrimSpace(raw)))
	return nil
}

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Member 是房间内的成员记录，ID 与 User.ID 不同且在投票、状态变化时保持不变。
type Member struct {
	ID     string  `json:"id"`
	Status Status  `json:"status"`
	Vote   *string `json:"vote"`
	User   User    `json:"user"`
}

func (m Member) HasVoted() bool { return m.Vote != nil && *m.Vote != "" }

// Permission 对应房间上的三类授权名单。
type Permission int

const (
	PermEdit Permission = iota
	PermOpenCards
	PermApproveEntries
)

type Room struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Private              bool       `json:"private"`
	OwnerID              string     `json:"owner_id"`
	Theme                string     `json:"theme,omitempty"`
	Lat                  float64    `json:"lat"`
	Lng                  float64    `json:"lng"`
	CardsOpen            bool       `json:"cards_open"`
	CurrentIssue         string     `json:"current_issue"`
	CurrentCategory      string     `json:"current_category"`
	WhoCanEdit           []string   `json:"who_can_edit"`
	WhoCanOpenCards      []string   `json:"who_can_open_cards"`
	WhoCanApproveEntries []string   `json:"who_can_approve_entries"`
	StartTimestamp       *time.Time `json:"start_timestamp"`
	StopTimestamp        *time.Time `json:"stop_timestamp"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Can 判断用户是否拥有某项权限，房主拥有全部权限。
func (r Room) Can(userID string, p Permission) bool {
	if userID == "" {
		return false
	}
	if userID == r.OwnerID {
		return true
	}
	var list []string
	switch p {
	case PermEdit:
		list = r.WhoCanEdit
	case PermOpenCards:
		list = r.WhoCanOpenCards
	case PermApproveEntries:
		list = r.WhoCanApproveEntries
	}
	for _, id := range list {
		if id == userID {
			return true
		}
	}
	return false
}

// Timer 由两个时间戳重建计时器，不保存本地累加值。
func (r Room) Timer() Timer {
	return Timer{StartedAt: r.StartTimestamp, StoppedAt: r.StopTimestamp}
}

// Snapshot 是一次完整拉取得到的房间及成员视图。
type Snapshot struct {
	Room
	Members []Member `json:"members"`
}

// Clone 深拷贝快照，缓存对外只暴露副本。
func (s Snapshot) Clone() Snapshot {
	out := s
	out.WhoCanEdit = cloneStrings(s.WhoCanEdit)
	out.WhoCanOpenCards = cloneStrings(s.WhoCanOpenCards)
	out.WhoCanApproveEntries = cloneStrings(s.WhoCanApproveEntries)
	out.StartTimestamp = cloneTime(s.StartTimestamp)
	out.StopTimestamp = cloneTime(s.StopTimestamp)
	if s.Members != nil {
		out.Members = make([]Member, len(s.Members))
		for i, m := range s.Members {
			if m.Vote != nil {
				v := *m.Vote
				m.Vote = &v
			}
			out.Members[i] = m
		}
	}
	return out
}

func (s Snapshot) MemberByUser(userID string) (Member, bool) {
	for _, m := range s.Members {
		if m.User.ID == userID {
			return m, true
		}
	}
	return Member{}, false
}

func (s Snapshot) LoggedMembers() []Member { return s.membersWith(StatusLogged) }

func (s Snapshot) PendingMembers() []Member { return s.membersWith(StatusPending) }

func (s Snapshot) membersWith(status Status) []Member {
	out := make([]Member, 0, len(s.Members))
	for _, m := range s.Members {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out
}

// IsLogged 报告用户是否为已准入成员。
func (s Snapshot) IsLogged(userID string) bool {
	m, ok := s.MemberByUser(userID)
	return ok && m.Status == StatusLogged
}

// VotedCount 返回已投票的已准入成员数量。
func (s Snapshot) VotedCount() int {
	n := 0
	for _, m := range s.Members {
		if m.Status == StatusLogged && m.HasVoted() {
			n++
		}
	}
	return n
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
