package db

import (
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/models"
)

// User 是一次登录房间时创建的用户，名字可以修改。
type User struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:64;not null"`
	CreatedAt time.Time
}

type Room struct {
	ID                   string `gorm:"primaryKey;size:36"`
	Name                 string `gorm:"size:128;not null"`
	Private              bool
	OwnerID              string `gorm:"size:36;index"`
	Theme                string `gorm:"size:32"`
	Lat                  float64
	Lng                  float64
	CardsOpen            bool
	CurrentIssue         string
	CurrentCategory      string   `gorm:"size:64"`
	WhoCanEdit           []string `gorm:"serializer:json;type:text"`
	WhoCanOpenCards      []string `gorm:"serializer:json;type:text"`
	WhoCanApproveEntries []string `gorm:"serializer:json;type:text"`
	StartTimestamp       *time.Time
	StopTimestamp        *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Member 是房间内的成员记录；同一用户在同一房间只有一条。
type Member struct {
	ID        string `gorm:"primaryKey;size:36"`
	RoomID    string `gorm:"size:36;uniqueIndex:idx_member_room_user;not null"`
	UserID    string `gorm:"size:36;uniqueIndex:idx_member_room_user;not null"`
	Status    string `gorm:"size:16;not null"`
	Vote      *string
	CreatedAt time.Time
	User      User `gorm:"foreignKey:UserID"`
}

func (r Room) Model() models.Room {
	return models.Room{
		ID:                   r.ID,
		Name:                 r.Name,
		Private:              r.Private,
		OwnerID:              r.OwnerID,
		Theme:                r.Theme,
		Lat:                  r.Lat,
		Lng:                  r.Lng,
		CardsOpen:            r.CardsOpen,
		CurrentIssue:         r.CurrentIssue,
		CurrentCategory:      r.CurrentCategory,
		WhoCanEdit:           nonNil(r.WhoCanEdit),
		WhoCanOpenCards:      nonNil(r.WhoCanOpenCards),
		WhoCanApproveEntries: nonNil(r.WhoCanApproveEntries),
		StartTimestamp:       r.StartTimestamp,
		StopTimestamp:        r.StopTimestamp,
		CreatedAt:            r.CreatedAt,
	}
}

// Apply 把补丁写到行上，与客户端合并事件的规则一致。
func (r *Room) Apply(p models.RoomPatch) {
	m := r.Model()
	p.Apply(&m)
	r.Name, r.Private, r.Theme, r.CardsOpen = m.Name, m.Private, m.Theme, m.CardsOpen
	r.CurrentIssue, r.CurrentCategory = m.CurrentIssue, m.CurrentCategory
	r.WhoCanEdit, r.WhoCanOpenCards, r.WhoCanApproveEntries = m.WhoCanEdit, m.WhoCanOpenCards, m.WhoCanApproveEntries
	r.StartTimestamp, r.StopTimestamp = m.StartTimestamp, m.StopTimestamp
}

func (u User) Model() models.User { return models.User{ID: u.ID, Name: u.Name} }

// Model 需要预加载 User。
func (m Member) Model() models.Member {
	return models.Member{ID: m.ID, Status: models.Status(m.Status), Vote: m.Vote, User: m.User.Model()}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
