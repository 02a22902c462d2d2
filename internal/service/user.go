package service

import (
	"context"
	"strings"

	"github.com/igorssc/scrum-poker-sub000/internal/db"
	"github.com/igorssc/scrum-poker-sub000/internal/events"
	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// UpdateUser 修改用户名，只允许本人，并通知用户所在的每个房间。
func (s *RoomService) UpdateUser(ctx context.Context, actorID, userID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 64 {
		return ErrInvalidInput
	}
	if actorID != userID {
		return ErrPermission
	}
	var rooms []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.User{}).Where("id = ?", userID).Update("name", name)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrMemberNotFound
		}
		return tx.Model(&db.Member{}).Where("user_id = ?", userID).Pluck("room_id", &rooms).Error
	})
	if err != nil {
		return err
	}
	log.Info().Str("user_id", userID).Int("rooms", len(rooms)).Msg("user renamed")
	for _, roomID := range rooms {
		s.publish(events.MemberUpdated{RoomID: roomID, Patch: models.MemberPatch{UserID: userID, Name: &name}})
	}
	return nil
}
