package service

import (
	"context"
	"strings"

	"github.com/igorssc/scrum-poker-sub000/internal/auth"
	"github.com/igorssc/scrum-poker-sub000/internal/db"
	"github.com/igorssc/scrum-poker-sub000/internal/events"
	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SignIn 以新用户身份加入房间。公开房间或携带有效邀请时直接 LOGGED，否则等待审批。
func (s *RoomService) SignIn(ctx context.Context, roomID, userName, access string) (*Entry, error) {
	userName = strings.TrimSpace(userName)
	if userName == "" || len(userName) > 64 {
		return nil, ErrInvalidInput
	}
	var (
		room   *db.Room
		user   db.User
		member db.Member
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		room, err = s.loadRoom(tx, roomID)
		if err != nil {
			return err
		}
		status := models.StatusLogged
		if room.Private && !s.validInvite(access, roomID) {
			status = models.StatusPending
		}
		user = db.User{ID: uuid.NewString(), Name: userName}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		member = db.Member{ID: uuid.NewString(), RoomID: roomID, UserID: user.ID, Status: string(status)}
		return tx.Omit(clause.Associations).Create(&member).Error
	})
	if err != nil {
		return nil, err
	}
	member.User = user
	token, err := s.issuer.AccessToken(roomID, user.ID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("room_id", roomID).Str("user_id", user.ID).Str("status", member.Status).Msg("member signed in")
	s.publish(events.MemberJoinRequested{RoomID: roomID, Member: member.Model()})
	return &Entry{Room: room.Model(), Member: member.Model(), User: user.Model(), AccessToken: token}, nil
}

func (s *RoomService) validInvite(access, roomID string) bool {
	if access == "" {
		return false
	}
	claims, err := s.issuer.ParseKind(access, auth.KindInvite)
	return err == nil && claims.RoomID == roomID
}

// Accept 把待审批成员提升为 LOGGED；重复接受是无操作。
func (s *RoomService) Accept(ctx context.Context, roomID, actorID, userID string) error {
	var (
		member  *db.Member
		changed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.authorize(tx, roomID, actorID, need(models.PermApproveEntries)); err != nil {
			return err
		}
		var err error
		member, err = s.loadMember(tx, roomID, userID)
		if err != nil {
			return err
		}
		if member.Status == string(models.StatusLogged) {
			return nil
		}
		member.Status = string(models.StatusLogged)
		changed = true
		return tx.Model(member).Update("status", member.Status).Error
	})
	if err != nil {
		return err
	}
	if changed {
		log.Info().Str("room_id", roomID).Str("user_id", userID).Str("by", actorID).Msg("member accepted")
		s.publish(events.MemberApproved{RoomID: roomID, Member: member.Model()})
	}
	return nil
}

// Refuse 删除成员记录，房主不能被拒绝。
func (s *RoomService) Refuse(ctx context.Context, roomID, actorID, userID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.authorize(tx, roomID, actorID, need(models.PermApproveEntries))
		if err != nil {
			return err
		}
		if userID == room.OwnerID {
			return ErrPermission
		}
		return s.removeMember(tx, roomID, userID)
	})
	if err != nil {
		return err
	}
	log.Info().Str("room_id", roomID).Str("user_id", userID).Str("by", actorID).Msg("member refused")
	s.publish(events.MemberRefused{RoomID: roomID, UserID: userID})
	return nil
}

// SignOut 移除成员记录：本人可以离开，拥有审批权限的成员可以移除他人。
func (s *RoomService) SignOut(ctx context.Context, roomID, actorID, userID string) error {
	if userID == "" {
		userID = actorID
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadRoom(tx, roomID); err != nil {
			return err
		}
		if userID != actorID {
			if _, err := s.authorize(tx, roomID, actorID, need(models.PermApproveEntries)); err != nil {
				return err
			}
		}
		return s.removeMember(tx, roomID, userID)
	})
	if err != nil {
		return err
	}
	log.Info().Str("room_id", roomID).Str("user_id", userID).Str("by", actorID).Msg("member signed out")
	s.publish(events.MemberLeft{RoomID: roomID, UserID: userID})
	return nil
}

func (s *RoomService) removeMember(tx *gorm.DB, roomID, userID string) error {
	res := tx.Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&db.Member{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMemberNotFound
	}
	return nil
}
