package service

import (
	"context"

	"github.com/igorssc/scrum-poker-sub000/internal/db"
	"github.com/igorssc/scrum-poker-sub000/internal/events"
	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"gorm.io/gorm"
)

// Vote 记录本人的投票，空字符串表示撤回。
func (s *RoomService) Vote(ctx context.Context, roomID, actorID, userID, card string) error {
	if userID != actorID {
		return ErrPermission
	}
	var vote *string
	if card != "" {
		if !models.ValidCard(card) {
			return ErrInvalidCard
		}
		vote = &card
	}
	var member *db.Member
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.authorize(tx, roomID, actorID, nil); err != nil {
			return err
		}
		var err error
		member, err = s.loadMember(tx, roomID, userID)
		if err != nil {
			return err
		}
		return tx.Model(&db.Member{}).Where("id = ?", member.ID).Update("vote", vote).Error
	})
	if err != nil {
		return err
	}
	s.publish(events.MemberVoted{RoomID: roomID, MemberID: member.ID, Vote: vote})
	return nil
}

// Reveal 翻开所有卡片，投票值保持不变。
func (s *RoomService) Reveal(ctx context.Context, roomID, actorID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.authorize(tx, roomID, actorID, need(models.PermOpenCards)); err != nil {
			return err
		}
		return tx.Model(&db.Room{}).Where("id = ?", roomID).Update("cards_open", true).Error
	})
	if err != nil {
		return err
	}
	s.publish(events.VotesRevealed{RoomID: roomID})
	return nil
}

// Clear 在同一事务里合上卡片并清空全部投票。
func (s *RoomService) Clear(ctx context.Context, roomID, actorID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.authorize(tx, roomID, actorID, need(models.PermOpenCards)); err != nil {
			return err
		}
		if err := tx.Model(&db.Room{}).Where("id = ?", roomID).Update("cards_open", false).Error; err != nil {
			return err
		}
		return tx.Model(&db.Member{}).Where("room_id = ?", roomID).Update("vote", nil).Error
	})
	if err != nil {
		return err
	}
	s.publish(events.VotesCleared{RoomID: roomID})
	return nil
}
