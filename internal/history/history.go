// Package history 记录每个议题的投票轮次，议题结束后生成不可变的历史条目并追加保存。
package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrNothingToFinalize = errors.New("history: no topic or revealed round to finalize")

// Store 只追加，已写入的条目不再修改。
type Store interface {
	Append(ctx context.Context, item models.VotingHistoryItem) error
	List(ctx context.Context, roomID string) ([]models.VotingHistoryItem, error)
}

type draft struct {
	topic     string
	category  string
	createdAt time.Time
	rounds    []models.VotingRound
}

// Recorder 按房间累积当前议题的轮次。
type Recorder struct {
	store Store

	mu     sync.Mutex
	drafts map[string]*draft
}

func NewRecorder(store Store) *Recorder {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Recorder{store: store, drafts: make(map[string]*draft)}
}

func (r *Recorder) draftLocked(roomID string, now time.Time) *draft {
	d, ok := r.drafts[roomID]
	if !ok {
		d = &draft{createdAt: now}
		r.drafts[roomID] = d
	}
	return d
}

// StartTopic 设置当前议题，换题时丢弃尚未结束的轮次。
func (r *Recorder) StartTopic(roomID, topic, category string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.draftLocked(roomID, now)
	if d.topic != topic && len(d.rounds) > 0 {
		log.Info().Str("room_id", roomID).Str("topic", d.topic).Int("rounds", len(d.rounds)).Msg("unfinished topic discarded")
		d.rounds = nil
		d.createdAt = now
	}
	d.topic, d.category = topic, category
}

// RecordRound 在揭晓后记录一轮投票。
func (r *Recorder) RecordRound(roomID string, snap models.Snapshot, now time.Time) models.VotingRound {
	round := models.NewRound(snap, now)
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.draftLocked(roomID, now)
	if d.topic == "" {
		d.topic, d.category = snap.CurrentIssue, snap.CurrentCategory
	}
	d.rounds = append(d.rounds, round)
	return round
}

// Rounds 返回当前议题已记录的轮次。
func (r *Recorder) Rounds(roomID string) []models.VotingRound {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drafts[roomID]
	if !ok {
		return nil
	}
	return append([]models.VotingRound(nil), d.rounds...)
}

// Finalize 生成历史条目并保存，共识取最后一轮的结果。
func (r *Recorder) Finalize(ctx context.Context, roomID string, now time.Time) (models.VotingHistoryItem, error) {
	r.mu.Lock()
	d, ok := r.drafts[roomID]
	if !ok || (d.topic == "" && len(d.rounds) == 0) {
		r.mu.Unlock()
		return models.VotingHistoryItem{}, ErrNothingToFinalize
	}
	item := models.VotingHistoryItem{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		Topic:       d.topic,
		Category:    d.category,
		CreatedAt:   d.createdAt,
		FinalizedAt: now,
		Duration:    now.Sub(d.createdAt),
		Consensus:   models.ConsensusTie,
		Rounds:      append([]models.VotingRound(nil), d.rounds...),
	}
	if n := len(item.Rounds); n > 0 {
		item.Consensus = item.Rounds[n-1].Consensus
	}
	r.mu.Unlock()

	if err := r.store.Append(ctx, item); err != nil {
		return models.VotingHistoryItem{}, err
	}

	r.mu.Lock()
	if r.drafts[roomID] == d {
		delete(r.drafts, roomID)
	}
	r.mu.Unlock()
	log.Info().Str("room_id", roomID).Str("topic", item.Topic).Str("consensus", item.Consensus).
		Int("rounds", len(item.Rounds)).Msg("topic finalized")
	return item, nil
}

func (r *Recorder) List(ctx context.Context, roomID string) ([]models.VotingHistoryItem, error) {
	return r.store.List(ctx, roomID)
}

type MemoryStore struct {
	mu    sync.Mutex
	items []models.VotingHistoryItem
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Append(_ context.Context, item models.VotingHistoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	return nil
}

func (m *MemoryStore) List(_ context.Context, roomID string) ([]models.VotingHistoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.VotingHistoryItem, 0, len(m.items))
	for _, it := range m.items {
		if it.RoomID == roomID {
			out = append(out, it)
		}
	}
	return out, nil
}
