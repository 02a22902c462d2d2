package models

import (
	"sort"
	"time"
)

// ConsensusTie 表示本轮没有严格多数的卡片。
const ConsensusTie = "tie"

type RoundVote struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Vote     string `json:"vote"`
}

type VotingRound struct {
	Votes        []RoundVote   `json:"votes"`
	Consensus    string        `json:"consensus"`
	WinningCards []string      `json:"winning_cards"`
	Duration     time.Duration `json:"duration"`
	RevealedAt   time.Time     `json:"revealed_at"`
}

// VotingHistoryItem 是一个已完成议题的不可变记录。
type VotingHistoryItem struct {
	ID          string        `json:"id"`
	RoomID      string        `json:"room_id"`
	Topic       string        `json:"topic"`
	Category    string        `json:"category"`
	CreatedAt   time.Time     `json:"created_at"`
	FinalizedAt time.Time     `json:"finalized_at"`
	Duration    time.Duration `json:"duration"`
	Consensus   string        `json:"consensus"`
	Rounds      []VotingRound `json:"rounds"`
}

// Consensus 按严格多数计算共识，返回标签与票数最多的卡片集合。
func Consensus(votes []string) (string, []string) {
	counts := make(map[string]int)
	for _, v := range votes {
		if v == "" {
			continue
		}
		counts[v]++
	}
	best := 0
	var winners []string
	for card, n := range counts {
		switch {
		case n > best:
			best = n
			winners = []string{card}
		case n == best:
			winners = append(winners, card)
		}
	}
	sort.Strings(winners)
	if len(winners) != 1 {
		return ConsensusTie, winners
	}
	return winners[0], winners
}

// NewRound 从已揭晓的快照生成一轮记录。
func NewRound(s Snapshot, now time.Time) VotingRound {
	round := VotingRound{RevealedAt: now, Duration: s.Timer().Elapsed(now)}
	values := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		if m.Status != StatusLogged || !m.HasVoted() {
			continue
		}
		round.Votes = append(round.Votes, RoundVote{UserID: m.User.ID, UserName: m.User.Name, Vote: *m.Vote})
		values = append(values, *m.Vote)
	}
	round.Consensus, round.WinningCards = Consensus(values)
	return round
}
