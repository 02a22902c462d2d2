package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/segmentio/encoding/json"
	_ "modernc.org/sqlite"
)

// SQLiteStore 把历史条目保存在本地 sqlite 文件中，轮次以 JSON 列存放。
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS voting_history (
    id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    topic TEXT NOT NULL,
    category TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    finalized_at INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    consensus TEXT NOT NULL,
    rounds TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_room ON voting_history(room_id, finalized_at);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, item models.VotingHistoryItem) error {
	rounds, err := json.Marshal(item.Rounds)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO voting_history (id, room_id, topic, category, created_at, finalized_at, duration_ms, consensus, rounds)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RoomID, item.Topic, item.Category,
		item.CreatedAt.UnixNano(), item.FinalizedAt.UnixNano(),
		item.Duration.Milliseconds(), item.Consensus, string(rounds))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, roomID string) ([]models.VotingHistoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, topic, category, created_at, finalized_at, duration_ms, consensus, rounds
FROM voting_history WHERE room_id = ? ORDER BY finalized_at, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []models.VotingHistoryItem
	for rows.Next() {
		var (
			it                 models.VotingHistoryItem
			created, finalized int64
			durationMs         int64
			rounds             string
		)
		if err := rows.Scan(&it.ID, &it.RoomID, &it.Topic, &it.Category, &created, &finalized, &durationMs, &it.Consensus, &rounds); err != nil {
			return nil, err
		}
		// 时间以 Unix 纳秒整数保存，排序与时间先后一致
		it.CreatedAt = time.Unix(0, created).UTC()
		it.FinalizedAt = time.Unix(0, finalized).UTC()
		it.Duration = time.Duration(durationMs) * time.Millisecond
		if err := json.Unmarshal([]byte(rounds), &it.Rounds); err != nil {
			return nil, fmt.Errorf("history rounds: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
