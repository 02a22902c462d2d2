// Package cache 保存每个房间最近一次已知的快照，由轮询整体刷新、由事件增量修改。
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/api"
	"github.com/igorssc/scrum-poker-sub000/internal/metrics"
	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/rs/zerolog/log"
)

const DefaultInterval = 3 * time.Second

var ErrStale = errors.New("cache: snapshot no longer belongs to the active room")

// Fetcher 拉取房间的完整快照。
type Fetcher interface {
	GetRoom(ctx context.Context, roomID string) (*models.Snapshot, error)
}

type Options struct {
	Fetcher  Fetcher
	Interval time.Duration
	Timeout  time.Duration
	// ActiveRoom 返回当前会话关联的房间，拉取结果只有在仍匹配时才会写入。
	ActiveRoom func() string
	// OnGone 在活动房间的拉取返回 404/403 时调用。
	OnGone func(roomID string, err error)
	// OnRefresh 在每次成功写入拉取结果后调用。
	OnRefresh func(models.Snapshot)
}

type entry struct {
	snap  models.Snapshot
	stale bool
}

// Cache 以房间 ID 为键，每个房间最多一份快照；所有写入都经过 Set 与 Mutate。
type Cache struct {
	opts Options

	mu       sync.Mutex
	entries  map[string]*entry
	watchers map[string]map[chan models.Snapshot]struct{}
	kicks    map[string]chan struct{}
}

func New(opts Options) *Cache {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Cache{
		opts:     opts,
		entries:  make(map[string]*entry),
		watchers: make(map[string]map[chan models.Snapshot]struct{}),
		kicks:    make(map[string]chan struct{}),
	}
}

// Get 返回快照副本。
func (c *Cache) Get(roomID string) (models.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[roomID]
	if !ok {
		return models.Snapshot{}, false
	}
	return e.snap.Clone(), true
}

// Stale 报告快照是否已被标记为过期。
func (c *Cache) Stale(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[roomID]
	return ok && e.stale
}

// Set 整体替换快照。
func (c *Cache) Set(roomID string, snap models.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[roomID] = &entry{snap: snap.Clone()}
	c.notifyLocked(roomID)
}

// Mutate 在锁内对快照副本应用 fn 并写回，房间不在缓存中时返回 false。
func (c *Cache) Mutate(roomID string, fn func(models.Snapshot) models.Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[roomID]
	if !ok {
		return false
	}
	e.snap = fn(e.snap.Clone())
	c.notifyLocked(roomID)
	return true
}

// Invalidate 标记过期并触发后台重新拉取。
func (c *Cache) Invalidate(roomID string) {
	c.mu.Lock()
	if e, ok := c.entries[roomID]; ok {
		e.stale = true
	}
	kick, polling := c.kicks[roomID]
	c.mu.Unlock()

	if polling {
		select {
		case kick <- struct{}{}:
		default:
		}
		return
	}
	go func() {
		if err := c.Refresh(context.Background(), roomID); err != nil {
			log.Debug().Err(err).Str("room_id", roomID).Msg("background refresh")
		}
	}()
}

// Remove 丢弃房间的快照并关闭其订阅。
func (c *Cache) Remove(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, roomID)
	for ch := range c.watchers[roomID] {
		close(ch)
	}
	delete(c.watchers, roomID)
}

// Watch 订阅房间快照的变化，通道只保留最新一份。
func (c *Cache) Watch(roomID string) (<-chan models.Snapshot, func()) {
	ch := make(chan models.Snapshot, 1)
	c.mu.Lock()
	set, ok := c.watchers[roomID]
	if !ok {
		set = make(map[chan models.Snapshot]struct{})
		c.watchers[roomID] = set
	}
	set[ch] = struct{}{}
	if e, ok := c.entries[roomID]; ok {
		ch <- e.snap.Clone()
	}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.watchers[roomID][ch]; ok {
				delete(c.watchers[roomID], ch)
				close(ch)
			}
		})
	}
}

func (c *Cache) notifyLocked(roomID string) {
	e := c.entries[roomID]
	for ch := range c.watchers[roomID] {
		select {
		case <-ch:
		default:
		}
		ch <- e.snap.Clone()
	}
}

// Refresh 拉取一次完整快照。结果所属房间已不是活动房间时丢弃并返回 ErrStale。
func (c *Cache) Refresh(ctx context.Context, roomID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	snap, err := c.opts.Fetcher.GetRoom(ctx, roomID)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			// 轮询已停止
		case api.IsGone(err):
			metrics.SnapshotPolls.WithLabelValues("gone").Inc()
			if c.isActive(roomID) {
				log.Info().Err(err).Str("room_id", roomID).Msg("room no longer available")
				c.Remove(roomID)
				if c.opts.OnGone != nil {
					c.opts.OnGone(roomID, err)
				}
			}
		case api.IsTransient(err):
			metrics.SnapshotPolls.WithLabelValues("transient").Inc()
			log.Debug().Err(err).Str("room_id", roomID).Msg("snapshot fetch failed")
		default:
			metrics.SnapshotPolls.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("room_id", roomID).Msg("snapshot fetch failed")
		}
		return err
	}
	if !c.isActive(roomID) {
		metrics.SnapshotPolls.WithLabelValues("discarded").Inc()
		return ErrStale
	}
	metrics.SnapshotPolls.WithLabelValues("ok").Inc()
	c.Set(roomID, *snap)
	if c.opts.OnRefresh != nil {
		c.opts.OnRefresh(snap.Clone())
	}
	return nil
}

func (c *Cache) isActive(roomID string) bool {
	if c.opts.ActiveRoom == nil {
		return true
	}
	return c.opts.ActiveRoom() == roomID
}

// Poll 立即拉取一次，此后按固定间隔拉取，与事件流是否连通无关。Invalidate 会提前触发一次拉取。
// 阻塞直到 ctx 结束。
func (c *Cache) Poll(ctx context.Context, roomID string) {
	kick := make(chan struct{}, 1)
	c.mu.Lock()
	c.kicks[roomID] = kick
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.kicks[roomID] == kick {
			delete(c.kicks, roomID)
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	log.Debug().Str("room_id", roomID).Dur("interval", c.opts.Interval).Msg("snapshot polling started")
	for {
		_ = c.Refresh(ctx, roomID)
		select {
		case <-ctx.Done():
			log.Debug().Str("room_id", roomID).Msg("snapshot polling stopped")
			return
		case <-ticker.C:
		case <-kick:
		}
	}
}
