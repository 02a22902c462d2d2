// Package app 持有一个进程（一个“标签页”）内唯一的一组组件：REST 客户端、事件流连接、
// 会话、快照缓存、事件协调器与操作调度器。组件之间只通过这里注入的接口互相引用。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/actions"
	"github.com/igorssc/scrum-poker-sub000/internal/api"
	"github.com/igorssc/scrum-poker-sub000/internal/broadcast"
	"github.com/igorssc/scrum-poker-sub000/internal/cache"
	"github.com/igorssc/scrum-poker-sub000/internal/config"
	"github.com/igorssc/scrum-poker-sub000/internal/geo"
	"github.com/igorssc/scrum-poker-sub000/internal/history"
	"github.com/igorssc/scrum-poker-sub000/internal/models"
	"github.com/igorssc/scrum-poker-sub000/internal/notify"
	"github.com/igorssc/scrum-poker-sub000/internal/reconcile"
	"github.com/igorssc/scrum-poker-sub000/internal/session"
	"github.com/igorssc/scrum-poker-sub000/internal/stream"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Options 中为空的依赖按配置创建；测试可以注入共享的广播通道与内存存储。
type Options struct {
	Config    config.Config
	Navigator session.Navigator
	Channel   broadcast.Channel
	Storage   session.Storage
	History   history.Store
	Locator   geo.Locator
	Sink      func(notify.Notice)
	TabID     string
}

type App struct {
	cfg config.Config

	API        *api.Client
	Stream     *stream.Manager
	Session    *session.Store
	Cache      *cache.Cache
	Reconciler *reconcile.Reconciler
	Actions    *actions.Dispatcher
	Notifier   *notify.Notifier
	History    *history.Recorder

	nav     session.Navigator
	closers []io.Closer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	room        string
	stopPoll    context.CancelFunc
	unsubscribe func()
	stopChange  func()
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	if opts.Navigator == nil {
		opts.Navigator = session.NavigatorFunc(func(path string) {
			log.Debug().Str("path", path).Msg("navigate")
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{cfg: cfg, nav: opts.Navigator, ctx: ctx, cancel: cancel}

	if opts.Channel == nil {
		ch, err := broadcast.Open(broadcast.Options{
			Driver:   cfg.Broadcast.Driver,
			Addr:     cfg.Broadcast.Addr,
			User:     cfg.Broadcast.User,
			Password: cfg.Broadcast.Password,
			Name:     cfg.Broadcast.Channel,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open broadcast channel: %w", err)
		}
		opts.Channel = ch
		a.closers = append(a.closers, ch)
	}
	if opts.Storage == nil {
		st, err := session.OpenSQLite(cfg.Client.StoragePath)
		if err != nil {
			a.closeAll()
			cancel()
			return nil, fmt.Errorf("open session storage: %w", err)
		}
		opts.Storage = st
		a.closers = append(a.closers, st)
	}
	if opts.History == nil && cfg.Client.HistoryPath != "" {
		hs, err := history.OpenSQLite(cfg.Client.HistoryPath)
		if err != nil {
			a.closeAll()
			cancel()
			return nil, fmt.Errorf("open history store: %w", err)
		}
		opts.History = hs
		a.closers = append(a.closers, hs)
	}
	if opts.Locator == nil {
		var c *geo.Coordinates
		if cfg.Geo.Lat != nil && cfg.Geo.Lng != nil {
			c = &geo.Coordinates{Lat: *cfg.Geo.Lat, Lng: *cfg.Geo.Lng}
		}
		opts.Locator = geo.Static{Coordinates: c, Denied: cfg.Geo.Denied}
	}

	a.Notifier = notify.New(notify.Options{
		MaxVisible: cfg.Notify.MaxVisible,
		Rate:       rate.Limit(cfg.Notify.RatePerSecond),
		Burst:      cfg.Notify.Burst,
		Sink:       opts.Sink,
	})
	a.API = api.New(cfg.Client.BaseURL, cfg.Client.RequestTimeout, a)
	a.Session = session.New(session.Options{
		Storage:   opts.Storage,
		Channel:   opts.Channel,
		Navigator: opts.Navigator,
		Remote:    a.API,
		TabID:     opts.TabID,
	})
	a.Stream = stream.New(stream.Options{
		URL:            cfg.Client.StreamEndpoint(),
		Token:          a.AccessToken,
		MaxRetries:     cfg.Stream.MaxRetries,
		InitialBackoff: cfg.Stream.InitialBackoff,
		MaxBackoff:     cfg.Stream.MaxBackoff,
		OnGiveUp: func(err error) {
			a.Notifier.Notify("Live updates are unavailable, the room keeps refreshing every few seconds")
		},
	})
	a.Cache = cache.New(cache.Options{
		Fetcher:    a.API,
		Interval:   cfg.Client.PollInterval,
		Timeout:    cfg.Client.RequestTimeout,
		ActiveRoom: a.Session.ActiveRoom,
		OnGone:     a.roomGone,
		OnRefresh: func(snap models.Snapshot) {
			a.Session.Reconcile(a.ctx, snap)
		},
	})
	a.Reconciler = reconcile.New(a.Cache, a.Session, opts.Navigator)
	a.History = history.NewRecorder(opts.History)
	a.Actions = actions.New(actions.Options{
		Remote:   a.API,
		Session:  a.Session,
		Cache:    a.Cache,
		History:  a.History,
		Locator:  opts.Locator,
		GeoLimit: cfg.Geo.Limit,
	})
	return a, nil
}

// AccessToken 让 REST 客户端与事件流都使用会话当前的令牌。
func (a *App) AccessToken() string {
	if a.Session == nil {
		return ""
	}
	return a.Session.AccessToken()
}

// Start 恢复会话；会话每次进入或离开房间时自动启停轮询与事件订阅。
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.stopChange == nil {
		a.stopChange = a.Session.OnChange(func(session.Change) { a.sync() })
	}
	a.mu.Unlock()
	if err := a.Session.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate session: %w", err)
	}
	a.sync()
	return nil
}

// ActiveRoom 返回当前在轮询的房间。
func (a *App) ActiveRoom() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.room
}

// Room 返回当前房间的缓存快照。
func (a *App) Room() (models.Snapshot, bool) {
	roomID := a.ActiveRoom()
	if roomID == "" {
		return models.Snapshot{}, false
	}
	return a.Cache.Get(roomID)
}

// Report 把操作失败交给通知通道，只有业务错误会显示。
// 404/403 表示房间或成员已不存在，与轮询发现时一样立即清除会话。
func (a *App) Report(err error) {
	if err == nil {
		return
	}
	if api.IsGone(err) {
		if id, ok := a.Session.Identity(); ok {
			a.roomGone(id.RoomID, err)
		}
	}
	a.Notifier.Error(err)
}

// sync 让轮询与订阅跟随会话的当前房间。回调可能来自轮询协程本身，所以这里只取消、不等待。
func (a *App) sync() {
	target := a.Session.ActiveRoom()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx.Err() != nil || target == a.room {
		return
	}
	if a.room != "" {
		a.stopPoll()
		a.unsubscribe()
		a.Cache.Remove(a.room)
		log.Info().Str("room_id", a.room).Msg("room deactivated")
	}
	a.room, a.stopPoll, a.unsubscribe = target, nil, nil
	if target == "" {
		return
	}

	pctx, stop := context.WithCancel(a.ctx)
	a.stopPoll = stop
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Cache.Poll(pctx, target)
	}()
	a.unsubscribe = a.Stream.Subscribe(target, a.Reconciler.Apply)
	log.Info().Str("room_id", target).Msg("room activated")
}

func (a *App) roomGone(roomID string, err error) {
	log.Warn().Err(err).Str("room_id", roomID).Msg("room or membership no longer exists")
	a.Session.Clear(a.ctx, "room gone")
	a.nav.Navigate(session.PathHome)
}

// Close 停止轮询与事件流并释放存储。
func (a *App) Close() error {
	a.mu.Lock()
	if a.stopChange != nil {
		a.stopChange()
		a.stopChange = nil
	}
	if a.room != "" {
		a.stopPoll()
		a.unsubscribe()
		a.room = ""
	}
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	var errs []error
	if err := a.Stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Session.Close(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, a.closeAll())
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// WaitFor 等待当前房间的快照满足条件，用于命令行与测试。
func (a *App) WaitFor(ctx context.Context, cond func(models.Snapshot) bool) (models.Snapshot, error) {
	roomID := a.ActiveRoom()
	if roomID == "" {
		return models.Snapshot{}, actions.ErrNoIdentity
	}
	if snap, ok := a.Cache.Get(roomID); ok && cond(snap) {
		return snap, nil
	}
	updates, stop := a.Cache.Watch(roomID)
	defer stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return models.Snapshot{}, ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return models.Snapshot{}, actions.ErrNoIdentity
			}
			if cond(snap) {
				return snap, nil
			}
		case <-tick.C:
			if snap, ok := a.Cache.Get(roomID); ok && cond(snap) {
				return snap, nil
			}
		}
	}
}
