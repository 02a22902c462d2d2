// Package actions 是用户操作的调度器：每个操作发起一次 REST 修改，成功后使所在房间的快照失效，
// 失败时把错误原样返回给调用方决定如何提示。
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/api"
	"github.com/igorssc/scrum-poker-sub000/internal/geo"
	"github.com/igorssc/scrum-poker-sub000/internal/history"
	"github.com/igorssc/scrum-poker-sub000/internal/models"
	"github.com/igorssc/scrum-poker-sub000/internal/session"

	"github.com/rs/zerolog/log"
)

var (
	ErrNoIdentity = errors.New("actions: not in a room")
	ErrNoSnapshot = errors.New("actions: room snapshot not loaded")
	ErrEmptyName  = errors.New("actions: name is required")
)

// Remote 是调度器用到的 REST 接口子集，*api.Client 实现了它。
type Remote interface {
	CreateRoom(ctx context.Context, req api.CreateRoomRequest) (*api.Entry, error)
	SignIn(ctx context.Context, roomID string, req api.SignInRequest) (*api.Entry, error)
	AcceptMember(ctx context.Context, roomID string, d api.Decision) error
	RefuseMember(ctx context.Context, roomID string, d api.Decision) error
	UpdateRoom(ctx context.Context, roomID, userID string, patch models.RoomPatch) error
	UpdateUser(ctx context.Context, userID, name string) error
	Vote(ctx context.Context, roomID, userID, vote string) error
	RevealVotes(ctx context.Context, roomID string) error
	ClearVotes(ctx context.Context, roomID string) error
	NearbyRooms(ctx context.Context, lat, lng, maxDistance float64) ([]models.Room, error)
	Invite(ctx context.Context, roomID string) (*api.Invite, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

type Session interface {
	Identity() (session.Identity, bool)
	Enter(ctx context.Context, id session.Identity) error
	Logout(ctx context.Context, redirect string)
	Clear(ctx context.Context, reason string)
}

type Cache interface {
	Get(roomID string) (models.Snapshot, bool)
	Invalidate(roomID string)
}

type Options struct {
	Remote   Remote
	Session  Session
	Cache    Cache
	History  *history.Recorder
	Locator  geo.Locator
	Now      func() time.Time
	GeoLimit time.Duration
}

type Dispatcher struct {
	remote   Remote
	session  Session
	cache    Cache
	history  *history.Recorder
	locator  geo.Locator
	now      func() time.Time
	geoLimit time.Duration
}

func New(opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.History == nil {
		opts.History = history.NewRecorder(nil)
	}
	return &Dispatcher{
		remote:   opts.Remote,
		session:  opts.Session,
		cache:    opts.Cache,
		history:  opts.History,
		locator:  opts.Locator,
		now:      opts.Now,
		geoLimit: opts.GeoLimit,
	}
}

func (d *Dispatcher) identity() (session.Identity, error) {
	id, ok := d.session.Identity()
	if !ok {
		return session.Identity{}, ErrNoIdentity
	}
	return id, nil
}

// mutate 执行一次针对当前房间的修改，成功后使快照失效。
func (d *Dispatcher) mutate(ctx context.Context, op string, fn func(id session.Identity) error) error {
	id, err := d.identity()
	if err != nil {
		return err
	}
	if err := fn(id); err != nil {
		log.Debug().Err(err).Str("op", op).Str("room_id", id.RoomID).Msg("action failed")
		return fmt.Errorf("%s: %w", op, err)
	}
	d.cache.Invalidate(id.RoomID)
	return nil
}

type CreateRoomInput struct {
	Name     string
	UserName string
	Theme    string
	Private  bool
}

// CreateRoom 创建房间，调用者成为房主并直接进入 active-member。
func (d *Dispatcher) CreateRoom(ctx context.Context, in CreateRoomInput) (*api.Entry, error) {
	in.Name, in.UserName = strings.TrimSpace(in.Name), strings.TrimSpace(in.UserName)
	if in.Name == "" || in.UserName == "" {
		return nil, ErrEmptyName
	}
	req := api.CreateRoomRequest{Name: in.Name, UserName: in.UserName, Theme: in.Theme, Private: in.Private}
	if c, err := geo.Locate(ctx, d.locator, d.geoLimit); err == nil {
		req.Lat, req.Lng = c.Lat, c.Lng
	} else {
		log.Debug().Err(err).Msg("room created without location")
	}
	entry, err := d.remote.CreateRoom(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	id := session.Identity{
		RoomID:      entry.Room.ID,
		OwnerID:     entry.Room.OwnerID,
		AccessToken: entry.AccessToken,
		UserID:      entry.User.ID,
	}
	if err := d.session.Enter(ctx, id); err != nil {
		return nil, err
	}
	d.cache.Invalidate(entry.Room.ID)
	return entry, nil
}

// EnterRoom 请求加入房间，成员状态不是 LOGGED 时进入 pending-approval。
func (d *Dispatcher) EnterRoom(ctx context.Context, roomID, userName, access string) (*api.Entry, error) {
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return nil, ErrEmptyName
	}
	entry, err := d.remote.SignIn(ctx, roomID, api.SignInRequest{UserName: userName, Access: access})
	if err != nil {
		return nil, fmt.Errorf("enter room: %w", err)
	}
	id := session.Identity{
		RoomID:             entry.Room.ID,
		OwnerID:            entry.Room.OwnerID,
		AccessToken:        entry.AccessToken,
		UserID:             entry.User.ID,
		WaitingForApproval: entry.Member.Status != models.StatusLogged,
	}
	if err := d.session.Enter(ctx, id); err != nil {
		return nil, err
	}
	d.cache.Invalidate(entry.Room.ID)
	return entry, nil
}

func (d *Dispatcher) Vote(ctx context.Context, card string) error {
	return d.mutate(ctx, "vote", func(id session.Identity) error {
		return d.remote.Vote(ctx, id.RoomID, id.UserID, card)
	})
}

// RevealCards 揭晓投票，并把本轮记入当前议题的历史。
func (d *Dispatcher) RevealCards(ctx context.Context) error {
	err := d.mutate(ctx, "reveal cards", func(id session.Identity) error {
		return d.remote.RevealVotes(ctx, id.RoomID)
	})
	if err != nil {
		return err
	}
	id, _ := d.session.Identity()
	if snap, ok := d.cache.Get(id.RoomID); ok {
		snap.CardsOpen = true
		d.history.RecordRound(id.RoomID, snap, d.now())
	}
	return nil
}

func (d *Dispatcher) ClearVotes(ctx context.Context) error {
	return d.mutate(ctx, "clear votes", func(id session.Identity) error {
		return d.remote.ClearVotes(ctx, id.RoomID)
	})
}

func (d *Dispatcher) AcceptMember(ctx context.Context, userID string) error {
	return d.mutate(ctx, "accept member", func(id session.Identity) error {
		return d.remote.AcceptMember(ctx, id.RoomID, api.Decision{OwnerID: id.UserID, UserID: userID, Access: id.AccessToken})
	})
}

func (d *Dispatcher) RefuseMember(ctx context.Context, userID string) error {
	return d.mutate(ctx, "refuse member", func(id session.Identity) error {
		return d.remote.RefuseMember(ctx, id.RoomID, api.Decision{OwnerID: id.UserID, UserID: userID, Access: id.AccessToken})
	})
}

// UpdateRoom 部分更新房间：改名、主题、隐私、权限名单、议题与计时器时间戳。
func (d *Dispatcher) UpdateRoom(ctx context.Context, patch models.RoomPatch) error {
	if patch.Empty() {
		return nil
	}
	return d.mutate(ctx, "update room", func(id session.Identity) error {
		return d.remote.UpdateRoom(ctx, id.RoomID, id.UserID, patch)
	})
}

func (d *Dispatcher) UpdateUserName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	return d.mutate(ctx, "update user", func(id session.Identity) error {
		return d.remote.UpdateUser(ctx, id.UserID, name)
	})
}

func (d *Dispatcher) timer() (models.Timer, error) {
	id, err := d.identity()
	if err != nil {
		return models.Timer{}, err
	}
	snap, ok := d.cache.Get(id.RoomID)
	if !ok {
		return models.Timer{}, ErrNoSnapshot
	}
	return snap.Timer(), nil
}

func (d *Dispatcher) updateTimer(ctx context.Context, next func(models.Timer) models.Timer) error {
	t, err := d.timer()
	if err != nil {
		return err
	}
	return d.UpdateRoom(ctx, next(t).Patch())
}

func (d *Dispatcher) StartTimer(ctx context.Context) error {
	now := d.now()
	return d.updateTimer(ctx, func(t models.Timer) models.Timer { return t.Start(now) })
}

// PauseTimer 记录停止时间，已走过的时长由两个时间戳决定。
func (d *Dispatcher) PauseTimer(ctx context.Context) error {
	now := d.now()
	return d.updateTimer(ctx, func(t models.Timer) models.Timer { return t.Pause(now) })
}

// ResumeTimer 把开始时间前移为 now - elapsed，恢复后读数不变。
func (d *Dispatcher) ResumeTimer(ctx context.Context) error {
	now := d.now()
	return d.updateTimer(ctx, func(t models.Timer) models.Timer { return t.Resume(now) })
}

func (d *Dispatcher) ResetTimer(ctx context.Context) error {
	return d.UpdateRoom(ctx, models.Timer{}.Patch())
}

// SetTopic 设置当前讨论的议题。
func (d *Dispatcher) SetTopic(ctx context.Context, issue, category string) error {
	issue, category = strings.TrimSpace(issue), strings.TrimSpace(category)
	err := d.UpdateRoom(ctx, models.RoomPatch{CurrentIssue: &issue, CurrentCategory: &category})
	if err != nil {
		return err
	}
	id, _ := d.session.Identity()
	d.history.StartTopic(id.RoomID, issue, category, d.now())
	return nil
}

// FinalizeTopic 把已揭晓的轮次固化为历史条目，然后清空议题、计时器与投票。
func (d *Dispatcher) FinalizeTopic(ctx context.Context) (models.VotingHistoryItem, error) {
	id, err := d.identity()
	if err != nil {
		return models.VotingHistoryItem{}, err
	}
	item, err := d.history.Finalize(ctx, id.RoomID, d.now())
	if err != nil {
		return models.VotingHistoryItem{}, err
	}
	empty := ""
	patch := models.Timer{}.Patch()
	patch.CurrentIssue, patch.CurrentCategory = &empty, &empty
	if err := d.UpdateRoom(ctx, patch); err != nil {
		return item, err
	}
	if err := d.ClearVotes(ctx); err != nil {
		return item, err
	}
	return item, nil
}

func (d *Dispatcher) History(ctx context.Context) ([]models.VotingHistoryItem, error) {
	id, err := d.identity()
	if err != nil {
		return nil, err
	}
	return d.history.List(ctx, id.RoomID)
}

// NearbyRooms 定位后查询附近的公开房间，定位失败时返回 geo 包的错误。
func (d *Dispatcher) NearbyRooms(ctx context.Context, maxDistance float64) ([]models.Room, error) {
	c, err := geo.Locate(ctx, d.locator, d.geoLimit)
	if err != nil {
		return nil, err
	}
	return d.remote.NearbyRooms(ctx, c.Lat, c.Lng, maxDistance)
}

func (d *Dispatcher) Invite(ctx context.Context) (*api.Invite, error) {
	id, err := d.identity()
	if err != nil {
		return nil, err
	}
	return d.remote.Invite(ctx, id.RoomID)
}

// Logout 离开房间，后端通知失败只记录日志。
func (d *Dispatcher) Logout(ctx context.Context, redirect string) error {
	if _, err := d.identity(); err != nil {
		return err
	}
	d.session.Logout(ctx, redirect)
	return nil
}

// DeleteRoom 删除当前房间并清空本地身份，后端已无成员记录可供 sign-out。
func (d *Dispatcher) DeleteRoom(ctx context.Context) error {
	id, err := d.identity()
	if err != nil {
		return err
	}
	if err := d.remote.DeleteRoom(ctx, id.RoomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	log.Info().Str("room_id", id.RoomID).Msg("room deleted")
	d.session.Clear(ctx, "room deleted")
	return nil
}
