// Package session 是每个“标签页”的身份存储：当前房间、当前用户与等待审批标记，
// 持久化到共享存储并通过广播通道与兄弟标签页协调。
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/broadcast"
	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateHydrating State = iota
	StateAnonymous
	StatePendingApproval
	StateActiveMember
)

func (s State) String() string {
	switch s {
	case StateHydrating:
		return "hydrating"
	case StateAnonymous:
		return "anonymous"
	case StatePendingApproval:
		return "pending-approval"
	case StateActiveMember:
		return "active-member"
	default:
		return "unknown"
	}
}

var (
	ErrNotHydrated = errors.New("session: not hydrated")
	ErrNoIdentity  = errors.New("session: no identity")
)

const PathHome = "/"

func RoomPath(roomID string) string { return "/rooms/" + roomID }

func JoinPath(roomID string) string { return "/rooms/" + roomID + "/join" }

// Identity 是持久化的会话身份。
type Identity struct {
	RoomID             string `json:"room_id"`
	OwnerID            string `json:"owner_id"`
	AccessToken        string `json:"access_token"`
	UserID             string `json:"user_id"`
	WaitingForApproval bool   `json:"waiting_for_approval"`
}

func (id Identity) Empty() bool { return id.RoomID == "" || id.UserID == "" }

func (id Identity) sameSession(roomID, userID string) bool {
	return id.RoomID == roomID && id.UserID == userID
}

// Navigator 是路由层，兄弟标签页的通告可能迫使本页跳转。
type Navigator interface {
	Navigate(path string)
}

type NavigatorFunc func(path string)

func (f NavigatorFunc) Navigate(path string) { f(path) }

// Remote 是登出时尽力而为的后端通知。
type Remote interface {
	SignOut(ctx context.Context, roomID, userID string) error
}

// Change 描述一次状态迁移。
type Change struct {
	From     State
	To       State
	Identity Identity
}

type Options struct {
	Storage   Storage
	Channel   broadcast.Channel
	Navigator Navigator
	Remote    Remote
	// TabID 为空时随机生成。
	TabID string
}

type Store struct {
	storage Storage
	channel broadcast.Channel
	nav     Navigator
	remote  Remote
	tabID   string

	mu        sync.RWMutex
	state     State
	id        Identity
	listeners map[uint64]func(Change)
	nextID    uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Store {
	if opts.Storage == nil {
		opts.Storage = NewMemoryStorage()
	}
	if opts.Navigator == nil {
		opts.Navigator = NavigatorFunc(func(string) {})
	}
	if opts.TabID == "" {
		opts.TabID = uuid.NewString()
	}
	return &Store{
		storage:   opts.Storage,
		channel:   opts.Channel,
		nav:       opts.Navigator,
		remote:    opts.Remote,
		tabID:     opts.TabID,
		state:     StateHydrating,
		listeners: make(map[uint64]func(Change)),
	}
}

func (s *Store) TabID() string { return s.tabID }

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity 返回当前身份的副本，匿名或未加载时 ok 为 false。
func (s *Store) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, !s.id.Empty()
}

// ActiveRoom 返回当前会话关联的房间，等待审批期间同样返回该房间。
func (s *Store) ActiveRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateActiveMember && s.state != StatePendingApproval {
		return ""
	}
	return s.id.RoomID
}

func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id.AccessToken
}

// OnChange 注册状态迁移监听，返回注销函数。
func (s *Store) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Hydrate 从持久化存储恢复身份并开始监听兄弟标签页，不发起网络请求。
func (s *Store) Hydrate(ctx context.Context) error {
	if s.channel != nil && s.cancel == nil {
		lctx, cancel := context.WithCancel(context.Background())
		msgs, err := s.channel.Subscribe(lctx)
		if err != nil {
			cancel()
			return err
		}
		s.cancel = cancel
		s.wg.Add(1)
		go s.listen(msgs)
	}

	id, ok, err := s.storage.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Str("tab_id", s.tabID).Msg("session hydrate failed, starting anonymous")
		ok = false
	}
	if !ok || id.Empty() {
		s.transition(StateAnonymous, Identity{})
		return nil
	}
	if id.WaitingForApproval {
		s.transition(StatePendingApproval, id)
		return nil
	}
	s.transition(StateActiveMember, id)
	s.publish(ctx, broadcast.Message{Type: broadcast.TypeLogin, RoomID: id.RoomID, UserID: id.UserID})
	return nil
}

// Enter 在创建房间或加入房间成功后记录身份。
// 需要审批时进入 pending-approval 并广播 waiting-login，否则进入 active-member 并广播 login。
func (s *Store) Enter(ctx context.Context, id Identity) error {
	if id.Empty() {
		return ErrNoIdentity
	}
	if s.State() == StateHydrating {
		return ErrNotHydrated
	}
	if err := s.storage.Save(ctx, id); err != nil {
		return err
	}
	msg := broadcast.Message{RoomID: id.RoomID, UserID: id.UserID}
	if id.WaitingForApproval {
		s.transition(StatePendingApproval, id)
		msg.Type = broadcast.TypeWaitingLogin
	} else {
		s.transition(StateActiveMember, id)
		msg.Type = broadcast.TypeLogin
	}
	s.publish(ctx, msg)
	log.Info().Str("room_id", id.RoomID).Str("user_id", id.UserID).Str("tab_id", s.tabID).
		Bool("waiting", id.WaitingForApproval).Msg("session entered room")
	return nil
}

// MarkApproved 把等待审批的会话提升为正式成员。
func (s *Store) MarkApproved(ctx context.Context) {
	s.mu.RLock()
	state, id := s.state, s.id
	s.mu.RUnlock()
	if state != StatePendingApproval {
		return
	}
	id.WaitingForApproval = false
	if err := s.storage.Save(ctx, id); err != nil {
		log.Warn().Err(err).Str("room_id", id.RoomID).Msg("session persist approval")
	}
	s.transition(StateActiveMember, id)
	s.publish(ctx, broadcast.Message{Type: broadcast.TypeLogin, RoomID: id.RoomID, UserID: id.UserID})
}

// Clear 无条件清空房间、用户与等待标记。
func (s *Store) Clear(ctx context.Context, reason string) {
	s.mu.RLock()
	id := s.id
	s.mu.RUnlock()
	if err := s.storage.Clear(ctx); err != nil {
		log.Warn().Err(err).Msg("session storage clear")
	}
	s.transition(StateAnonymous, Identity{})
	log.Info().Str("room_id", id.RoomID).Str("user_id", id.UserID).Str("tab_id", s.tabID).
		Str("reason", reason).Msg("session cleared")
}

// Logout 尽力通知后端，清空身份并广播 logout，兄弟标签页随之跳转到 redirect。
func (s *Store) Logout(ctx context.Context, redirect string) {
	if redirect == "" {
		redirect = PathHome
	}
	id, ok := s.Identity()
	if ok && s.remote != nil {
		if err := s.remote.SignOut(ctx, id.RoomID, id.UserID); err != nil {
			log.Warn().Err(err).Str("room_id", id.RoomID).Str("user_id", id.UserID).Msg("sign-out request failed")
		}
	}
	s.Clear(ctx, "logout")
	s.publish(ctx, broadcast.Message{Type: broadcast.TypeLogout, RoomID: id.RoomID, UserID: id.UserID, Redirect: redirect})
	s.nav.Navigate(redirect)
}

// Reconcile 用最新快照校正成员状态：审批通过则提升，被拒绝或被移除则清空。
func (s *Store) Reconcile(ctx context.Context, snap models.Snapshot) {
	s.mu.RLock()
	state, id := s.state, s.id
	s.mu.RUnlock()
	if snap.ID != id.RoomID || (state != StateActiveMember && state != StatePendingApproval) {
		return
	}
	m, found := snap.MemberByUser(id.UserID)
	switch {
	case !found:
		s.Clear(ctx, "member removed")
		s.nav.Navigate(PathHome)
	case m.Status == models.StatusRefused:
		s.Clear(ctx, "member refused")
		s.nav.Navigate(PathHome)
	case m.Status == models.StatusLogged && state == StatePendingApproval:
		s.MarkApproved(ctx)
	}
}

// Close 停止监听广播通道。
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Store) transition(to State, id Identity) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.id = id
	listeners := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	if from != to {
		log.Debug().Str("tab_id", s.tabID).Str("from", from.String()).Str("to", to.String()).Msg("session state")
	}
	ch := Change{From: from, To: to, Identity: id}
	for _, fn := range listeners {
		fn(ch)
	}
}

func (s *Store) publish(ctx context.Context, msg broadcast.Message) {
	if s.channel == nil {
		return
	}
	msg.TabID = s.tabID
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.channel.Publish(ctx, msg); err != nil {
		log.Warn().Err(err).Str("type", string(msg.Type)).Str("tab_id", s.tabID).Msg("broadcast publish")
	}
}

func (s *Store) listen(msgs <-chan broadcast.Message) {
	defer s.wg.Done()
	for msg := range msgs {
		s.handle(msg)
	}
}

func (s *Store) handle(msg broadcast.Message) {
	if msg.TabID == s.tabID {
		return
	}
	ctx := context.Background()
	s.mu.RLock()
	state, id := s.state, s.id
	s.mu.RUnlock()
	if state == StateHydrating {
		return
	}

	switch msg.Type {
	case broadcast.TypeLogin:
		if id.sameSession(msg.RoomID, msg.UserID) {
			if id.WaitingForApproval {
				s.reload(ctx)
			}
			return
		}
		// 另一个标签页开启了不同的会话，本页离开房间并跟随共享存储
		log.Info().Str("tab_id", s.tabID).Str("from_tab", msg.TabID).Str("room_id", msg.RoomID).Msg("sibling logged in, leaving room view")
		s.nav.Navigate(PathHome)
		s.reload(ctx)
	case broadcast.TypeWaitingLogin:
		if id.RoomID != msg.RoomID {
			return
		}
		s.reload(ctx)
		s.nav.Navigate(JoinPath(msg.RoomID))
	case broadcast.TypeLogout:
		if state == StateAnonymous {
			return
		}
		if err := s.storage.Clear(ctx); err != nil {
			log.Warn().Err(err).Msg("session storage clear")
		}
		s.transition(StateAnonymous, Identity{})
		redirect := msg.Redirect
		if redirect == "" {
			redirect = PathHome
		}
		s.nav.Navigate(redirect)
	}
}

// reload 用共享存储中的身份替换本页的副本。
func (s *Store) reload(ctx context.Context) {
	id, ok, err := s.storage.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Str("tab_id", s.tabID).Msg("session reload")
		return
	}
	switch {
	case !ok || id.Empty():
		s.transition(StateAnonymous, Identity{})
	case id.WaitingForApproval:
		s.transition(StatePendingApproval, id)
	default:
		s.transition(StateActiveMember, id)
	}
}
