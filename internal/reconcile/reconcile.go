// Package reconcile 把每个流事件映射为对快照缓存的一次修改。
// 所有处理都可以重复应用，并与轮询得到的整体替换可交换。
package reconcile

import (
	"context"

	"github.com/igorssc/scrum-poker-sub000/internal/events"
	"github.com/igorssc/scrum-poker-sub000/internal/metrics"
	"github.com/igorssc/scrum-poker-sub000/internal/models"
	"github.com/igorssc/scrum-poker-sub000/internal/session"

	"github.com/rs/zerolog/log"
)

// Reduce 是纯函数：返回对 s 应用 ev 后的快照，不修改入参。
func Reduce(s models.Snapshot, ev events.Event) models.Snapshot {
	out := s.Clone()
	switch e := ev.(type) {
	case events.MemberJoinRequested:
		if _, exists := out.MemberByUser(e.Member.User.ID); exists {
			return out
		}
		m := e.Member
		// 公开房间或邀请链接加入的成员直接以 LOGGED 出现，同样按 user id 去重
		if m.Status != models.StatusLogged {
			m.Status = models.StatusPending
		}
		m.Vote = nil
		out.Members = append(out.Members, m)
	case events.MemberApproved:
		for i := range out.Members {
			if out.Members[i].User.ID == e.Member.User.ID {
				out.Members[i].Status = models.StatusLogged
			}
		}
	case events.MemberRefused:
		out.Members = without(out.Members, e.UserID)
	case events.MemberLeft:
		out.Members = without(out.Members, e.UserID)
	case events.VotesCleared:
		out.CardsOpen = false
		for i := range out.Members {
			out.Members[i].Vote = nil
		}
	case events.VotesRevealed:
		out.CardsOpen = true
	case events.MemberVoted:
		for i := range out.Members {
			if out.Members[i].ID == e.MemberID {
				if e.Vote == nil {
					out.Members[i].Vote = nil
				} else {
					v := *e.Vote
					out.Members[i].Vote = &v
				}
			}
		}
	case events.RoomUpdated:
		e.Patch.Apply(&out.Room)
	case events.MemberUpdated:
		for i := range out.Members {
			if out.Members[i].User.ID == e.Patch.UserID {
				e.Patch.Apply(&out.Members[i])
			}
		}
	case events.RoomDeleted:
		// 由 Reconciler 处理
	}
	return out
}

func without(members []models.Member, userID string) []models.Member {
	out := members[:0]
	for _, m := range members {
		if m.User.ID != userID {
			out = append(out, m)
		}
	}
	return out
}

// Cache 是 Reconciler 依赖的缓存写入口。
type Cache interface {
	Mutate(roomID string, fn func(models.Snapshot) models.Snapshot) bool
	Remove(roomID string)
}

// Session 是事件触发的会话副作用。
type Session interface {
	Identity() (session.Identity, bool)
	MarkApproved(ctx context.Context)
	Clear(ctx context.Context, reason string)
}

// Navigator 与会话共用同一个路由层。
type Navigator interface {
	Navigate(path string)
}

type Reconciler struct {
	cache   Cache
	session Session
	nav     Navigator
}

func New(c Cache, s Session, nav Navigator) *Reconciler {
	return &Reconciler{cache: c, session: s, nav: nav}
}

// Apply 把事件写入缓存，并处理与本会话相关的副作用。签名与 stream.Handler 一致。
func (r *Reconciler) Apply(ev events.Event) {
	roomID := ev.Room()
	metrics.EventsApplied.WithLabelValues(string(ev.Kind())).Inc()
	log.Debug().Str("event", string(ev.Kind())).Str("room_id", roomID).Msg("apply event")

	if _, ok := ev.(events.RoomDeleted); ok {
		r.cache.Remove(roomID)
		if r.ownsRoom(roomID) {
			r.leave("room deleted")
		}
		return
	}

	r.cache.Mutate(roomID, func(s models.Snapshot) models.Snapshot { return Reduce(s, ev) })

	id, ok := r.identity(roomID)
	if !ok {
		return
	}
	switch e := ev.(type) {
	case events.MemberApproved:
		if e.Member.User.ID == id.UserID {
			r.session.MarkApproved(context.Background())
		}
	case events.MemberJoinRequested:
		if e.Member.User.ID == id.UserID && e.Member.Status == models.StatusLogged {
			r.session.MarkApproved(context.Background())
		}
	case events.MemberRefused:
		if e.UserID == id.UserID {
			r.leave("member refused")
		}
	case events.MemberLeft:
		if e.UserID == id.UserID {
			r.leave("member removed")
		}
	}
}

func (r *Reconciler) identity(roomID string) (session.Identity, bool) {
	if r.session == nil {
		return session.Identity{}, false
	}
	id, ok := r.session.Identity()
	if !ok || id.RoomID != roomID {
		return session.Identity{}, false
	}
	return id, true
}

func (r *Reconciler) ownsRoom(roomID string) bool {
	_, ok := r.identity(roomID)
	return ok
}

func (r *Reconciler) leave(reason string) {
	r.session.Clear(context.Background(), reason)
	if r.nav != nil {
		r.nav.Navigate(session.PathHome)
	}
}
