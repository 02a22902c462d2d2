package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
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

// Publisher 把房间事件推给事件流，*ws.Hub 实现了它。
type Publisher interface {
	Publish(ev events.Event)
}

// RoomService 封装房间、成员与投票的业务规则。事件只在事务提交后发布。
type RoomService struct {
	db        *gorm.DB
	pub       Publisher
	issuer    auth.Issuer
	publicURL string
}

func NewRoomService(gdb *gorm.DB, pub Publisher, issuer auth.Issuer, publicURL string) *RoomService {
	return &RoomService{db: gdb, pub: pub, issuer: issuer, publicURL: strings.TrimRight(publicURL, "/")}
}

// Entry 是创建房间或登录房间的结果。
type Entry struct {
	Room        models.Room   `json:"room"`
	Member      models.Member `json:"member"`
	User        models.User   `json:"user"`
	AccessToken string        `json:"access_token"`
}

type CreateRoomInput struct {
	Name     string  `json:"name"`
	UserName string  `json:"user_name"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Theme    string  `json:"theme"`
	Private  bool    `json:"private"`
}

func (s *RoomService) publish(ev events.Event) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}

// Create 创建房间，调用者成为房主并直接以 LOGGED 状态加入。
func (s *RoomService) Create(ctx context.Context, in CreateRoomInput) (*Entry, error) {
	in.Name, in.UserName = strings.TrimSpace(in.Name), strings.TrimSpace(in.UserName)
	if in.Name == "" || len(in.Name) > 128 || in.UserName == "" || len(in.UserName) > 64 {
		return nil, ErrInvalidInput
	}
	user := db.User{ID: uuid.NewString(), Name: in.UserName}
	room := db.Room{
		ID:      uuid.NewString(),
		Name:    in.Name,
		Private: in.Private,
		OwnerID: user.ID,
		Theme:   in.Theme,
		Lat:     in.Lat,
		Lng:     in.Lng,
	}
	member := db.Member{ID: uuid.NewString(), RoomID: room.ID, UserID: user.ID, Status: string(models.StatusLogged)}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		return tx.Omit(clause.Associations).Create(&member).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	member.User = user
	token, err := s.issuer.AccessToken(room.ID, user.ID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("room_id", room.ID).Str("user_id", user.ID).Bool("private", room.Private).Msg("room created")
	return &Entry{Room: room.Model(), Member: member.Model(), User: user.Model(), AccessToken: token}, nil
}

func (s *RoomService) loadRoom(tx *gorm.DB, roomID string) (*db.Room, error) {
	var room db.Room
	if err := tx.First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (s *RoomService) loadMember(tx *gorm.DB, roomID, userID string) (*db.Member, error) {
	var m db.Member
	err := tx.Preload("User").Where("room_id = ? AND user_id = ?", roomID, userID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &m, nil
}

// authorize 要求 actor 是房间的 LOGGED 成员，并在 perm 非空时拥有该权限。
func (s *RoomService) authorize(tx *gorm.DB, roomID, actorID string, perm *models.Permission) (*db.Room, error) {
	room, err := s.loadRoom(tx, roomID)
	if err != nil {
		return nil, err
	}
	m, err := s.loadMember(tx, roomID, actorID)
	if errors.Is(err, ErrMemberNotFound) || (err == nil && m.Status != string(models.StatusLogged)) {
		return nil, ErrPermission
	}
	if err != nil {
		return nil, err
	}
	if perm != nil && !room.Model().Can(actorID, *perm) {
		return nil, ErrPermission
	}
	return room, nil
}

func need(p models.Permission) *models.Permission { return &p }

// Get 返回完整快照；只有房间内的成员（含待审批）可以读取。
func (s *RoomService) Get(ctx context.Context, roomID, actorID string) (models.Snapshot, error) {
	tx := s.db.WithContext(ctx)
	room, err := s.loadRoom(tx, roomID)
	if err != nil {
		return models.Snapshot{}, err
	}
	var rows []db.Member
	if err := tx.Preload("User").Where("room_id = ?", roomID).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return models.Snapshot{}, err
	}
	snap := models.Snapshot{Room: room.Model(), Members: make([]models.Member, 0, len(rows))}
	found := false
	for _, m := range rows {
		if m.UserID == actorID {
			found = true
		}
		snap.Members = append(snap.Members, m.Model())
	}
	if !found {
		return models.Snapshot{}, ErrNotMember
	}
	return snap, nil
}

// Update 部分更新房间；修改权限名单只允许房主。
func (s *RoomService) Update(ctx context.Context, roomID, actorID string, patch models.RoomPatch) error {
	if patch.Empty() {
		return nil
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return ErrInvalidInput
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.authorize(tx, roomID, actorID, need(models.PermEdit))
		if err != nil {
			return err
		}
		touchesACL := patch.WhoCanEdit != nil || patch.WhoCanOpenCards != nil || patch.WhoCanApproveEntries != nil
		if touchesACL && room.OwnerID != actorID {
			return ErrPermission
		}
		room.Apply(patch)
		return tx.Save(room).Error
	})
	if err != nil {
		return err
	}
	s.publish(events.RoomUpdated{RoomID: roomID, Patch: patch})
	return nil
}

// Delete 删除房间及其成员记录，只允许房主。
func (s *RoomService) Delete(ctx context.Context, roomID, actorID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.loadRoom(tx, roomID)
		if err != nil {
			return err
		}
		if room.OwnerID != actorID {
			return ErrPermission
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&db.Member{}).Error; err != nil {
			return err
		}
		return tx.Delete(room).Error
	})
	if err != nil {
		return err
	}
	log.Info().Str("room_id", roomID).Msg("room deleted")
	s.publish(events.RoomDeleted{RoomID: roomID})
	return nil
}

// Invite 生成免审批加入链接，需要审批权限。
func (s *RoomService) Invite(ctx context.Context, roomID, actorID string) (*Invite, error) {
	if _, err := s.authorize(s.db.WithContext(ctx), roomID, actorID, need(models.PermApproveEntries)); err != nil {
		return nil, err
	}
	token, err := s.issuer.InviteToken(roomID)
	if err != nil {
		return nil, err
	}
	link := s.publicURL + "/rooms/" + url.PathEscape(roomID) + "/join?access=" + url.QueryEscape(token)
	return &Invite{RoomID: roomID, Access: token, URL: link}, nil
}

type Invite struct {
	RoomID string `json:"room_id"`
	Access string `json:"access"`
	URL    string `json:"url"`
}

const earthRadius = 6371000.0

// Distance 返回两点间的大圆距离，单位米。
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat, dLng := rad(lat2-lat1), rad(lng2-lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Nearby 返回 maxDistance 米内的公开房间，由近到远。
func (s *RoomService) Nearby(ctx context.Context, lat, lng, maxDistance float64) ([]models.Room, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, ErrInvalidInput
	}
	if maxDistance <= 0 {
		maxDistance = 5000
	}
	// 先用经纬度包围盒粗筛，再精确计算距离
	dLat := maxDistance / earthRadius * 180 / math.Pi
	dLng := dLat / math.Max(math.Cos(lat*math.Pi/180), 0.01)
	var rows []db.Room
	err := s.db.WithContext(ctx).
		Where("private = ? AND lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?", false, lat-dLat, lat+dLat, lng-dLng, lng+dLng).
		Where("NOT (lat = 0 AND lng = 0)").
		Limit(500).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	type hit struct {
		room models.Room
		dist float64
	}
	hits := make([]hit, 0, len(rows))
	for _, r := range rows {
		if d := Distance(lat, lng, r.Lat, r.Lng); d <= maxDistance {
			hits = append(hits, hit{room: r.Model(), dist: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	out := make([]models.Room, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.room)
	}
	return out, nil
}
