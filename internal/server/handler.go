package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/igorssc/scrum-poker-sub000/internal/auth"
	"github.com/igorssc/scrum-poker-sub000/internal/models"
	"github.com/igorssc/scrum-poker-sub000/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	rooms *service.RoomService
}

func NewHandler(rooms *service.RoomService) *Handler {
	return &Handler{rooms: rooms}
}

// fail 把业务错误映射为状态码。403 只表示“不是该房间成员”，权限不足使用 422，
// 客户端会把 403/404 当作会话失效。
func fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotMember):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrPermission), errors.Is(err, service.ErrMemberNotFound), errors.Is(err, service.ErrInvalidCard):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
	default:
		log.Error().Err(err).Str("op", op).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// roomClaims 要求令牌属于路径上的房间。
func roomClaims(c *gin.Context) (*auth.Claims, bool) {
	claims := auth.GetClaims(c)
	if claims.RoomID != c.Param("id") {
		c.JSON(http.StatusForbidden, gin.H{"error": service.ErrNotMember.Error()})
		return nil, false
	}
	return claims, true
}

// CreateRoom 处理创建房间请求。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req service.CreateRoomInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	entry, err := h.rooms.Create(c.Request.Context(), req)
	if err != nil {
		fail(c, "create room", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) SignIn(c *gin.Context) {
	var req struct {
		UserName string `json:"user_name"`
		Access   string `json:"access"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	entry, err := h.rooms.SignIn(c.Request.Context(), c.Param("id"), req.UserName, req.Access)
	if err != nil {
		fail(c, "sign in", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type decision struct {
	OwnerID string `json:"owner_id"`
	UserID  string `json:"user_id"`
}

// bindDecision 校验请求体中的 owner_id 与令牌一致。
func bindDecision(c *gin.Context, claims *auth.Claims) (decision, bool) {
	var req decision
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return req, false
	}
	if req.OwnerID != "" && req.OwnerID != claims.UserID {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "owner_id does not match token"})
		return req, false
	}
	return req, true
}

func (h *Handler) AcceptMember(c *gin.Context) {
	claims, ok := roomClaims(c)
	if !ok {
		return
	}
	req, ok := bindDecision(c, claims)
	if !ok {
		return
	}
	if err := h.rooms.Accept(c.Request.Context(), claims.RoomID, claims.UserID, req.UserID); err != nil {
		fail(c, "accept member", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) RefuseMember(c *gin.Context) {
	claims, ok := roomClaims(c)
	if !ok {
		return
	}
	req, ok := bindDecision(c, claims)
	if !ok {
		return
	}
	if err := h.rooms.Refuse(c.Request.Context(), claims.RoomID, claims.UserID, req.UserID); err != nil {
		fail(c, "refuse member", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) SignOut(c *gin.Context) {
	claims, ok := roomClaims(c)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.rooms.SignOut(c.Request.Context(), claims.RoomID, claims.UserID, req.UserID); err != nil {
		fail(c, "sign out", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) GetRoom(c *gin.Context) {
	claims, ok := roomClaims(c)
	if !ok {
		return
	}
	snap, err := h.rooms.Get(c.Request.Context(), claims.RoomID, claims.UserID)
	if err != nil {
		fail(c, "get room", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// UpdateRoom 的请求体区分“未提及”和 null，所以不经过 gin 的绑定。
func (h *Handler) UpdateRoom(c *gin.Context) {
	claims, ok := roomClaims(c)
	if !ok {
		return
	}
	if uid := c.Query("user_id"); uid != "" && uid != claims.UserID {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "user_id does not match token"})
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	var patch models.RoomPatch
	if err := json.Unmarshal(body, &patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.rooms.Update(c.Request.Context(), claims.RoomID, claims.UserID, patch); err != nil {
		fail(c, "update room", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) DeleteRoom(c *gin.Context) {
	claims, ok := roomClaims(c)
	if !ok {
		return
	}
	if err := h.rooms.Delete(c.Request.Context(), claims.RoomID, claims.UserID); err != nil {
		fail(c, "delete room", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) UpdateUser(c *gin.Context) {
	claims := auth.GetClaims(c)
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.rooms.UpdateUser(c.Request.Context(), claims.UserID, c.Param("id"), req.Name); err != nil {
		fail(c, "update user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Vote(c *gin.Context) {
	claims, ok := roomClaims(c)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Vote   string `json:"vote"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.UserID == "" {
		req.UserID = claims.UserID
	}
	if err := h.rooms.Vote(c.Request.Context(), claims.RoomID, claims.UserID, req.UserID, req.Vote); err != nil {
		fail(c, "vote", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) RevealVotes(c *gin.Context) {
	claims, ok := roomClaims(c)
	if !ok {
		return
	}
	if err := h.rooms.Reveal(c.Request.Context(), claims.RoomID, claims.UserID); err != nil {
		fail(c, "reveal votes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ClearVotes(c *gin.Context) {
	claims, ok := roomClaims(c)
	if !ok {
		return
	}
	if err := h.rooms.Clear(c.Request.Context(), claims.RoomID, claims.UserID); err != nil {
		fail(c, "clear votes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Invite(c *gin.Context) {
	claims, ok := roomClaims(c)
	if !ok {
		return
	}
	inv, err := h.rooms.Invite(c.Request.Context(), claims.RoomID, claims.UserID)
	if err != nil {
		fail(c, "invite", err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// NearbyRooms 处理附近房间查询，max_distance 单位为米。
func (h *Handler) NearbyRooms(c *gin.Context) {
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lng, err2 := strconv.ParseFloat(c.Query("lng"), 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coordinates"})
		return
	}
	var maxDistance float64
	if v := c.Query("max_distance"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_distance"})
			return
		}
		maxDistance = d
	}
	rooms, err := h.rooms.Nearby(c.Request.Context(), lat, lng, maxDistance)
	if err != nil {
		fail(c, "nearby rooms", err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}
