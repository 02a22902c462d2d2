package server

import (
	"net/http"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/auth"
	"github.com/igorssc/scrum-poker-sub000/internal/config"
	"github.com/igorssc/scrum-poker-sub000/internal/metrics"
	"github.com/igorssc/scrum-poker-sub000/internal/mw"
	"github.com/igorssc/scrum-poker-sub000/internal/service"
	"github.com/igorssc/scrum-poker-sub000/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及事件流端点。
func SetupRouter(cfg config.Config, gdb *gorm.DB, hub *ws.Hub) *gin.Engine {
	issuer := auth.NewIssuer(cfg.Server.JWTSecret, cfg.Server.AccessTokenTTLMinutes)
	h := NewHandler(service.NewRoomService(gdb, hub, issuer, cfg.Server.PublicURL))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 按 IP+路由限速
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/rooms", h.CreateRoom)
	r.GET("/rooms/location", h.NearbyRooms)
	r.POST("/rooms/:id/sign-in", h.SignIn)

	// 需要 Bearer Token 的房间接口。
	authed := r.Group("", auth.Middleware(issuer))
	authed.GET("/rooms/:id", h.GetRoom)
	authed.PATCH("/rooms/:id", h.UpdateRoom)
	authed.DELETE("/rooms/:id", h.DeleteRoom)
	authed.POST("/rooms/:id/sign-in/accept", h.AcceptMember)
	authed.POST("/rooms/:id/sign-in/refuse", h.RefuseMember)
	authed.POST("/rooms/:id/sign-out", h.SignOut)
	authed.POST("/rooms/:id/vote", h.Vote)
	authed.POST("/rooms/:id/vote/reveal", h.RevealVotes)
	authed.POST("/rooms/:id/vote/clear", h.ClearVotes)
	authed.GET("/rooms/:id/invite", h.Invite)
	authed.PATCH("/users/:id", h.UpdateUser)

	r.GET("/ws", ws.Serve(hub, issuer))
	return r
}
