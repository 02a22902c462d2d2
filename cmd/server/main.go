package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/config"
	"github.com/igorssc/scrum-poker-sub000/internal/db"
	clog "github.com/igorssc/scrum-poker-sub000/internal/log"
	"github.com/igorssc/scrum-poker-sub000/internal/server"
	"github.com/igorssc/scrum-poker-sub000/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg, err := config.Load()
	clog.Init(cfg.Env, cfg.Log.Level)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.Server.DatabaseDriver, cfg.Server.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	hub := ws.NewHub()
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.SetupRouter(cfg, gdb, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		log.Info().Str("addr", srv.Addr).Str("driver", cfg.Server.DatabaseDriver).Msg("poker server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()
	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	hub.Close()
	log.Info().Msg("poker server stopped")
}
