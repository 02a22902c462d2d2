// Command pokerctl 是扑克房间的命令行客户端。身份保存在本地 SQLite 中，
// 多次调用之间、以及同一台机器上的多个 pokerctl 进程之间共享同一个会话。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/igorssc/scrum-poker-sub000/internal/app"
	"github.com/igorssc/scrum-poker-sub000/internal/config"
	clog "github.com/igorssc/scrum-poker-sub000/internal/log"
	"github.com/igorssc/scrum-poker-sub000/internal/notify"

	"github.com/rs/zerolog/log"
)

type command struct {
	usage string
	run   func(ctx context.Context, a *app.App, args []string) error
}

var commands = map[string]command{
	"create":   {"create -name NAME -user NAME [-private] [-theme T]", runCreate},
	"join":     {"join -room ID -user NAME [-access TOKEN]", runJoin},
	"status":   {"status", runStatus},
	"watch":    {"watch", runWatch},
	"vote":     {"vote CARD (empty string retracts)", runVote},
	"reveal":   {"reveal", runReveal},
	"clear":    {"clear", runClear},
	"accept":   {"accept USER_ID", runAccept},
	"refuse":   {"refuse USER_ID", runRefuse},
	"topic":    {"topic -issue TEXT [-category TEXT]", runTopic},
	"finalize": {"finalize", runFinalize},
	"timer":    {"timer start|pause|resume|reset", runTimer},
	"rename":   {"rename NAME", runRename},
	"nearby":   {"nearby [-max METERS]", runNearby},
	"invite":   {"invite [-qr]", runInvite},
	"history":  {"history", runHistory},
	"logout":   {"logout", runLogout},
	"delete":   {"delete", runDelete},
}

func init() {
	// shell 会回查 commands，只能在初始化之后挂上
	commands["shell"] = command{usage: "shell", run: runShell}
}

func usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(os.Stderr, "usage: pokerctl COMMAND [ARGS]")
	for _, name := range names {
		fmt.Fprintln(os.Stderr, "  "+commands[name].usage)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	clog.InitWriter(cfg.Env, cfg.Log.Level, os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	a, err := app.New(app.Options{
		Config: cfg,
		Sink: func(n notify.Notice) {
			fmt.Fprintln(os.Stderr, "! "+n.Message)
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("start client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = func() error {
		defer stop()
		if err := a.Start(ctx); err != nil {
			return err
		}
		return cmd.run(ctx, a, os.Args[2:])
	}()
	if cerr := a.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("close client")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
