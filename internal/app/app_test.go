package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/actions"
	"github.com/igorssc/scrum-poker-sub000/internal/api"
	"github.com/igorssc/scrum-poker-sub000/internal/broadcast"
	"github.com/igorssc/scrum-poker-sub000/internal/config"
	"github.com/igorssc/scrum-poker-sub000/internal/db"
	"github.com/igorssc/scrum-poker-sub000/internal/models"
	"github.com/igorssc/scrum-poker-sub000/internal/server"
	"github.com/igorssc/scrum-poker-sub000/internal/session"
	"github.com/igorssc/scrum-poker-sub000/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type navigator struct {
	mu    sync.Mutex
	paths []string
}

func (n *navigator) Navigate(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *navigator) visited(path string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.paths {
		if p == path {
			return true
		}
	}
	return false
}

func newBackend(t *testing.T) config.Config {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Server.JWTSecret = "e2e-secret"
	gdb, err := db.Connect("sqlite", filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	hub := ws.NewHub()
	srv := httptest.NewServer(server.SetupRouter(cfg, gdb, hub))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	cfg.Client.BaseURL = srv.URL
	cfg.Client.PollInterval = 200 * time.Millisecond
	cfg.Client.RequestTimeout = 2 * time.Second
	cfg.Client.HistoryPath = ""
	cfg.Stream.InitialBackoff = 50 * time.Millisecond
	cfg.Stream.MaxBackoff = 200 * time.Millisecond
	return cfg
}

type tab struct {
	*App
	nav *navigator
}

func openTab(t *testing.T, cfg config.Config, ch broadcast.Channel, st session.Storage, id string) *tab {
	t.Helper()
	nav := &navigator{}
	a, err := New(Options{Config: cfg, Navigator: nav, Channel: ch, Storage: st, TabID: id})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Start(context.Background()))
	return &tab{App: a, nav: nav}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func waitRoom(t *testing.T, a *App, cond func(models.Snapshot) bool) models.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := a.WaitFor(ctx, cond)
	require.NoError(t, err)
	return snap
}

func TestPrivateRoomApprovalEndToEnd(t *testing.T) {
	cfg := newBackend(t)
	ctx := context.Background()
	owner := openTab(t, cfg, broadcast.NewBus(), session.NewMemoryStorage(), "owner-tab")
	guest := openTab(t, cfg, broadcast.NewBus(), session.NewMemoryStorage(), "guest-tab")

	entry, err := owner.Actions.CreateRoom(ctx, actions.CreateRoomInput{Name: "Sprint 9", UserName: "ana", Private: true})
	require.NoError(t, err)
	roomID := entry.Room.ID
	waitRoom(t, owner.App, func(s models.Snapshot) bool { return len(s.Members) == 1 })

	joined, err := guest.Actions.EnterRoom(ctx, roomID, "bob", "")
	require.NoError(t, err)
	require.Equal(t, session.StatePendingApproval, guest.Session.State())

	waitRoom(t, owner.App, func(s models.Snapshot) bool { return len(s.PendingMembers()) == 1 })
	require.NoError(t, owner.Actions.AcceptMember(ctx, joined.User.ID))

	eventually(t, func() bool { return guest.Session.State() == session.StateActiveMember }, "guest approved")
	snap := waitRoom(t, owner.App, func(s models.Snapshot) bool { return len(s.LoggedMembers()) == 2 })
	require.Len(t, snap.Members, 2, "approval must not duplicate the member")

	require.NoError(t, guest.Actions.Vote(ctx, "5"))
	snap = waitRoom(t, owner.App, func(s models.Snapshot) bool { return s.VotedCount() == 1 })
	require.False(t, snap.CardsOpen)

	require.NoError(t, owner.Actions.RevealCards(ctx))
	waitRoom(t, guest.App, func(s models.Snapshot) bool { return s.CardsOpen })
}

func TestDeletedRoomClearsStaleSession(t *testing.T) {
	cfg := newBackend(t)
	ctx := context.Background()
	owner := openTab(t, cfg, broadcast.NewBus(), session.NewMemoryStorage(), "owner-tab")
	guest := openTab(t, cfg, broadcast.NewBus(), session.NewMemoryStorage(), "guest-tab")

	entry, err := owner.Actions.CreateRoom(ctx, actions.CreateRoomInput{Name: "Retro", UserName: "ana"})
	require.NoError(t, err)
	_, err = guest.Actions.EnterRoom(ctx, entry.Room.ID, "bob", "")
	require.NoError(t, err)
	waitRoom(t, guest.App, func(s models.Snapshot) bool { return len(s.Members) == 2 })

	require.NoError(t, owner.Actions.DeleteRoom(ctx))
	require.Equal(t, session.StateAnonymous, owner.Session.State())

	eventually(t, func() bool { return guest.Session.State() == session.StateAnonymous }, "guest session cleared")
	eventually(t, func() bool { return guest.nav.visited(session.PathHome) }, "guest sent home")
	eventually(t, func() bool { return guest.ActiveRoom() == "" }, "guest polling stopped")
}

func TestReportedGoneErrorClearsSessionImmediately(t *testing.T) {
	cfg := newBackend(t)
	ctx := context.Background()
	owner := openTab(t, cfg, broadcast.NewBus(), session.NewMemoryStorage(), "owner-tab")

	slow := cfg
	slow.Client.PollInterval = time.Hour
	guest := openTab(t, slow, broadcast.NewBus(), session.NewMemoryStorage(), "guest-tab")

	entry, err := owner.Actions.CreateRoom(ctx, actions.CreateRoomInput{Name: "Planning", UserName: "ana"})
	require.NoError(t, err)
	_, err = guest.Actions.EnterRoom(ctx, entry.Room.ID, "bob", "")
	require.NoError(t, err)
	waitRoom(t, owner.App, func(s models.Snapshot) bool { return len(s.Members) == 2 })

	// a rejected card is a business error and keeps the membership
	err = guest.Actions.Vote(ctx, "not-a-card")
	require.Error(t, err)
	require.False(t, api.IsGone(err))
	guest.Report(err)
	require.Equal(t, session.StateActiveMember, guest.Session.State())

	gone := fmt.Errorf("vote: %w", &api.StatusError{Code: http.StatusNotFound, Method: http.MethodPost, Path: "/rooms/" + entry.Room.ID + "/vote"})
	guest.Report(gone)
	require.Equal(t, session.StateAnonymous, guest.Session.State())
	require.True(t, guest.nav.visited(session.PathHome))
	eventually(t, func() bool { return guest.ActiveRoom() == "" }, "guest polling stopped")
}

func TestSiblingTabsFollowSharedSession(t *testing.T) {
	cfg := newBackend(t)
	ctx := context.Background()
	bus := broadcast.NewBus()
	storage := session.NewMemoryStorage()
	first := openTab(t, cfg, bus, storage, "tab-1")
	second := openTab(t, cfg, bus, storage, "tab-2")

	entry, err := first.Actions.CreateRoom(ctx, actions.CreateRoomInput{Name: "Planning", UserName: "ana"})
	require.NoError(t, err)

	eventually(t, func() bool { return second.ActiveRoom() == entry.Room.ID }, "sibling tab joins the room")
	require.Equal(t, session.StateActiveMember, second.Session.State())
	waitRoom(t, second.App, func(s models.Snapshot) bool { return len(s.Members) == 1 })

	require.NoError(t, first.Actions.Logout(ctx, ""))
	eventually(t, func() bool { return second.Session.State() == session.StateAnonymous }, "sibling tab logged out")
	require.True(t, second.nav.visited(session.PathHome))
}
