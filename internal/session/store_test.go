package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/broadcast"
	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/stretchr/testify/require"
)

type recordingNav struct {
	mu    sync.Mutex
	paths []string
}

func (n *recordingNav) Navigate(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *recordingNav) Paths() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

type fakeRemote struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRemote) SignOut(_ context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, roomID+"/"+userID)
	return f.err
}

type tab struct {
	store *Store
	nav   *recordingNav
}

func newTab(t *testing.T, id string, storage Storage, bus broadcast.Channel) tab {
	t.Helper()
	nav := &recordingNav{}
	s := New(Options{Storage: storage, Channel: bus, Navigator: nav, TabID: id})
	require.NoError(t, s.Hydrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return tab{store: s, nav: nav}
}

func active(room, user string) Identity {
	return Identity{RoomID: room, UserID: user, OwnerID: "owner", AccessToken: "tok-" + user}
}

func TestHydrate_States(t *testing.T) {
	ctx := context.Background()

	s := New(Options{})
	require.Equal(t, StateHydrating, s.State())
	require.NoError(t, s.Hydrate(ctx))
	require.Equal(t, StateAnonymous, s.State())

	storage := NewMemoryStorage()
	require.NoError(t, storage.Save(ctx, Identity{RoomID: "r1", UserID: "u1", WaitingForApproval: true}))
	s = New(Options{Storage: storage})
	require.NoError(t, s.Hydrate(ctx))
	require.Equal(t, StatePendingApproval, s.State())
	require.Equal(t, "r1", s.ActiveRoom())

	require.NoError(t, storage.Save(ctx, active("r1", "u1")))
	s = New(Options{Storage: storage})
	require.NoError(t, s.Hydrate(ctx))
	require.Equal(t, StateActiveMember, s.State())
	require.Equal(t, "tok-u1", s.AccessToken())
}

func TestEnter_RequiresHydration(t *testing.T) {
	s := New(Options{})
	require.ErrorIs(t, s.Enter(context.Background(), active("r1", "u1")), ErrNotHydrated)
	require.NoError(t, s.Hydrate(context.Background()))
	require.ErrorIs(t, s.Enter(context.Background(), Identity{}), ErrNoIdentity)
}

func TestEnter_PersistsAndNotifies(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	s := New(Options{Storage: storage})
	require.NoError(t, s.Hydrate(ctx))

	var changes []Change
	off := s.OnChange(func(c Change) { changes = append(changes, c) })
	defer off()

	require.NoError(t, s.Enter(ctx, Identity{RoomID: "r1", UserID: "u1", WaitingForApproval: true}))
	require.Equal(t, StatePendingApproval, s.State())
	s.MarkApproved(ctx)
	require.Equal(t, StateActiveMember, s.State())

	saved, ok, err := storage.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, saved.WaitingForApproval)

	require.Len(t, changes, 2)
	require.Equal(t, StateAnonymous, changes[0].From)
	require.Equal(t, StatePendingApproval, changes[0].To)
	require.Equal(t, StateActiveMember, changes[1].To)
}

func TestClear_Unconditional(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	s := New(Options{Storage: storage})
	require.NoError(t, s.Hydrate(ctx))
	require.NoError(t, s.Enter(ctx, Identity{RoomID: "r1", UserID: "u1", WaitingForApproval: true}))

	s.Clear(ctx, "room gone")
	require.Equal(t, StateAnonymous, s.State())
	_, ok := s.Identity()
	require.False(t, ok)
	require.Empty(t, s.ActiveRoom())
	_, ok, err := storage.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLogout_BestEffort(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{err: errors.New("boom")}
	nav := &recordingNav{}
	s := New(Options{Remote: remote, Navigator: nav})
	require.NoError(t, s.Hydrate(ctx))
	require.NoError(t, s.Enter(ctx, active("r1", "u1")))

	s.Logout(ctx, "/bye")
	require.Equal(t, []string{"r1/u1"}, remote.calls)
	require.Equal(t, StateAnonymous, s.State())
	require.Equal(t, []string{"/bye"}, nav.Paths())
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	snap := func(status models.Status) models.Snapshot {
		return models.Snapshot{
			Room:    models.Room{ID: "r1"},
			Members: []models.Member{{ID: "m1", Status: status, User: models.User{ID: "u1"}}},
		}
	}

	s := New(Options{})
	require.NoError(t, s.Hydrate(ctx))
	require.NoError(t, s.Enter(ctx, Identity{RoomID: "r1", UserID: "u1", WaitingForApproval: true}))

	s.Reconcile(ctx, snap(models.StatusPending))
	require.Equal(t, StatePendingApproval, s.State())

	other := snap(models.StatusLogged)
	other.ID = "r2"
	s.Reconcile(ctx, other)
	require.Equal(t, StatePendingApproval, s.State())

	s.Reconcile(ctx, snap(models.StatusLogged))
	require.Equal(t, StateActiveMember, s.State())

	s.Reconcile(ctx, models.Snapshot{Room: models.Room{ID: "r1"}})
	require.Equal(t, StateAnonymous, s.State())
}

func TestCrossTab_SingleSession(t *testing.T) {
	storage := NewMemoryStorage()
	bus := broadcast.NewBus()
	defer bus.Close()

	a := newTab(t, "tab-a", storage, bus)
	b := newTab(t, "tab-b", storage, bus)

	require.NoError(t, b.store.Enter(context.Background(), active("r2", "u2")))
	require.NoError(t, a.store.Enter(context.Background(), active("r1", "u1")))

	require.Eventually(t, func() bool {
		return len(b.nav.Paths()) == 1 && b.nav.Paths()[0] == PathHome
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		id, _ := b.store.Identity()
		return id.RoomID == "r1"
	}, time.Second, 10*time.Millisecond)

	// tab A sees B's earlier login but never reacts to its own broadcast
	require.Never(t, func() bool {
		for _, p := range a.nav.Paths() {
			if p != PathHome {
				return true
			}
		}
		return len(a.nav.Paths()) > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, StateActiveMember, a.store.State())
}

func TestCrossTab_IgnoresOwnMessages(t *testing.T) {
	bus := broadcast.NewBus()
	defer bus.Close()
	a := newTab(t, "tab-a", NewMemoryStorage(), bus)

	require.NoError(t, a.store.Enter(context.Background(), active("r1", "u1")))
	require.Never(t, func() bool { return len(a.nav.Paths()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, StateActiveMember, a.store.State())
}

func TestCrossTab_WaitingRedirectsToJoin(t *testing.T) {
	storage := NewMemoryStorage()
	bus := broadcast.NewBus()
	defer bus.Close()
	ctx := context.Background()
	pending := Identity{RoomID: "r1", UserID: "u1", WaitingForApproval: true}
	require.NoError(t, storage.Save(ctx, pending))

	a := newTab(t, "tab-a", storage, bus)
	b := newTab(t, "tab-b", storage, bus)
	c := newTab(t, "tab-c", NewMemoryStorage(), bus)
	require.Equal(t, StatePendingApproval, b.store.State())

	require.NoError(t, a.store.Enter(ctx, pending))
	require.Eventually(t, func() bool {
		paths := b.nav.Paths()
		return len(paths) == 1 && paths[0] == JoinPath("r1")
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, c.nav.Paths())
}

func TestCrossTab_ApprovalFollowsSibling(t *testing.T) {
	storage := NewMemoryStorage()
	bus := broadcast.NewBus()
	defer bus.Close()
	ctx := context.Background()
	require.NoError(t, storage.Save(ctx, Identity{RoomID: "r1", UserID: "u1", WaitingForApproval: true}))

	a := newTab(t, "tab-a", storage, bus)
	b := newTab(t, "tab-b", storage, bus)
	require.Equal(t, StatePendingApproval, b.store.State())

	a.store.MarkApproved(ctx)
	require.Eventually(t, func() bool { return b.store.State() == StateActiveMember }, time.Second, 10*time.Millisecond)
	require.Empty(t, b.nav.Paths())
}

func TestCrossTab_LogoutPropagates(t *testing.T) {
	storage := NewMemoryStorage()
	bus := broadcast.NewBus()
	defer bus.Close()
	ctx := context.Background()

	a := newTab(t, "tab-a", storage, bus)
	require.NoError(t, a.store.Enter(ctx, active("r1", "u1")))
	b := newTab(t, "tab-b", storage, bus)
	require.Equal(t, StateActiveMember, b.store.State())

	a.store.Logout(ctx, "/goodbye")
	require.Eventually(t, func() bool { return b.store.State() == StateAnonymous }, time.Second, 10*time.Millisecond)
	require.Contains(t, b.nav.Paths(), "/goodbye")
}

func TestSQLiteStorage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")
	st, err := OpenSQLite(path)
	require.NoError(t, err)
	defer st.Close()

	_, ok, err := st.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	id := Identity{RoomID: "r1", OwnerID: "o1", AccessToken: "tok", UserID: "u1", WaitingForApproval: true}
	require.NoError(t, st.Save(ctx, id))
	id.WaitingForApproval = false
	require.NoError(t, st.Save(ctx, id))

	other, err := OpenSQLite(path)
	require.NoError(t, err)
	defer other.Close()
	got, ok, err := other.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)

	require.NoError(t, st.Clear(ctx))
	_, ok, err = other.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStorage_ConcurrentSavesShareFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")
	a, err := OpenSQLite(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLite(path)
	require.NoError(t, err)
	defer b.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 80)
	for i := 0; i < 40; i++ {
		for _, st := range []*SQLiteStorage{a, b} {
			wg.Add(1)
			go func(st *SQLiteStorage, i int) {
				defer wg.Done()
				id := Identity{RoomID: "r1", UserID: "u1", AccessToken: "tok", WaitingForApproval: i%2 == 0}
				if err := st.Save(ctx, id); err != nil {
					errs <- err
				}
			}(st, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent save: %v", err)
	}

	got, ok, err := b.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", got.RoomID)
}
