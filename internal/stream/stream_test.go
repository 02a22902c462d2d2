package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/events"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

// fakeServer 记录控制帧并允许测试推送事件或断开连接。
type fakeServer struct {
	srv      *httptest.Server
	dials    int32
	controls chan events.Control

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{controls: make(chan events.Control, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&fs.dials, 1)
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ctrl events.Control
			if json.Unmarshal(data, &ctrl) == nil {
				fs.controls <- ctrl
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string { return "ws" + strings.TrimPrefix(fs.srv.URL, "http") }

func (fs *fakeServer) last() *websocket.Conn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeServer) push(t *testing.T, ev events.Event) {
	frame, err := events.Encode(ev)
	require.NoError(t, err)
	require.NoError(t, fs.last().WriteMessage(websocket.TextMessage, frame))
}

func (fs *fakeServer) expectControl(t *testing.T, action, roomID string) {
	select {
	case ctrl := <-fs.controls:
		require.Equal(t, action, ctrl.Action)
		require.Equal(t, roomID, ctrl.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s control for %s", action, roomID)
	}
}

func TestManager_SharesOneConnection(t *testing.T) {
	fs := newFakeServer(t)
	m := New(Options{URL: fs.url(), InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	defer m.Close()

	got := make(chan events.Event, 4)
	unsubA := m.Subscribe("r1", func(ev events.Event) { got <- ev })
	fs.expectControl(t, events.ActionSubscribe, "r1")
	unsubB := m.Subscribe("r1", func(ev events.Event) { got <- ev })

	fs.push(t, events.VotesRevealed{RoomID: "r1"})
	for i := 0; i < 2; i++ {
		select {
		case ev := <-got:
			require.Equal(t, events.KindVotesRevealed, ev.Kind())
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered to both handlers")
		}
	}

	unsubA()
	unsubA()
	require.Equal(t, 1, m.Subscribers("r1"))
	unsubB()
	fs.expectControl(t, events.ActionUnsubscribe, "r1")
	require.True(t, m.Connected())
	require.Equal(t, int32(1), atomic.LoadInt32(&fs.dials))
}

func TestManager_RoutesByRoom(t *testing.T) {
	fs := newFakeServer(t)
	m := New(Options{URL: fs.url()})
	defer m.Close()

	got := make(chan events.Event, 4)
	m.Subscribe("r1", func(ev events.Event) { got <- ev })
	fs.expectControl(t, events.ActionSubscribe, "r1")

	fs.push(t, events.VotesCleared{RoomID: "r2"})
	fs.push(t, events.VotesCleared{RoomID: "r1"})
	select {
	case ev := <-got:
		require.Equal(t, "r1", ev.Room())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected event for %s", ev.Room())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_ReconnectsAndResubscribes(t *testing.T) {
	fs := newFakeServer(t)
	m := New(Options{URL: fs.url(), InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	defer m.Close()

	m.Subscribe("r1", func(events.Event) {})
	fs.expectControl(t, events.ActionSubscribe, "r1")

	_ = fs.last().Close()
	fs.expectControl(t, events.ActionSubscribe, "r1")
	require.Equal(t, int32(2), atomic.LoadInt32(&fs.dials))
}

func TestManager_CloseDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t)
	m := New(Options{URL: fs.url(), InitialBackoff: 10 * time.Millisecond})

	m.Subscribe("r1", func(events.Event) {})
	fs.expectControl(t, events.ActionSubscribe, "r1")
	require.NoError(t, m.Close())

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&fs.dials))
	require.False(t, m.Connected())
}

func TestManager_GivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	gaveUp := make(chan error, 1)
	m := New(Options{
		URL:            url,
		MaxRetries:     2,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		OnGiveUp:       func(err error) { gaveUp <- err },
	})
	defer m.Close()

	m.Subscribe("r1", func(events.Event) {})
	select {
	case err := <-gaveUp:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not give up")
	}
}

func TestBackoff(t *testing.T) {
	require.Equal(t, 500*time.Millisecond, Backoff(1, 500*time.Millisecond, 10*time.Second))
	require.Equal(t, time.Second, Backoff(2, 500*time.Millisecond, 10*time.Second))
	require.Equal(t, 4*time.Second, Backoff(4, 500*time.Millisecond, 10*time.Second))
	require.Equal(t, 10*time.Second, Backoff(9, 500*time.Millisecond, 10*time.Second))
}
