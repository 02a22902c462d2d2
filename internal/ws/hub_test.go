package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/auth"
	"github.com/igorssc/scrum-poker-sub000/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func fakeClient(h *Hub) *Client {
	return &Client{hub: h, send: make(chan []byte, 256), done: make(chan struct{}), rooms: make(map[string]*RoomHub)}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHub_Online_NonExistentRoom(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	if online := hub.Online("missing"); online != 0 {
		t.Errorf("Online() for non-existent room = %d, want 0", online)
	}
}

func TestClient_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	c := fakeClient(hub)

	c.subscribe("r1")
	c.subscribe("r1")
	c.subscribe("r2")
	eventually(t, func() bool { return hub.Online("r1") == 1 && hub.Online("r2") == 1 }, "subscriptions not registered")

	c.unsubscribe("r1")
	c.unsubscribe("r1")
	eventually(t, func() bool { return hub.Online("r1") == 0 }, "unsubscribe not applied")
	if hub.Online("r2") != 1 {
		t.Errorf("Online(r2) = %d, want 1", hub.Online("r2"))
	}
}

func TestHub_PublishOnlyToRoomSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	clients := []*Client{fakeClient(hub), fakeClient(hub), fakeClient(hub)}
	clients[0].subscribe("r1")
	clients[1].subscribe("r1")
	clients[2].subscribe("r2")
	eventually(t, func() bool { return hub.Online("r1") == 2 }, "subscriptions not registered")

	hub.Publish(events.VotesRevealed{RoomID: "r1"})
	want, _ := events.Encode(events.VotesRevealed{RoomID: "r1"})

	var wg sync.WaitGroup
	received := make([]bool, 3)
	for i, c := range clients {
		wg.Add(1)
		go func(idx int, client *Client) {
			defer wg.Done()
			select {
			case msg := <-client.send:
				received[idx] = string(msg) == string(want)
			case <-time.After(100 * time.Millisecond):
			}
		}(i, c)
	}
	wg.Wait()

	if !received[0] || !received[1] {
		t.Errorf("room subscribers received = %v, want first two true", received)
	}
	if received[2] {
		t.Error("subscriber of another room received the event")
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	done := make(chan struct{})
	go func() {
		hub.Publish(events.VotesCleared{RoomID: "nobody"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked for a room without subscribers")
	}
}

func TestHub_SlowClientIsKicked(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	slow := &Client{hub: hub, send: make(chan []byte), done: make(chan struct{}), rooms: make(map[string]*RoomHub)}
	slow.subscribe("r1")
	eventually(t, func() bool { return hub.Online("r1") == 1 }, "subscription not registered")

	hub.Publish(events.VotesCleared{RoomID: "r1"})
	select {
	case <-slow.done:
	case <-time.After(time.Second):
		t.Fatal("slow client was not kicked")
	}
	eventually(t, func() bool { return hub.Online("r1") == 0 }, "slow client still counted")
}

func TestServe_StreamsSubscribedRooms(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	defer hub.Close()
	issuer := auth.NewIssuer("test-secret", 15)

	r := gin.New()
	r.GET("/ws", Serve(hub, issuer))
	srv := httptest.NewServer(r)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	// an invalid token is rejected before the upgrade
	header := http.Header{"Authorization": []string{"Bearer nope"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial with bad token: err = %v", err)
	}

	token, _ := issuer.AccessToken("r1", "u1")
	header = http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(events.Control{Action: events.ActionSubscribe, RoomID: "r1"}); err != nil {
		t.Fatalf("write control: %v", err)
	}
	eventually(t, func() bool { return hub.Online("r1") == 1 }, "subscribe frame not applied")

	vote := "8"
	hub.Publish(events.MemberVoted{RoomID: "r2", MemberID: "m9", Vote: &vote})
	hub.Publish(events.MemberVoted{RoomID: "r1", MemberID: "m1", Vote: &vote})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := events.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	voted, ok := ev.(events.MemberVoted)
	if !ok || voted.RoomID != "r1" || voted.MemberID != "m1" || *voted.Vote != "8" {
		t.Errorf("received %#v, want vote of m1 in r1", ev)
	}

	if err := conn.WriteJSON(events.Control{Action: events.ActionUnsubscribe, RoomID: "r1"}); err != nil {
		t.Fatalf("write control: %v", err)
	}
	eventually(t, func() bool { return hub.Online("r1") == 0 }, "unsubscribe frame not applied")
}
