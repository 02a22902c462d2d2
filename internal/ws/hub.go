package ws

import (
	"sync"
	"sync/atomic"

	"github.com/igorssc/scrum-poker-sub000/internal/events"
	"github.com/igorssc/scrum-poker-sub000/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*RoomHub
	quit   chan struct{}
	closed bool
}

func NewHub() *Hub { return &Hub{rooms: make(map[string]*RoomHub), quit: make(chan struct{})} }

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID)
	h.rooms[roomID] = room
	if !h.closed {
		go room.run(h.quit)
	}
	return room
}

func (h *Hub) Online(roomID string) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

// Publish 把事件编码为线上帧并推给订阅了该房间的连接，没有订阅者时直接丢弃。
func (h *Hub) Publish(ev events.Event) {
	b, err := events.Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("event", string(ev.Kind())).Msg("encode event")
		return
	}
	metrics.WsEventsTotal.WithLabelValues(string(ev.Kind())).Inc()

	h.mu.RLock()
	room := h.rooms[ev.Room()]
	closed := h.closed
	h.mu.RUnlock()
	if room == nil || closed {
		return
	}
	select {
	case room.broadcast <- b:
	case <-h.quit:
	}
}

// Close 停止所有房间的分发协程。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.quit)
}

type RoomHub struct {
	roomID     string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	online     int32
}

func NewRoomHub(roomID string) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
	}
}

func (rh *RoomHub) run(quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				delete(rh.clients, c)
				atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			}
		case msg := <-rh.broadcast:
			for c := range rh.clients {
				select {
				case c.send <- msg:
				default:
					// 慢连接直接断开，客户端会重连并依靠轮询补齐
					delete(rh.clients, c)
					c.kick()
				}
			}
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
		}
	}
}

// Online 返回房间订阅者数量。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
