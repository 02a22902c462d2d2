// Package stream 维护每个进程唯一的一条事件流连接，按房间引用计数订阅。
package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/events"
	"github.com/igorssc/scrum-poker-sub000/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

const (
	readWait  = 60 * time.Second
	writeWait = 10 * time.Second
)

var ErrClosed = errors.New("stream: manager closed")

// Handler 接收某个房间频道上的事件，在读协程中被调用，不应阻塞。
type Handler func(events.Event)

type Options struct {
	URL            string
	Token          func() string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnGiveUp 在重试次数耗尽后调用一次。
	OnGiveUp func(error)
}

// Manager 懒建立并复用一条 websocket 连接；退订只移除监听，不关闭共享连接。
type Manager struct {
	opts   Options
	dialer *websocket.Dialer
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[string]map[uint64]Handler
	nextID  uint64
	conn    *websocket.Conn
	running bool
	closed  bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func New(opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]map[uint64]Handler),
	}
}

// Subscribe 注册房间事件监听，首次订阅时才建立连接。返回的函数可重复调用。
func (m *Manager) Subscribe(roomID string, h Handler) func() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	m.nextID++
	id := m.nextID
	handlers, ok := m.subs[roomID]
	if !ok {
		handlers = make(map[uint64]Handler)
		m.subs[roomID] = handlers
	}
	handlers[id] = h
	conn := m.conn
	if !m.running {
		m.running = true
		m.wg.Add(1)
		go m.run()
	}
	m.mu.Unlock()

	if !ok && conn != nil {
		m.sendControl(conn, events.Control{Action: events.ActionSubscribe, RoomID: roomID})
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(roomID, id) })
	}
}

func (m *Manager) unsubscribe(roomID string, id uint64) {
	m.mu.Lock()
	handlers := m.subs[roomID]
	delete(handlers, id)
	last := len(handlers) == 0
	if last {
		delete(m.subs, roomID)
	}
	conn := m.conn
	m.mu.Unlock()

	if last && conn != nil {
		m.sendControl(conn, events.Control{Action: events.ActionUnsubscribe, RoomID: roomID})
	}
}

// Subscribers 返回某房间当前的监听数量。
func (m *Manager) Subscribers(roomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[roomID])
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Close 主动关闭连接，主动关闭后不再重连。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()
	attempt := 0
	for {
		conn, err := m.dial()
		if err == nil {
			attempt = 0
			log.Info().Str("url", m.opts.URL).Msg("stream connected")
			err = m.readLoop(conn)
			m.detach(conn)
		}
		if m.ctx.Err() != nil {
			return
		}

		attempt++
		if attempt > m.opts.MaxRetries {
			log.Error().Err(err).Int("attempts", attempt-1).Msg("stream retries exhausted")
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			if m.opts.OnGiveUp != nil {
				m.opts.OnGiveUp(err)
			}
			return
		}
		wait := Backoff(attempt, m.opts.InitialBackoff, m.opts.MaxBackoff)
		metrics.StreamReconnects.Inc()
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("stream disconnected")
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Backoff 返回第 attempt 次重试前的等待时间，指数增长并封顶。
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (m *Manager) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if m.opts.Token != nil {
		if token := m.opts.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, _, err := m.dialer.DialContext(m.ctx, m.opts.URL, header)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	m.conn = conn
	rooms := make([]string, 0, len(m.subs))
	for roomID := range m.subs {
		rooms = append(rooms, roomID)
	}
	m.mu.Unlock()

	// 重连后补发全部订阅
	for _, roomID := range rooms {
		m.sendControl(conn, events.Control{Action: events.ActionSubscribe, RoomID: roomID})
	}
	return conn, nil
}

func (m *Manager) detach(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		ev, err := events.Decode(data)
		if err != nil {
			log.Debug().Err(err).Msg("stream frame skipped")
			continue
		}
		m.dispatch(ev)
	}
}

func (m *Manager) dispatch(ev events.Event) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[ev.Room()]))
	for _, h := range m.subs[ev.Room()] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (m *Manager) sendControl(conn *websocket.Conn, ctrl events.Control) {
	b, err := json.Marshal(ctrl)
	if err != nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Debug().Err(err).Str("action", ctrl.Action).Str("room_id", ctrl.RoomID).Msg("stream control write")
	}
}
