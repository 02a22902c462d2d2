// Package broadcast 是同源“标签页”之间的消息通道：进程内总线、redis 发布订阅或 STOMP 主题。
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type MessageType string

const (
	TypeLogin        MessageType = "login"
	TypeWaitingLogin MessageType = "waiting-login"
	TypeLogout       MessageType = "logout"
)

var ErrClosed = errors.New("broadcast: channel closed")

// Message 是跨标签页通告，TabID 标识发送方，接收方据此丢弃自己发出的消息。
type Message struct {
	Type     MessageType `json:"type"`
	TabID    string      `json:"tab_id"`
	RoomID   string      `json:"room_id,omitempty"`
	UserID   string      `json:"user_id,omitempty"`
	Redirect string      `json:"redirect,omitempty"`
}

// Channel 是命名的广播通道。Subscribe 返回的通道在 ctx 结束或通道关闭后被关闭。
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context) (<-chan Message, error)
	Close() error
}

const sendTimeout = time.Second

// Bus 是进程内实现，多个 Store 共享同一个 Bus 即模拟同一浏览器内的多个标签页。
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Message]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Message]struct{})}
}

func (b *Bus) Publish(ctx context.Context, msg Message) error {
	// 投递期间持有读锁，订阅方退出时 remove 会等待投递结束再关闭通道
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for ch := range b.subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sendTimeout):
			log.Warn().Str("type", string(msg.Type)).Msg("broadcast subscriber too slow, message dropped")
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan Message, 16)
	b.subs[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		b.remove(ch)
	}()
	return ch, nil
}

func (b *Bus) remove(ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}

// Options 选择通道实现。
type Options struct {
	Driver   string
	Addr     string
	User     string
	Password string
	Name     string
}

// Open 根据驱动名创建通道，memory 驱动只在本进程内可见。
func Open(opts Options) (Channel, error) {
	switch opts.Driver {
	case "", "memory":
		return NewBus(), nil
	case "redis":
		return NewRedis(opts.Addr, opts.Password, opts.Name), nil
	case "stomp":
		return DialStomp(opts.Addr, opts.User, opts.Password, opts.Name)
	default:
		return nil, fmt.Errorf("broadcast: unknown driver %q", opts.Driver)
	}
}
