// Package notify 是面向用户的通知通道：限速，并且同时可见的通知数量有上限。
package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/api"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Class 是错误的处理分类。
type Class int

const (
	// ClassTransient 网络抖动、超时、5xx，依靠下次轮询或重连自愈，不提示用户。
	ClassTransient Class = iota
	// ClassGone 404/403，会话已失效，由会话存储清空，不重试也不提示。
	ClassGone
	// ClassBusiness 校验或业务错误，需要提示用户。
	ClassBusiness
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassGone:
		return "gone"
	default:
		return "business"
	}
}

func Classify(err error) Class {
	switch {
	case api.IsGone(err):
		return ClassGone
	case api.IsTransient(err):
		return ClassTransient
	default:
		return ClassBusiness
	}
}

type Notice struct {
	ID      uint64
	Message string
	At      time.Time
}

type Options struct {
	MaxVisible int
	Rate       rate.Limit
	Burst      int
	// Sink 在通知变为可见时被调用，例如打印到终端。
	Sink func(Notice)
}

type Notifier struct {
	lim  *rate.Limiter
	max  int
	sink func(Notice)

	mu      sync.Mutex
	visible []Notice
	nextID  uint64
}

func New(opts Options) *Notifier {
	if opts.MaxVisible <= 0 {
		opts.MaxVisible = 3
	}
	if opts.Rate <= 0 {
		opts.Rate = rate.Every(time.Second)
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.MaxVisible
	}
	return &Notifier{lim: rate.NewLimiter(opts.Rate, opts.Burst), max: opts.MaxVisible, sink: opts.Sink}
}

// Notify 显示一条通知。超出速率时丢弃并返回 false；超出可见上限时挤掉最早的一条。
func (n *Notifier) Notify(msg string) (Notice, bool) {
	if !n.lim.Allow() {
		log.Debug().Str("message", msg).Msg("notice rate limited")
		return Notice{}, false
	}
	n.mu.Lock()
	n.nextID++
	notice := Notice{ID: n.nextID, Message: msg, At: time.Now()}
	n.visible = append(n.visible, notice)
	if len(n.visible) > n.max {
		n.visible = append([]Notice(nil), n.visible[len(n.visible)-n.max:]...)
	}
	sink := n.sink
	n.mu.Unlock()

	if sink != nil {
		sink(notice)
	}
	return notice, true
}

// Error 按分类处理错误，只有业务错误会变成通知。
func (n *Notifier) Error(err error) (Notice, bool) {
	if err == nil {
		return Notice{}, false
	}
	class := Classify(err)
	if class != ClassBusiness {
		log.Debug().Err(err).Str("class", class.String()).Msg("error not surfaced")
		return Notice{}, false
	}
	msg := err.Error()
	var se *api.StatusError
	if errors.As(err, &se) && se.Message != "" {
		msg = se.Message
	}
	return n.Notify(msg)
}

func (n *Notifier) Visible() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.visible...)
}

func (n *Notifier) Dismiss(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, v := range n.visible {
		if v.ID == id {
			n.visible = append(n.visible[:i], n.visible[i+1:]...)
			return
		}
	}
}
