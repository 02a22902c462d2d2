package broadcast

import (
	"context"
	"fmt"

	"github.com/go-stomp/stomp"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

const topicPrefix = "/topic/"

// Stomp 通过消息代理的主题广播通告。
type Stomp struct {
	conn  *stomp.Conn
	topic string
}

func DialStomp(addr, user, password, name string) (*Stomp, error) {
	if addr == "" {
		addr = "localhost:61613"
	}
	conn, err := stomp.Dial("tcp", addr,
		stomp.ConnOpt.Login(user, password),
		stomp.ConnOpt.Host("/"),
	)
	if err != nil {
		return nil, fmt.Errorf("dial stomp %s: %w", addr, err)
	}
	return &Stomp{conn: conn, topic: topicPrefix + name}, nil
}

func (s *Stomp) Publish(_ context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Send(s.topic, "application/json", payload)
}

func (s *Stomp) Subscribe(ctx context.Context) (<-chan Message, error) {
	sub, err := s.conn.Subscribe(s.topic, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	out := make(chan Message, 16)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-sub.C:
				if !ok {
					return
				}
				if m.Err != nil {
					log.Warn().Err(m.Err).Str("topic", s.topic).Msg("stomp subscription error")
					return
				}
				var msg Message
				if err := json.Unmarshal(m.Body, &msg); err != nil {
					log.Debug().Err(err).Str("topic", s.topic).Msg("broadcast payload skipped")
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Stomp) Close() error {
	return s.conn.Disconnect()
}
