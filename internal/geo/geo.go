// Package geo 把定位封装为一次调用：要么得到坐标，要么得到明确的失败原因。
package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrPermissionDenied = errors.New("geo: permission denied")
	ErrTimeout          = errors.New("geo: timed out")
	ErrUnavailable      = errors.New("geo: position unavailable")
)

type Coordinates struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

func (c Coordinates) Valid() bool {
	return !math.IsNaN(c.Lat) && !math.IsNaN(c.Lng) && math.Abs(c.Lat) <= 90 && math.Abs(c.Lng) <= 180
}

type Locator interface {
	Locate(ctx context.Context) (Coordinates, error)
}

// Static 返回配置中的固定坐标，Denied 为 true 时模拟用户拒绝授权。
type Static struct {
	Coordinates *Coordinates
	Denied      bool
}

func (s Static) Locate(ctx context.Context) (Coordinates, error) {
	if err := ctx.Err(); err != nil {
		return Coordinates{}, ErrTimeout
	}
	switch {
	case s.Denied:
		return Coordinates{}, ErrPermissionDenied
	case s.Coordinates == nil || !s.Coordinates.Valid():
		return Coordinates{}, ErrUnavailable
	}
	return *s.Coordinates, nil
}

// LocatorFunc 适配任意定位实现。
type LocatorFunc func(ctx context.Context) (Coordinates, error)

func (f LocatorFunc) Locate(ctx context.Context) (Coordinates, error) { return f(ctx) }

// Locate 在 timeout 内完成定位，超时统一报告为 ErrTimeout。
func Locate(ctx context.Context, l Locator, timeout time.Duration) (Coordinates, error) {
	if l == nil {
		return Coordinates{}, ErrUnavailable
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		c   Coordinates
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := l.Locate(ctx)
		done <- result{c, err}
	}()
	select {
	case r := <-done:
		if errors.Is(r.err, context.DeadlineExceeded) {
			return Coordinates{}, ErrTimeout
		}
		if r.err != nil && !errors.Is(r.err, ErrPermissionDenied) && !errors.Is(r.err, ErrTimeout) && !errors.Is(r.err, ErrUnavailable) {
			return Coordinates{}, fmt.Errorf("%w: %v", ErrUnavailable, r.err)
		}
		return r.c, r.err
	case <-ctx.Done():
		return Coordinates{}, ErrTimeout
	}
}
