package models

import "time"

type TimerState int

const (
	TimerIdle TimerState = iota
	TimerRunning
	TimerPaused
)

func (s TimerState) String() string {
	switch s {
	case TimerRunning:
		return "running"
	case TimerPaused:
		return "paused"
	default:
		return "idle"
	}
}

// Timer 的读数永远是两个服务端时间戳与当前时间的纯函数。
type Timer struct {
	StartedAt *time.Time
	StoppedAt *time.Time
}

func (t Timer) State() TimerState {
	switch {
	case t.StartedAt == nil:
		return TimerIdle
	case t.StoppedAt == nil:
		return TimerRunning
	default:
		return TimerPaused
	}
}

func (t Timer) Elapsed(now time.Time) time.Duration {
	var d time.Duration
	switch t.State() {
	case TimerRunning:
		d = now.Sub(*t.StartedAt)
	case TimerPaused:
		d = t.StoppedAt.Sub(*t.StartedAt)
	}
	if d < 0 {
		return 0
	}
	return d
}

// Start 从空闲开始计时；已暂停时等价于 Resume，运行中不变。
func (t Timer) Start(now time.Time) Timer {
	switch t.State() {
	case TimerIdle:
		return Timer{StartedAt: &now}
	case TimerPaused:
		return t.Resume(now)
	}
	return t
}

func (t Timer) Pause(now time.Time) Timer {
	if t.State() != TimerRunning {
		return t
	}
	start := *t.StartedAt
	return Timer{StartedAt: &start, StoppedAt: &now}
}

// Resume 把起点前移为 now-(stop-start)，恢复后读数与暂停时一致。
func (t Timer) Resume(now time.Time) Timer {
	if t.State() != TimerPaused {
		return t
	}
	start := now.Add(-t.Elapsed(now))
	return Timer{StartedAt: &start}
}

func (t Timer) Reset() Timer { return Timer{} }

// Patch 生成把房间计时器设置为 t 的补丁。
func (t Timer) Patch() RoomPatch {
	p := RoomPatch{StartTimestamp: ClearTime(), StopTimestamp: ClearTime()}
	if t.StartedAt != nil {
		p.StartTimestamp = SetTime(*t.StartedAt)
	}
	if t.StoppedAt != nil {
		p.StopTimestamp = SetTime(*t.StoppedAt)
	}
	return p
}
