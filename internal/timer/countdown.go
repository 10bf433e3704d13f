package timer

import (
	"context"
	"fmt"
	"time"
)

// TickInterval is the cadence of countdown ticks.
const TickInterval = time.Second

// Countdown derives the remaining time of an attempt from a fixed deadline.
// Remaining is always recomputed from the wall clock, so a process that was
// suspended reports the correct value on its first tick after resuming.
type Countdown struct {
	deadline time.Time
	clock    Clock
}

// NewCountdown builds a countdown ending durationMinutes after startedAt.
func NewCountdown(startedAt time.Time, durationMinutes int, clock Clock) *Countdown {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Countdown{
		deadline: startedAt.Add(time.Duration(durationMinutes) * time.Minute),
		clock:    clock,
	}
}

// Deadline returns the absolute end of the attempt.
func (c *Countdown) Deadline() time.Time {
	return c.deadline
}

// Remaining returns whole seconds left at the given instant, never below zero.
func (c *Countdown) Remaining(now time.Time) int {
	return RemainingUntil(c.deadline, now)
}

// RemainingNow is Remaining evaluated against the countdown's clock.
func (c *Countdown) RemainingNow() int {
	return c.Remaining(c.clock.Now())
}

// Ticker emits the current time once per TickInterval until ctx is done.
// The channel is closed when the ticker stops.
func (c *Countdown) Ticker(ctx context.Context) <-chan time.Time {
	out := make(chan time.Time, 1)
	go func() {
		defer close(out)
		t := time.NewTicker(TickInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				select {
				case out <- c.clock.Now():
				default:
					// Consumer is behind; the next tick recomputes from the deadline anyway.
				}
			}
		}
	}()
	return out
}

// RemainingUntil returns whole seconds between now and deadline, clamped at 0.
func RemainingUntil(deadline, now time.Time) int {
	left := deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}

// TimeLeftSeconds computes max(0, duration*60 - elapsed) for a resumed attempt.
func TimeLeftSeconds(startedAt time.Time, durationMinutes int, now time.Time) int {
	return RemainingUntil(startedAt.Add(time.Duration(durationMinutes)*time.Minute), now)
}

// FormatTime renders seconds as M:SS. Minutes are not capped at 59.
func FormatTime(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
