// Package phasesync predicts the next presentation deadline from reported
// frame intervals, so the render loop can pace itself without blocking on
// the display.
package phasesync

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

const (
	// DefaultWindow is the number of interval samples averaged.
	DefaultWindow = 64

	// A sample this many times off the average means the frame rate changed;
	// the history is trimmed to keepOnReset samples so the average follows
	// quickly.
	resetRatio  = 2.0
	keepOnReset = 5
)

// Controller tracks the deadline anchor and a sliding average of the frame
// interval. Safe for concurrent use.
type Controller struct {
	mu  sync.Mutex
	now func() time.Time

	nominal   time.Duration
	window    int
	intervals deque.Deque[time.Duration]
	sum       time.Duration

	anchor time.Time
}

// New returns a Controller whose interval starts at nominal and whose anchor
// is the current time.
func New(nominal time.Duration, window int) *Controller {
	return NewWithClock(nominal, window, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(nominal time.Duration, window int, now func() time.Time) *Controller {
	if window <= 0 {
		window = DefaultWindow
	}
	if nominal <= 0 {
		nominal = time.Second / 72
	}
	return &Controller{now: now, nominal: nominal, window: window, anchor: now()}
}

// Interval returns the current frame interval estimate.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intervalLocked()
}

func (c *Controller) intervalLocked() time.Duration {
	n := c.intervals.Len()
	if n == 0 {
		return c.nominal
	}
	return c.sum / time.Duration(n)
}

// Anchor returns the last known deadline.
func (c *Controller) Anchor() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchor
}

// ReportIntervalSample feeds one observed frame interval.
func (c *Controller) ReportIntervalSample(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.intervals.Len() > 0 {
		ratio := float64(d) / float64(c.intervalLocked())
		if ratio > resetRatio || ratio < 1/resetRatio {
			for c.intervals.Len() > keepOnReset {
				c.sum -= c.intervals.PopFront()
			}
		}
	}

	c.intervals.PushBack(d)
	c.sum += d
	for c.intervals.Len() > c.window {
		c.sum -= c.intervals.PopFront()
	}
}

// ReportDeadline re-anchors the prediction on an observed deadline.
func (c *Controller) ReportDeadline(t time.Time) {
	c.mu.Lock()
	c.anchor = t
	c.mu.Unlock()
}

// DurationUntilNextDeadline returns how long until the next predicted
// deadline, in [0, interval]. Missed deadlines are skipped; the caller does
// the waiting.
func (c *Controller) DurationUntilNextDeadline() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	interval := c.intervalLocked()
	now := c.now()
	if gap := now.Sub(c.anchor); gap > interval {
		// Same result as stepping one interval at a time, without looping
		// after a long stall.
		steps := (gap - 1) / interval
		c.anchor = c.anchor.Add(steps * interval)
	}
	for c.anchor.Add(interval).Before(now) {
		c.anchor = c.anchor.Add(interval)
	}

	next := c.anchor.Add(interval)
	if !next.After(now) {
		return 0
	}
	return min(next.Sub(now), interval)
}
