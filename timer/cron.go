package timer

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CronTimer fires its callback according to a standard five-field cron
// expression rather than a fixed period, for schedules like "every weekday
// at 02:00" that Timer's fixed-period model can't express directly. It
// exposes the same IsReady/Fire shape as Timer so an Executor can hold both
// kinds in the same slice.
type CronTimer struct {
	schedule cron.Schedule
	callback Callback

	mu     sync.Mutex
	next   time.Time
	active bool
}

// NewCron parses expr with the standard five-field cron parser and returns a
// CronTimer that becomes ready once each time expr's next scheduled instant
// has passed.
func NewCron(expr string, callback Callback) (*CronTimer, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &CronTimer{
		schedule: schedule,
		callback: callback,
		next:     schedule.Next(now),
		active:   true,
	}, nil
}

// IsReady reports whether the schedule's next fire instant has passed, and
// if so advances the schedule to the following instant.
func (c *CronTimer) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return false
	}
	now := time.Now()
	if now.Before(c.next) {
		return false
	}
	c.next = c.schedule.Next(now)
	return true
}

// Fire invokes the cron timer's callback.
func (c *CronTimer) Fire() {
	if c.callback != nil {
		c.callback()
	}
}

// Stop permanently disables the timer.
func (c *CronTimer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

// TimeUntilReady returns the duration remaining until the schedule's next
// fire instant.
func (c *CronTimer) TimeUntilReady() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return time.Duration(1<<63 - 1)
	}
	d := time.Until(c.next)
	if d < 0 {
		return 0
	}
	return d
}
