package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order, so they must not call
// Advance themselves.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	stopped  bool
	fired    bool
	queued   bool
}

func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.add(&waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.add(w)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.stopped || w.fired {
				return false
			}
			w.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !w.stopped && !w.fired
			w.deadline = c.now.Add(d)
			w.stopped = false
			w.fired = false
			if !w.queued {
				c.add(w)
			}
			return active
		},
	}
}

// must hold c.mu
func (c *FakeClock) add(w *waiter) {
	w.queued = true
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

// Advance moves time forward by d and fires everything that came due
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) collect(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*waiter
	for _, w := range c.waiters {
		switch {
		case w.stopped || w.fired:
			w.queued = false
		case !w.deadline.After(target):
			w.fired = true
			w.queued = false
			due = append(due, w)
		default:
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}

// Pending returns the number of timers that have not fired or been stopped
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending()
}

// WaitForTimers blocks until at least n timers are pending. Use it before
// Advance when another goroutine is about to register a timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) pending() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}
