package client

import (
	"sync"
	"time"

	"github.com/manpreetbhatti/pairpad/internal/clock"
)

const DefaultQuietInterval = 200 * time.Millisecond

// Publisher coalesces bursts of local edits. Only the last value of a
// burst is published, once no edit has arrived for the quiet interval.
type Publisher struct {
	clock   clock.Clock
	quiet   time.Duration
	guard   *EchoGuard
	publish func(code string)

	mu      sync.Mutex
	pending string
	has     bool
	due     time.Time
	timer   *clock.Timer
}

// NewPublisher calls publish with each settled value that differs from the
// guard. The guard is updated before publish runs.
func NewPublisher(c clock.Clock, quiet time.Duration, guard *EchoGuard, publish func(code string)) *Publisher {
	if quiet <= 0 {
		quiet = DefaultQuietInterval
	}
	return &Publisher{clock: c, quiet: quiet, guard: guard, publish: publish}
}

// Notify records the latest local content and restarts the quiet interval
func (p *Publisher) Notify(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = code
	p.has = true
	p.due = p.clock.Now().Add(p.quiet)

	if p.timer == nil {
		p.timer = p.clock.AfterFunc(p.quiet, p.fire)
		return
	}
	p.timer.Reset(p.quiet)
}

func (p *Publisher) fire() {
	p.mu.Lock()
	// A timer restarted while this call was already on its way
	if !p.has || p.clock.Now().Before(p.due) {
		p.mu.Unlock()
		return
	}
	code := p.pending
	p.pending = ""
	p.has = false
	p.mu.Unlock()

	if !p.guard.Swap(code) {
		return
	}
	p.publish(code)
}

// Flush publishes the pending value now, if it differs from the guard,
// and stops the timer.
func (p *Publisher) Flush() {
	p.mu.Lock()
	code, has := p.pending, p.has
	p.pending = ""
	p.has = false
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	if !has || !p.guard.Swap(code) {
		return
	}
	p.publish(code)
}

// Stop drops any pending value
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.has = false
	p.pending = ""
	if p.timer != nil {
		p.timer.Stop()
	}
}
