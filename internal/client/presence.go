package client

import (
	"sync"
	"time"

	"github.com/manpreetbhatti/pairpad/internal/clock"
)

const (
	DefaultTypingExpiry = 1200 * time.Millisecond
	typingNameLimit     = 12
)

// TypingLabel is the text shown while someone is typing
func TypingLabel(name string) string {
	r := []rune(name)
	if len(r) > typingNameLimit {
		r = r[:typingNameLimit]
	}
	return string(r) + " is typing..."
}

// TypingIndicator shows the latest typing signal and clears it once no
// signal has arrived for the expiry interval.
type TypingIndicator struct {
	clock    clock.Clock
	expiry   time.Duration
	onChange func(text string)

	mu    sync.Mutex
	text  string
	due   time.Time
	timer *clock.Timer
}

func NewTypingIndicator(c clock.Clock, expiry time.Duration, onChange func(text string)) *TypingIndicator {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &TypingIndicator{clock: c, expiry: expiry, onChange: onChange}
}

func (t *TypingIndicator) Show(name string) {
	t.mu.Lock()
	t.text = TypingLabel(name)
	t.due = t.clock.Now().Add(t.expiry)
	if t.timer == nil {
		t.timer = t.clock.AfterFunc(t.expiry, t.expire)
	} else {
		t.timer.Reset(t.expiry)
	}
	text := t.text
	t.mu.Unlock()

	t.notify(text)
}

func (t *TypingIndicator) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text
}

func (t *TypingIndicator) expire() {
	t.mu.Lock()
	if t.text == "" || t.clock.Now().Before(t.due) {
		t.mu.Unlock()
		return
	}
	t.text = ""
	t.mu.Unlock()

	t.notify("")
}

// Stop clears the indicator without notifying
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text = ""
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *TypingIndicator) notify(text string) {
	if t.onChange != nil {
		t.onChange(text)
	}
}
