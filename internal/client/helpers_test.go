package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/manpreetbhatti/pairpad/internal/protocol"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Simulates a server connection for testing
type fakeConn struct {
	mu      sync.Mutex
	written []protocol.Envelope
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a server event to the session
func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	c.inbound <- frame
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, env := range c.written {
		out[i] = env.Event
	}
	return out
}

func (c *fakeConn) frames() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.written...)
}

// connDialer hands out the given connections in order and fails once they
// run out
type connDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
}

func (d *connDialer) dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *connDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
