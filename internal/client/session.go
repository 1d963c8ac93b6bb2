package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/pairpad/internal/clock"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
)

var (
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")
	ErrClosed           = errors.New("session closed")
)

const (
	DefaultAttempts       = 8
	DefaultBaseDelay      = 800 * time.Millisecond
	DefaultMaxDelay       = 4000 * time.Millisecond
	DefaultAttemptTimeout = 12 * time.Second

	writeWait = 10 * time.Second
)

type State int

const (
	Unconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Conn is one established transport connection
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// DialFunc opens a connection. ctx bounds a single attempt.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial opens a WebSocket connection with gorilla's default dialer
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteFrame(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

type SessionConfig struct {
	URL    string
	Dial   DialFunc
	Clock  clock.Clock
	Logger zerolog.Logger

	Attempts       int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

func (c *SessionConfig) defaults() {
	if c.Dial == nil {
		c.Dial = Dial
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
}

// Backoff returns the wait after the given failed attempt (1-based):
// base doubled per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Emitter sends events. Hooks receive one that writes straight to the new
// connection.
type Emitter interface {
	Emit(event string, payload any) error
}

type pendingEvent struct {
	event string
	frame []byte
}

// Session keeps one logical connection to the room server alive. Events
// emitted while not connected are queued and flushed in order once the
// connection is up and the connect hooks have run.
type Session struct {
	cfg SessionConfig
	log zerolog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	pending   []pendingEvent
	closed    bool
	running   bool
	cancel    context.CancelFunc
	handlers  map[string][]func(json.RawMessage)
	onConnect []func(Emitter) error
	onFailure []func(error)
	onState   []func(State)

	wg sync.WaitGroup
}

func NewSession(cfg SessionConfig) *Session {
	cfg.defaults()
	return &Session{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "session").Logger(),
		handlers: make(map[string][]func(json.RawMessage)),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// On registers a handler for a server event. Handlers run one at a time
// on the session's read goroutine.
func (s *Session) On(event string, fn func(data json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

// OnConnect registers a hook that runs every time a connection is
// established, before queued events are flushed.
func (s *Session) OnConnect(fn func(Emitter) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// OnFailure registers a hook for ErrRetriesExhausted
func (s *Session) OnFailure(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = append(s.onFailure, fn)
}

// OnState registers a hook for state transitions. It runs with the session
// lock held and must not call back into the session.
func (s *Session) OnState(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

// Connect starts connecting in the background. It is a no-op when a
// connection loop is already running.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.setState(Connecting)

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Emit writes the event now when connected, otherwise queues it
func (s *Session) Emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.state != Connected {
		s.pending = append(s.pending, pendingEvent{event: event, frame: frame})
		return nil
	}

	if err := s.conn.WriteFrame(frame); err != nil {
		// Keep the event for the next connection. Closing wakes the read
		// loop, which starts reconnecting.
		s.pending = append(s.pending, pendingEvent{event: event, frame: frame})
		s.conn.Close()
		s.log.Warn().Err(err).Str("event", event).Msg("write failed, queued for reconnect")
	}
	return nil
}

// Pending returns the number of queued events
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close tears the session down for good. Queued events are discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.setState(Unconnected)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// must hold s.mu
func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	for _, fn := range s.onState {
		fn(st)
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		conn, err := s.dial(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.setState(Unconnected)
			}
			hooks := append([]func(error){}, s.onFailure...)
			s.mu.Unlock()

			if errors.Is(err, ErrRetriesExhausted) {
				s.log.Error().Err(err).Msg("giving up on connection")
				for _, fn := range hooks {
					fn(err)
				}
			}
			return
		}

		if !s.establish(conn) {
			conn.Close()
			return
		}

		s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.setState(Connecting)
		s.mu.Unlock()
		s.log.Info().Msg("connection lost, reconnecting")
	}
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		conn, err := s.cfg.Dial(actx, s.cfg.URL)
		cancel()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		if attempt == s.cfg.Attempts {
			break
		}
		delay := Backoff(attempt, s.cfg.BaseDelay, s.cfg.MaxDelay)
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")

		select {
		case <-s.cfg.Clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, s.cfg.Attempts, lastErr)
}

// establish runs the connect hooks then drains the queue, all under the
// lock so no concurrent Emit can write in between. Returns false when the
// session was closed while dialing.
func (s *Session) establish(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	direct := &connEmitter{conn: conn}
	for _, hook := range s.onConnect {
		if err := hook(direct); err != nil {
			s.log.Warn().Err(err).Msg("connect hook failed")
		}
	}

	queued := s.pending
	s.pending = nil
	for i, p := range queued {
		if err := conn.WriteFrame(p.frame); err != nil {
			s.pending = append(s.pending, queued[i:]...)
			s.log.Warn().Err(err).Str("event", p.event).Msg("flush failed")
			conn.Close()
			break
		}
	}

	s.conn = conn
	s.setState(Connected)
	s.log.Info().Int("flushed", len(queued)-len(s.pending)).Msg("connected")
	return true
}

func (s *Session) readLoop(conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			s.log.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}

		s.mu.Lock()
		handlers := append([]func(json.RawMessage){}, s.handlers[env.Event]...)
		s.mu.Unlock()

		for _, fn := range handlers {
			fn(env.Data)
		}
	}
}

// connEmitter writes directly to a connection. Only valid inside a
// connect hook.
type connEmitter struct {
	conn Conn
}

func (e *connEmitter) Emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return e.conn.WriteFrame(frame)
}
