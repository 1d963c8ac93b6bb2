package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/pairpad/internal/clock"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
)

// Languages offered for the shared selector. The server accepts any name.
var Languages = []string{"javascript", "python", "java", "cpp"}

func IsLanguage(name string) bool {
	for _, l := range Languages {
		if l == name {
			return true
		}
	}
	return false
}

type RoomConfig struct {
	Identity Identity
	Session  *Session
	Clock    clock.Clock
	Logger   zerolog.Logger

	QuietInterval time.Duration
	TypingExpiry  time.Duration

	// OnUpdate is called with the server event name after local state has
	// been updated for it, and with "typingCleared" when the indicator
	// expires.
	OnUpdate func(event string)
}

// Room is one participant's view of a shared room
type Room struct {
	id       Identity
	session  *Session
	buffer   *Buffer
	guard    *EchoGuard
	pub      *Publisher
	applier  *Applier
	typing   *TypingIndicator
	onUpdate func(string)
	log      zerolog.Logger

	mu       sync.Mutex
	language string
	input    string
	members  []protocol.Member
	output   string
	running  bool
}

const EventTypingCleared = "typingCleared"

func NewRoom(cfg RoomConfig) *Room {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	r := &Room{
		id:       cfg.Identity,
		session:  cfg.Session,
		buffer:   NewBuffer(protocol.DefaultCode),
		guard:    NewEchoGuard(),
		onUpdate: cfg.OnUpdate,
		language: protocol.DefaultLanguage,
		log:      cfg.Logger.With().Str("component", "room").Str("room", cfg.Identity.RoomID).Logger(),
	}
	r.applier = NewApplier(r.buffer, r.guard)
	r.pub = NewPublisher(cfg.Clock, cfg.QuietInterval, r.guard, r.publish)
	r.typing = NewTypingIndicator(cfg.Clock, cfg.TypingExpiry, func(text string) {
		if text == "" {
			r.notify(EventTypingCleared)
		}
	})
	r.buffer.OnChange(r.pub.Notify)

	s := r.session
	s.OnConnect(func(e Emitter) error {
		return e.Emit(protocol.EventJoin, protocol.Join{
			RoomID:   r.id.RoomID,
			UserName: r.id.UserName,
			UserID:   r.id.UserID,
		})
	})
	s.On(protocol.EventCodeUpdate, r.onCodeUpdate)
	s.On(protocol.EventLanguageUpdate, r.onLanguageUpdate)
	s.On(protocol.EventUserJoined, r.onUserJoined)
	s.On(protocol.EventUserTyping, r.onUserTyping)
	s.On(protocol.EventInputUpdate, r.onInputUpdate)
	s.On(protocol.EventCodeResponse, r.onCodeResponse)

	return r
}

// Start connects the session. The join is sent by the connect hook.
func (r *Room) Start(ctx context.Context) error {
	return r.session.Connect(ctx)
}

func (r *Room) Identity() Identity { return r.id }

// Buffer is the local editing surface. Local edits made through it are
// published after the quiet interval.
func (r *Room) Buffer() *Buffer { return r.buffer }

func (r *Room) Code() string { return r.buffer.Content() }

func (r *Room) Language() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.language
}

func (r *Room) Input() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.input
}

func (r *Room) Members() []protocol.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Member(nil), r.members...)
}

func (r *Room) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output
}

func (r *Room) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Room) Typing() string { return r.typing.Text() }

// SetLanguage changes the shared language selector
func (r *Room) SetLanguage(language string) error {
	r.mu.Lock()
	r.language = language
	r.mu.Unlock()
	return r.session.Emit(protocol.EventLanguageChange, protocol.LanguageChange{RoomID: r.id.RoomID, Language: language})
}

// SetInput changes the shared stdin box
func (r *Room) SetInput(input string) error {
	r.mu.Lock()
	r.input = input
	r.mu.Unlock()
	return r.session.Emit(protocol.EventInputChange, protocol.InputChange{RoomID: r.id.RoomID, Input: input})
}

// Run asks the server to execute the current document
func (r *Room) Run() error {
	r.mu.Lock()
	req := protocol.CompileCode{
		Code:     r.buffer.Content(),
		RoomID:   r.id.RoomID,
		Language: r.language,
		Version:  protocol.DefaultVersion,
		Input:    r.input,
	}
	r.running = true
	r.mu.Unlock()
	return r.session.Emit(protocol.EventCompileCode, req)
}

// Leave publishes any pending edit, tells the server we are gone, and
// closes the session.
func (r *Room) Leave() error {
	r.pub.Flush()
	r.typing.Stop()
	err := r.session.Emit(protocol.EventLeaveRoom, nil)
	if cerr := r.session.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Room) publish(code string) {
	if err := r.session.Emit(protocol.EventCodeChange, protocol.CodeChange{RoomID: r.id.RoomID, Code: code}); err != nil {
		r.log.Warn().Err(err).Msg("failed to publish code")
		return
	}
	if err := r.session.Emit(protocol.EventTyping, protocol.Typing{RoomID: r.id.RoomID, UserID: r.id.UserID}); err != nil {
		r.log.Warn().Err(err).Msg("failed to publish typing")
	}
}

func (r *Room) onCodeUpdate(data json.RawMessage) {
	var code string
	if !r.decode(protocol.EventCodeUpdate, data, &code) {
		return
	}
	if r.applier.Apply(code) {
		// The applied text replaces any local draft still waiting to be
		// published. The guard already holds it, so it is never sent.
		r.pub.Notify(code)
		r.notify(protocol.EventCodeUpdate)
	}
}

func (r *Room) onLanguageUpdate(data json.RawMessage) {
	var language string
	if !r.decode(protocol.EventLanguageUpdate, data, &language) {
		return
	}
	r.mu.Lock()
	r.language = language
	r.mu.Unlock()
	r.notify(protocol.EventLanguageUpdate)
}

func (r *Room) onUserJoined(data json.RawMessage) {
	var members []protocol.Member
	if !r.decode(protocol.EventUserJoined, data, &members) {
		return
	}
	r.mu.Lock()
	r.members = members
	r.mu.Unlock()
	r.notify(protocol.EventUserJoined)
}

func (r *Room) onUserTyping(data json.RawMessage) {
	var name string
	if !r.decode(protocol.EventUserTyping, data, &name) {
		return
	}
	r.typing.Show(name)
	r.notify(protocol.EventUserTyping)
}

func (r *Room) onInputUpdate(data json.RawMessage) {
	var input string
	if !r.decode(protocol.EventInputUpdate, data, &input) {
		return
	}
	r.mu.Lock()
	r.input = input
	r.mu.Unlock()
	r.notify(protocol.EventInputUpdate)
}

func (r *Room) onCodeResponse(data json.RawMessage) {
	output, _ := protocol.Output(data)
	r.mu.Lock()
	r.output = output
	r.running = false
	r.mu.Unlock()
	r.notify(protocol.EventCodeResponse)
}

func (r *Room) decode(event string, data json.RawMessage, dst any) bool {
	if err := json.Unmarshal(data, dst); err != nil {
		r.log.Debug().Err(err).Str("event", event).Msg("dropping malformed event")
		return false
	}
	return true
}

func (r *Room) notify(event string) {
	if r.onUpdate != nil {
		r.onUpdate(event)
	}
}
