package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/pairpad/internal/db"
	"github.com/manpreetbhatti/pairpad/internal/executor"
	"github.com/manpreetbhatti/pairpad/internal/idgen"
	"github.com/manpreetbhatti/pairpad/internal/metrics"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
	"github.com/manpreetbhatti/pairpad/internal/room"
)

var errNoExecutor = errors.New("code execution is not configured")

// Executor runs code on behalf of a room
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (json.RawMessage, error)
}

// History stores finished executions
type History interface {
	RecordExecution(e db.Execution) error
}

type HubConfig struct {
	Executor Executor
	History  History
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Hub owns the room directory and every live connection. All state is
// touched only from the goroutine running Run.
type Hub struct {
	dir *room.Directory

	// Live connections by connection id
	clients map[string]*Client

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Decoded messages from clients
	inbound chan *Message

	// Finished executions
	results chan *execResult

	// Read-only work run on the hub goroutine
	queries chan func()

	done chan struct{}

	executor Executor
	history  History
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

type Message struct {
	Sender *Client
	Msg    protocol.Message
}

type execResult struct {
	roomID string
	result json.RawMessage
}

func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		dir:        room.NewDirectory(),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *Message, 256),
		results:    make(chan *execResult, 16),
		queries:    make(chan func()),
		done:       make(chan struct{}),
		executor:   cfg.Executor,
		history:    cfg.History,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.With().Str("component", "hub").Logger(),
	}
}

// Run processes events until ctx is cancelled. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for id, c := range h.clients {
			delete(h.clients, id)
			close(c.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Int("connections", len(h.clients)).Msg("hub stopping")
			return

		case client := <-h.register:
			h.clients[client.id] = client
			h.metrics.ConnectionOpened()
			h.log.Info().Str("conn", client.id).Int("connections", len(h.clients)).Msg("client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.metrics.ConnectionClosed()
			h.disconnect(client.id)
			h.log.Info().Str("conn", client.id).Int("connections", len(h.clients)).Msg("client disconnected")

		case m := <-h.inbound:
			h.handle(ctx, m.Sender, m.Msg)

		case res := <-h.results:
			h.deliverResult(res)

		case fn := <-h.queries:
			fn()
		}
	}
}

func (h *Hub) handle(ctx context.Context, sender *Client, msg protocol.Message) {
	outcome := "ok"
	switch m := msg.(type) {
	case protocol.Join:
		h.join(sender, m)
	case protocol.CodeChange:
		if !h.dir.SetCode(m.RoomID, m.Code) {
			outcome = "noop"
			break
		}
		h.fanout(m.RoomID, protocol.EventCodeUpdate, m.Code, sender.id)
	case protocol.LanguageChange:
		if !h.dir.SetLanguage(m.RoomID, m.Language) {
			outcome = "noop"
			break
		}
		h.fanout(m.RoomID, protocol.EventLanguageUpdate, m.Language, sender.id)
	case protocol.InputChange:
		if _, ok := h.dir.Lookup(m.RoomID); !ok {
			outcome = "noop"
			break
		}
		h.fanout(m.RoomID, protocol.EventInputUpdate, m.Input, sender.id)
	case protocol.Typing:
		r, ok := h.dir.Lookup(m.RoomID)
		if !ok {
			outcome = "noop"
			break
		}
		member, ok := r.Member(m.UserID)
		if !ok {
			outcome = "noop"
			break
		}
		h.fanout(m.RoomID, protocol.EventUserTyping, member.Name, sender.id)
	case protocol.LeaveRoom:
		if !h.disconnect(sender.id) {
			outcome = "noop"
		}
	case protocol.CompileCode:
		if _, ok := h.dir.Lookup(m.RoomID); !ok {
			outcome = "noop"
			break
		}
		go h.runExecution(ctx, m)
	default:
		outcome = "unknown"
	}

	if outcome != "ok" {
		h.log.Debug().Str("conn", sender.id).Str("event", msg.Event()).Str("outcome", outcome).Msg("event ignored")
	}
	h.metrics.Event(msg.Event(), outcome)
}

func (h *Hub) join(sender *Client, m protocol.Join) {
	joined := h.dir.Join(m.RoomID, m.UserID, m.UserName, sender.id)

	if prev := joined.Previous; prev != nil {
		h.afterDeparture(*prev)
	}

	if joined.Created {
		h.log.Info().Str("room", m.RoomID).Msg("room created")
	}

	h.send(sender, protocol.EventCodeUpdate, joined.Room.Code)
	h.send(sender, protocol.EventLanguageUpdate, joined.Room.Language)
	h.fanout(m.RoomID, protocol.EventUserJoined, joined.Room.Wire(), "")
	h.updateGauges()

	h.log.Info().
		Str("room", m.RoomID).
		Str("user", m.UserID).
		Str("conn", sender.id).
		Int("members", joined.Room.Size()).
		Msg("user joined room")
}

// disconnect leaves whatever room the connection is bound to. Returns
// false when the connection had no session record.
func (h *Hub) disconnect(connID string) bool {
	dep, ok := h.dir.Disconnect(connID)
	if !ok {
		return false
	}
	h.afterDeparture(dep)
	return true
}

func (h *Hub) afterDeparture(dep room.Departure) {
	if !dep.Removed {
		return
	}
	if dep.Closed {
		h.log.Info().Str("room", dep.RoomID).Msg("room closed (empty)")
	} else {
		h.fanout(dep.RoomID, protocol.EventUserJoined, dep.Room.Wire(), "")
		h.log.Info().Str("room", dep.RoomID).Str("user", dep.UserID).Int("members", len(dep.Members)).Msg("user left room")
	}
	h.updateGauges()
}

// fanout encodes once and queues the frame for every member of the room
// except the connection named by except.
func (h *Hub) fanout(roomID, event string, payload any, except string) {
	r, ok := h.dir.Lookup(roomID)
	if !ok {
		return
	}

	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return
	}

	sent := 0
	for _, m := range r.Members() {
		if m.ConnectionID == except {
			continue
		}
		c, ok := h.clients[m.ConnectionID]
		if !ok {
			continue
		}
		if h.deliver(c, frame) {
			sent++
		}
	}
	h.metrics.Fanout(sent)
}

func (h *Hub) send(c *Client, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return
	}
	h.deliver(c, frame)
}

// deliver never blocks. A client whose buffer is full is closed, and its
// read pump reports the disconnect like any other.
func (h *Hub) deliver(c *Client, frame []byte) bool {
	if _, ok := h.clients[c.id]; !ok {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		delete(h.clients, c.id)
		close(c.send)
		h.metrics.FrameDropped("slow_consumer")
		h.log.Warn().Str("conn", c.id).Msg("send buffer full, closing connection")
		return false
	}
}

func (h *Hub) updateGauges() {
	h.metrics.SetDirectory(h.dir.Len(), h.dir.MemberCount())
}

// runExecution calls the executor off the hub goroutine and posts the
// result back. It always posts something unless the hub has stopped.
func (h *Hub) runExecution(ctx context.Context, req protocol.CompileCode) {
	start := time.Now()
	result, err := h.execute(ctx, req)
	elapsed := time.Since(start)

	record := db.Execution{
		ID:         idgen.NewULID(),
		RoomID:     req.RoomID,
		Language:   req.Language,
		Version:    req.Version,
		Status:     db.StatusOK,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  start.UTC(),
	}

	if err != nil {
		h.log.Warn().Err(err).Str("room", req.RoomID).Str("language", req.Language).Msg("execution failed")
		result = executor.ErrorResult(err)
		record.Status = db.StatusError
		record.Error = err.Error()
	} else if msg, failed := protocol.Failed(result); failed {
		record.Status = db.StatusError
		record.Error = msg
	}
	record.Output, _ = protocol.Output(result)

	h.metrics.Execution(record.Status, elapsed)
	if h.history != nil {
		if err := h.history.RecordExecution(record); err != nil {
			h.log.Error().Err(err).Str("room", req.RoomID).Msg("failed to record execution")
		}
	}

	select {
	case h.results <- &execResult{roomID: req.RoomID, result: result}:
	case <-h.done:
	}
}

func (h *Hub) execute(ctx context.Context, req protocol.CompileCode) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("execution panicked: %v", p)
		}
	}()

	if h.executor == nil {
		return nil, errNoExecutor
	}
	return h.executor.Execute(ctx, executor.Request{
		Language: req.Language,
		Version:  req.Version,
		Code:     req.Code,
		Stdin:    req.Input,
	})
}

// Results go to whoever is in the room now. A room that closed while the
// execution ran gets nothing.
func (h *Hub) deliverResult(res *execResult) {
	if _, ok := h.dir.Lookup(res.roomID); !ok {
		h.log.Debug().Str("room", res.roomID).Msg("dropping execution result for closed room")
		return
	}
	h.fanout(res.roomID, protocol.EventCodeResponse, res.result, "")
}

// Queries

// do runs fn on the hub goroutine and waits for it. Returns false when
// the hub is not running.
func (h *Hub) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case h.queries <- func() { fn(); close(finished) }:
	case <-h.done:
		return false
	}
	<-finished
	return true
}

// Summary of a live room
type RoomSummary struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Members  int    `json:"members"`
	CodeSize int    `json:"code_size"`
}

// Detail of a live room
type RoomDetail struct {
	ID       string            `json:"id"`
	Code     string            `json:"code"`
	Language string            `json:"language"`
	Members  []protocol.Member `json:"members"`
}

type Stats struct {
	Rooms       int `json:"active_rooms"`
	Connections int `json:"active_clients"`
	Members     int `json:"active_members"`
}

func (h *Hub) GetRoomCount() int {
	var n int
	h.do(func() { n = h.dir.Len() })
	return n
}

func (h *Hub) GetClientCount() int {
	var n int
	h.do(func() { n = len(h.clients) })
	return n
}

// GetActiveRooms maps each live room id to its member count
func (h *Hub) GetActiveRooms() map[string]int {
	out := make(map[string]int)
	h.do(func() {
		for _, r := range h.dir.Rooms() {
			out[r.ID] = r.Size()
		}
	})
	return out
}

// Rooms lists live rooms sorted by id
func (h *Hub) Rooms() []RoomSummary {
	var out []RoomSummary
	h.do(func() {
		for _, r := range h.dir.Rooms() {
			out = append(out, RoomSummary{
				ID:       r.ID,
				Language: r.Language,
				Members:  r.Size(),
				CodeSize: len(r.Code),
			})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hub) Room(roomID string) (RoomDetail, bool) {
	var (
		detail RoomDetail
		found  bool
	)
	h.do(func() {
		r, ok := h.dir.Lookup(roomID)
		if !ok {
			return
		}
		found = true
		detail = RoomDetail{ID: r.ID, Code: r.Code, Language: r.Language, Members: r.Wire()}
	})
	return detail, found
}

// LiveRoomIDs returns the ids of every live room. ok is false when the
// hub has stopped and the set is unknown.
func (h *Hub) LiveRoomIDs() (map[string]bool, bool) {
	out := make(map[string]bool)
	ok := h.do(func() {
		for _, r := range h.dir.Rooms() {
			out[r.ID] = true
		}
	})
	return out, ok
}

func (h *Hub) Stats() Stats {
	var s Stats
	h.do(func() {
		s = Stats{Rooms: h.dir.Len(), Connections: len(h.clients), Members: h.dir.MemberCount()}
	})
	return s
}
