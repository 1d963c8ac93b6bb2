package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/pairpad/internal/db"
	"github.com/manpreetbhatti/pairpad/internal/executor"
	"github.com/manpreetbhatti/pairpad/internal/metrics"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
)

// Stands in for the execution service
type fakeExecutor struct {
	mu     sync.Mutex
	result json.RawMessage
	err    error
	panics bool
	gate   chan struct{}
	calls  []executor.Request
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.Request) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate, panics, result, err := f.gate, f.panics, f.result, f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if panics {
		panic("executor exploded")
	}
	return result, err
}

func setupHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	cfg.Logger = zerolog.Nop()

	hub := NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.done
	})
	return hub
}

// A client with no socket behind it
func newMockClient(hub *Hub, id string, buffer int) *Client {
	c := &Client{
		hub:  hub,
		send: make(chan []byte, buffer),
		id:   id,
		log:  zerolog.Nop(),
	}
	hub.register <- c
	return c
}

// dispatch runs a message on the hub goroutine and waits for it
func dispatch(hub *Hub, c *Client, msg protocol.Message) {
	hub.do(func() { hub.handle(context.Background(), c, msg) })
}

func join(hub *Hub, c *Client, roomID, userID, name string) {
	dispatch(hub, c, protocol.Join{RoomID: roomID, UserID: userID, UserName: name})
}

// received drains everything queued for the client
func received(c *Client) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return out
			}
			var env protocol.Envelope
			json.Unmarshal(frame, &env)
			out = append(out, env)
		default:
			return out
		}
	}
}

func rawFrames(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, frame)
		default:
			return out
		}
	}
}

func waitFrame(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("Bad frame %s: %v", frame, err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a frame")
		return protocol.Envelope{}
	}
}

func members(t *testing.T, env protocol.Envelope) []protocol.Member {
	t.Helper()
	if env.Event != protocol.EventUserJoined {
		t.Fatalf("Expected userJoined, got %s", env.Event)
	}
	var list []protocol.Member
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("Bad member list: %v", err)
	}
	return list
}

func stringData(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(env.Data, &s); err != nil {
		t.Fatalf("Expected string payload, got %s", env.Data)
	}
	return s
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(HubConfig{Logger: zerolog.Nop()})
	if hub == nil {
		t.Fatal("Hub should not be nil")
	}
	if hub.clients == nil {
		t.Error("Hub clients map should be initialized")
	}
	if hub.dir == nil {
		t.Error("Hub directory should be initialized")
	}
}

func TestHubQueriesWhenStopped(t *testing.T) {
	hub := NewHub(HubConfig{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hub.Run(ctx)

	if hub.GetRoomCount() != 0 || hub.GetClientCount() != 0 {
		t.Error("Stopped hub should report zero")
	}
	if len(hub.GetActiveRooms()) != 0 {
		t.Error("Stopped hub should report no rooms")
	}
	if _, ok := hub.LiveRoomIDs(); ok {
		t.Error("Stopped hub should not claim to know its live rooms")
	}
}

func TestJoinSendsStateAndMembers(t *testing.T) {
	hub := setupHub(t, HubConfig{})
	alice := newMockClient(hub, "c-alice", 16)
	bob := newMockClient(hub, "c-bob", 16)

	join(hub, alice, "r1", "u-alice", "Alice")
	got := received(alice)
	if len(got) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(got))
	}
	if got[0].Event != protocol.EventCodeUpdate || stringData(t, got[0]) != protocol.DefaultCode {
		t.Errorf("Expected default code first, got %s %s", got[0].Event, got[0].Data)
	}
	if got[1].Event != protocol.EventLanguageUpdate || stringData(t, got[1]) != protocol.DefaultLanguage {
		t.Errorf("Expected default language, got %s %s", got[1].Event, got[1].Data)
	}
	if list := members(t, got[2]); len(list) != 1 || list[0].ConnectionID != "c-alice" {
		t.Errorf("Unexpected members %+v", list)
	}

	join(hub, bob, "r1", "u-bob", "Bob")
	bobFrames := received(bob)
	if len(bobFrames) != 3 {
		t.Fatalf("Expected 3 frames for Bob, got %d", len(bobFrames))
	}
	aliceFrames := received(alice)
	if len(aliceFrames) != 1 {
		t.Fatalf("Expected 1 frame for Alice, got %d", len(aliceFrames))
	}
	list := members(t, aliceFrames[0])
	if len(list) != 2 || list[0].UserID != "u-alice" || list[1].UserID != "u-bob" {
		t.Errorf("Expected members in join order, got %+v", list)
	}

	if hub.GetRoomCount() != 1 || hub.GetClientCount() != 2 {
		t.Errorf("Expected 1 room and 2 clients, got %d and %d", hub.GetRoomCount(), hub.GetClientCount())
	}
	if hub.GetActiveRooms()["r1"] != 2 {
		t.Errorf("Expected 2 members in r1, got %v", hub.GetActiveRooms())
	}
}

func TestCodeChangeReachesOthersOnly(t *testing.T) {
	hub := setupHub(t, HubConfig{})
	a := newMockClient(hub, "c-a", 16)
	b := newMockClient(hub, "c-b", 16)
	c := newMockClient(hub, "c-c", 16)
	outsider := newMockClient(hub, "c-x", 16)

	join(hub, a, "r1", "u-a", "A")
	join(hub, b, "r1", "u-b", "B")
	join(hub, c, "r1", "u-c", "C")
	join(hub, outsider, "r2", "u-x", "X")
	for _, cl := range []*Client{a, b, c, outsider} {
		received(cl)
	}

	code := "console.log(\"héllo\")\n\t// <tag> & more"
	dispatch(hub, a, protocol.CodeChange{RoomID: "r1", Code: code})

	if got := rawFrames(a); len(got) != 0 {
		t.Errorf("Sender should receive nothing, got %d frames", len(got))
	}
	if got := rawFrames(outsider); len(got) != 0 {
		t.Errorf("Other rooms should receive nothing, got %d frames", len(got))
	}

	bf, cf := rawFrames(b), rawFrames(c)
	if len(bf) != 1 || len(cf) != 1 {
		t.Fatalf("Expected one frame each, got %d and %d", len(bf), len(cf))
	}
	if string(bf[0]) != string(cf[0]) {
		t.Errorf("Recipients should get identical frames:\n%s\n%s", bf[0], cf[0])
	}
	var env protocol.Envelope
	json.Unmarshal(bf[0], &env)
	if env.Event != protocol.EventCodeUpdate || stringData(t, env) != code {
		t.Errorf("Expected codeUpdate with the exact code, got %s", bf[0])
	}

	room, ok := hub.Room("r1")
	if !ok || room.Code != code {
		t.Errorf("Room code should be overwritten, got %q", room.Code)
	}
}

func TestRelayEvents(t *testing.T) {
	hub := setupHub(t, HubConfig{})
	a := newMockClient(hub, "c-a", 16)
	b := newMockClient(hub, "c-b", 16)
	join(hub, a, "r1", "u-a", "Alexandria-Longname")
	join(hub, b, "r1", "u-b", "B")
	received(a)
	received(b)

	dispatch(hub, a, protocol.LanguageChange{RoomID: "r1", Language: "python"})
	dispatch(hub, a, protocol.InputChange{RoomID: "r1", Input: ""})
	dispatch(hub, a, protocol.Typing{RoomID: "r1", UserID: "u-a"})

	got := received(b)
	if len(got) != 3 {
		t.Fatalf("Expected 3 relayed frames, got %d", len(got))
	}
	if got[0].Event != protocol.EventLanguageUpdate || stringData(t, got[0]) != "python" {
		t.Errorf("Unexpected language frame %s %s", got[0].Event, got[0].Data)
	}
	if got[1].Event != protocol.EventInputUpdate || stringData(t, got[1]) != "" {
		t.Errorf("Unexpected input frame %s %s", got[1].Event, got[1].Data)
	}
	if got[2].Event != protocol.EventUserTyping || stringData(t, got[2]) != "Alexandria-Longname" {
		t.Errorf("Unexpected typing frame %s %s", got[2].Event, got[2].Data)
	}
	if len(received(a)) != 0 {
		t.Error("Sender should not receive its own relays")
	}

	room, _ := hub.Room("r1")
	if room.Language != "python" {
		t.Errorf("Language should be stored, got %s", room.Language)
	}
}

func TestUnknownRoomOrUserIsNoOp(t *testing.T) {
	hub := setupHub(t, HubConfig{})
	a := newMockClient(hub, "c-a", 16)
	b := newMockClient(hub, "c-b", 16)
	join(hub, a, "r1", "u-a", "A")
	join(hub, b, "r1", "u-b", "B")
	received(a)
	received(b)

	dispatch(hub, a, protocol.CodeChange{RoomID: "nope", Code: "x"})
	dispatch(hub, a, protocol.LanguageChange{RoomID: "nope", Language: "go"})
	dispatch(hub, a, protocol.InputChange{RoomID: "nope", Input: "x"})
	dispatch(hub, a, protocol.Typing{RoomID: "r1", UserID: "ghost"})
	dispatch(hub, a, protocol.CompileCode{RoomID: "nope", Language: "go", Version: "*"})

	if got := received(b); len(got) != 0 {
		t.Errorf("Expected nothing, got %+v", got)
	}
	if hub.GetRoomCount() != 1 {
		t.Errorf("No-ops must not create rooms, got %d", hub.GetRoomCount())
	}
}

func TestLeaveRoom(t *testing.T) {
	hub := setupHub(t, HubConfig{})
	a := newMockClient(hub, "c-a", 16)
	b := newMockClient(hub, "c-b", 16)
	join(hub, a, "r1", "u-a", "A")
	join(hub, b, "r1", "u-b", "B")
	dispatch(hub, a, protocol.CodeChange{RoomID: "r1", Code: "edited"})
	received(a)
	received(b)

	dispatch(hub, b, protocol.LeaveRoom{})
	if got := received(b); len(got) != 0 {
		t.Errorf("Leaver should receive nothing, got %+v", got)
	}
	if list := members(t, waitFrame(t, a)); len(list) != 1 || list[0].UserID != "u-a" {
		t.Errorf("Expected only A left, got %+v", list)
	}

	// Second leave on the same connection does nothing
	dispatch(hub, b, protocol.LeaveRoom{})
	if got := received(a); len(got) != 0 {
		t.Errorf("Repeated leave should be a no-op, got %+v", got)
	}

	dispatch(hub, a, protocol.LeaveRoom{})
	if hub.GetRoomCount() != 0 {
		t.Fatalf("Empty room should be deleted, got %d rooms", hub.GetRoomCount())
	}

	join(hub, a, "r1", "u-a", "A")
	got := received(a)
	if stringData(t, got[0]) != protocol.DefaultCode {
		t.Errorf("Recreated room should have default code, got %s", got[0].Data)
	}
	if hub.GetClientCount() != 2 {
		t.Errorf("Leaving keeps the connection open, got %d clients", hub.GetClientCount())
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	hub := setupHub(t, HubConfig{})
	a := newMockClient(hub, "c-a", 16)
	b := newMockClient(hub, "c-b", 16)
	join(hub, a, "r1", "u-a", "A")
	join(hub, b, "r1", "u-b", "B")
	received(a)
	received(b)

	hub.unregister <- b
	if list := members(t, waitFrame(t, a)); len(list) != 1 {
		t.Errorf("Expected 1 member after disconnect, got %+v", list)
	}
	if _, ok := <-b.send; ok {
		t.Error("Disconnected client's send channel should be closed")
	}
	if hub.GetClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", hub.GetClientCount())
	}
}

func TestReconnectKeepsSingleMember(t *testing.T) {
	hub := setupHub(t, HubConfig{})
	a := newMockClient(hub, "c-a", 16)
	old := newMockClient(hub, "c-b1", 16)
	join(hub, a, "r1", "u-a", "A")
	join(hub, old, "r1", "u-b", "B")

	fresh := newMockClient(hub, "c-b2", 16)
	join(hub, fresh, "r1", "u-b", "B")
	received(a)

	// The old socket drops after the user is already back
	hub.unregister <- old
	room, _ := hub.Room("r1")
	if len(room.Members) != 2 {
		t.Fatalf("Stale disconnect should not remove the user, got %+v", room.Members)
	}
	if room.Members[1].ConnectionID != "c-b2" {
		t.Errorf("Expected new connection id, got %s", room.Members[1].ConnectionID)
	}
	if got := received(a); len(got) != 0 {
		t.Errorf("Stale disconnect should not broadcast, got %+v", got)
	}
}

func TestJoinAnotherRoomLeavesPrevious(t *testing.T) {
	hub := setupHub(t, HubConfig{})
	a := newMockClient(hub, "c-a", 16)
	b := newMockClient(hub, "c-b", 16)
	join(hub, a, "r1", "u-a", "A")
	join(hub, b, "r1", "u-b", "B")
	received(a)

	join(hub, b, "r2", "u-b", "B")
	if list := members(t, waitFrame(t, a)); len(list) != 1 {
		t.Errorf("Expected B to leave r1, got %+v", list)
	}
	if hub.GetRoomCount() != 2 {
		t.Errorf("Expected 2 rooms, got %d", hub.GetRoomCount())
	}
}

func TestSlowConsumerIsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	hub := setupHub(t, HubConfig{Metrics: metrics.New(reg)})
	a := newMockClient(hub, "c-a", 16)
	slow := newMockClient(hub, "c-slow", 3)
	join(hub, a, "r1", "u-a", "A")
	join(hub, slow, "r1", "u-slow", "Slow")

	// Slow got code, language, members: its buffer is now full
	dispatch(hub, a, protocol.CodeChange{RoomID: "r1", Code: "x"})

	if hub.GetClientCount() != 1 {
		t.Errorf("Slow client should be dropped, got %d clients", hub.GetClientCount())
	}
	frames := rawFrames(slow)
	if len(frames) != 3 {
		t.Errorf("Expected the 3 buffered frames, got %d", len(frames))
	}
	if _, ok := <-slow.send; ok {
		t.Error("Slow client's send channel should be closed")
	}

	// Its read pump then reports the disconnect
	hub.unregister <- slow
	room, _ := hub.Room("r1")
	if len(room.Members) != 1 {
		t.Errorf("Expected slow member removed, got %+v", room.Members)
	}
}

func TestCompileBroadcastsToWholeRoom(t *testing.T) {
	exec := &fakeExecutor{result: json.RawMessage(`{"language":"python","version":"3.10.0","run":{"stdout":"2\n","stderr":"","output":"2\n","code":0,"signal":null}}`)}
	history, err := db.New(db.MemoryDSN)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer history.Close()

	hub := setupHub(t, HubConfig{Executor: exec, History: history})
	a := newMockClient(hub, "c-a", 16)
	b := newMockClient(hub, "c-b", 16)
	join(hub, a, "r1", "u-a", "A")
	join(hub, b, "r1", "u-b", "B")
	received(a)
	received(b)

	dispatch(hub, a, protocol.CompileCode{RoomID: "r1", Code: "print(1+1)", Language: "python", Version: "*", Input: "in"})

	for _, c := range []*Client{a, b} {
		env := waitFrame(t, c)
		if env.Event != protocol.EventCodeResponse {
			t.Fatalf("Expected codeResponse, got %s", env.Event)
		}
		if out, ok := protocol.Output(env.Data); !ok || out != "2\n" {
			t.Errorf("Expected output 2, got %q", out)
		}
	}

	exec.mu.Lock()
	req := exec.calls[0]
	exec.mu.Unlock()
	if req.Code != "print(1+1)" || req.Stdin != "in" || req.Language != "python" {
		t.Errorf("Unexpected executor request %+v", req)
	}

	list, err := history.ListExecutions("r1", 10, 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("Expected 1 recorded execution, got %d (%v)", len(list), err)
	}
	if list[0].Status != db.StatusOK || list[0].Output != "2\n" {
		t.Errorf("Unexpected record %+v", list[0])
	}
}

func TestCompileFailureBecomesResult(t *testing.T) {
	tests := []struct {
		name string
		exec Executor
		want string
	}{
		{"service error", &fakeExecutor{err: errors.New("service unavailable")}, "service unavailable"},
		{"panic", &fakeExecutor{panics: true}, "execution panicked: executor exploded"},
		{"not configured", nil, errNoExecutor.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			hub := setupHub(t, HubConfig{Executor: tt.exec, Metrics: metrics.New(reg)})
			a := newMockClient(hub, "c-a", 16)
			join(hub, a, "r1", "u-a", "A")
			received(a)

			dispatch(hub, a, protocol.CompileCode{RoomID: "r1", Language: "python", Version: "*"})

			env := waitFrame(t, a)
			if env.Event != protocol.EventCodeResponse {
				t.Fatalf("Expected codeResponse, got %s", env.Event)
			}
			msg, failed := protocol.Failed(env.Data)
			if !failed || msg != tt.want {
				t.Errorf("Expected error %q, got %q", tt.want, msg)
			}
			if out, ok := protocol.Output(env.Data); !ok || out != tt.want {
				t.Errorf("run.output should carry the message, got %q", out)
			}

			// The hub keeps serving
			if hub.GetRoomCount() != 1 {
				t.Error("Hub should survive execution failures")
			}
		})
	}
}

// Signals every recorded execution
type recordingHistory struct {
	recorded chan db.Execution
}

func (h *recordingHistory) RecordExecution(e db.Execution) error {
	h.recorded <- e
	return nil
}

func TestCompileResultForClosedRoomIsDropped(t *testing.T) {
	exec := &fakeExecutor{result: json.RawMessage(`{"run":{"output":"late"}}`), gate: make(chan struct{})}
	history := &recordingHistory{recorded: make(chan db.Execution, 1)}
	hub := setupHub(t, HubConfig{Executor: exec, History: history})
	a := newMockClient(hub, "c-a", 16)
	join(hub, a, "r1", "u-a", "A")
	received(a)

	dispatch(hub, a, protocol.CompileCode{RoomID: "r1", Language: "python", Version: "*"})
	dispatch(hub, a, protocol.LeaveRoom{})
	close(exec.gate)

	select {
	case e := <-history.recorded:
		if e.RoomID != "r1" || e.Status != db.StatusOK {
			t.Errorf("Unexpected record %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execution never finished")
	}

	// Give the hub a chance to process the result
	time.Sleep(20 * time.Millisecond)
	if hub.GetRoomCount() != 0 {
		t.Errorf("A late result must not recreate the room")
	}
	if got := received(a); len(got) != 0 {
		t.Errorf("Expected no frames after leaving, got %+v", got)
	}
}

func TestRoomQueries(t *testing.T) {
	hub := setupHub(t, HubConfig{})
	a := newMockClient(hub, "c-a", 16)
	b := newMockClient(hub, "c-b", 16)
	c := newMockClient(hub, "c-c", 16)
	join(hub, a, "zeta", "u-a", "A")
	join(hub, b, "alpha", "u-b", "B")
	join(hub, c, "alpha", "u-c", "C")
	dispatch(hub, b, protocol.CodeChange{RoomID: "alpha", Code: "abc"})

	rooms := hub.Rooms()
	if len(rooms) != 2 || rooms[0].ID != "alpha" || rooms[1].ID != "zeta" {
		t.Fatalf("Expected rooms sorted by id, got %+v", rooms)
	}
	if rooms[0].Members != 2 || rooms[0].CodeSize != 3 {
		t.Errorf("Unexpected summary %+v", rooms[0])
	}

	detail, ok := hub.Room("alpha")
	if !ok || detail.Code != "abc" || len(detail.Members) != 2 {
		t.Errorf("Unexpected detail %+v", detail)
	}
	if _, ok := hub.Room("missing"); ok {
		t.Error("Missing room should not be found")
	}

	stats := hub.Stats()
	if stats.Rooms != 2 || stats.Connections != 3 || stats.Members != 3 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	live, ok := hub.LiveRoomIDs()
	if !ok || !live["alpha"] || !live["zeta"] || len(live) != 2 {
		t.Errorf("Unexpected live rooms %v", live)
	}
}
