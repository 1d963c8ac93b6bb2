package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Names of the events carried over the room transport
const (
	// Client to server
	EventJoin           = "join"
	EventCodeChange     = "codeChange"
	EventLanguageChange = "languageChange"
	EventInputChange    = "inputChange"
	EventTyping         = "typing"
	EventLeaveRoom      = "leaveRoom"
	EventCompileCode    = "compileCode"

	// Server to client
	EventCodeUpdate     = "codeUpdate"
	EventLanguageUpdate = "languageUpdate"
	EventUserJoined     = "userJoined"
	EventUserTyping     = "userTyping"
	EventInputUpdate    = "inputUpdate"
	EventCodeResponse   = "codeResponse"
)

// Defaults applied by the server when a room is created
const (
	DefaultCode     = "// start code here"
	DefaultLanguage = "javascript"
	DefaultVersion  = "*"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownEvent   = errors.New("unknown event")
)

// One frame on the wire
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// A decoded client to server event. The set of implementations is closed.
type Message interface {
	Event() string
	isMessage()
}

type Join struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	UserID   string `json:"userId"`
}

type CodeChange struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

type LanguageChange struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

type InputChange struct {
	RoomID string `json:"roomId"`
	Input  string `json:"input"`
}

type Typing struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// Leave uses the server-side session record, so it has no payload
type LeaveRoom struct{}

type CompileCode struct {
	Code     string `json:"code"`
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
	Version  string `json:"version"`
	Input    string `json:"input"`
}

func (Join) Event() string           { return EventJoin }
func (CodeChange) Event() string     { return EventCodeChange }
func (LanguageChange) Event() string { return EventLanguageChange }
func (InputChange) Event() string    { return EventInputChange }
func (Typing) Event() string         { return EventTyping }
func (LeaveRoom) Event() string      { return EventLeaveRoom }
func (CompileCode) Event() string    { return EventCompileCode }

func (Join) isMessage()           {}
func (CodeChange) isMessage()     {}
func (LanguageChange) isMessage() {}
func (InputChange) isMessage()    {}
func (Typing) isMessage()         {}
func (LeaveRoom) isMessage()      {}
func (CompileCode) isMessage()    {}

// Entry in the userJoined member list
type Member struct {
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	ConnectionID string `json:"connectionId"`
}

// Decode parses a client frame and enforces the field schema of its event.
// Content fields (code, input) must be present but may be empty.
func Decode(frame []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch env.Event {
	case EventJoin:
		var p struct {
			RoomID   string `json:"roomId"`
			UserName string `json:"userName"`
			UserID   string `json:"userId"`
		}
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if err := require(env.Event, "roomId", p.RoomID, "userName", p.UserName, "userId", p.UserID); err != nil {
			return nil, err
		}
		return Join{RoomID: p.RoomID, UserName: p.UserName, UserID: p.UserID}, nil

	case EventCodeChange:
		var p struct {
			RoomID string  `json:"roomId"`
			Code   *string `json:"code"`
		}
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if err := require(env.Event, "roomId", p.RoomID); err != nil {
			return nil, err
		}
		if p.Code == nil {
			return nil, missing(env.Event, "code")
		}
		return CodeChange{RoomID: p.RoomID, Code: *p.Code}, nil

	case EventLanguageChange:
		var p LanguageChange
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if err := require(env.Event, "roomId", p.RoomID, "language", p.Language); err != nil {
			return nil, err
		}
		return p, nil

	case EventInputChange:
		var p struct {
			RoomID string  `json:"roomId"`
			Input  *string `json:"input"`
		}
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if err := require(env.Event, "roomId", p.RoomID); err != nil {
			return nil, err
		}
		if p.Input == nil {
			return nil, missing(env.Event, "input")
		}
		return InputChange{RoomID: p.RoomID, Input: *p.Input}, nil

	case EventTyping:
		var p Typing
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if err := require(env.Event, "roomId", p.RoomID, "userId", p.UserID); err != nil {
			return nil, err
		}
		return p, nil

	case EventLeaveRoom:
		return LeaveRoom{}, nil

	case EventCompileCode:
		var p CompileCode
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if err := require(env.Event, "roomId", p.RoomID, "language", p.Language); err != nil {
			return nil, err
		}
		if p.Version == "" {
			p.Version = DefaultVersion
		}
		return p, nil

	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// Encode builds a frame for any event and payload
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func unmarshalData(env Envelope, dst any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidMessage, env.Event)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Event, err)
	}
	return nil
}

// require takes name/value pairs and fails on the first empty value
func require(event string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return missing(event, pairs[i])
		}
	}
	return nil
}

func missing(event, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrInvalidMessage, event, field)
}
