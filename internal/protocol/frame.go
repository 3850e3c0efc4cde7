package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/pairchat/internal/types"
)

type FrameType string

const (
	TypeMessageNew      FrameType = "message:new"
	TypeMessageRead     FrameType = "message:read"
	TypeMessageReaction FrameType = "message:reaction"
	TypeTypingStart     FrameType = "typing:start"
	TypeTypingStop      FrameType = "typing:stop"
	TypePresenceOnline  FrameType = "presence:online"
	TypePresenceOffline FrameType = "presence:offline"
	TypeError           FrameType = "error"
)

var (
	ErrMalformedFrame   = errors.New("invalid message format")
	ErrUnknownFrameType = errors.New("unknown message type")
	ErrPayloadMismatch  = errors.New("payload does not match frame type")
)

// UnknownTypeError is returned by Parse for a well-formed frame whose type
// is outside the closed set.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownFrameType
}

// ServerOnly reports whether clients are forbidden from sending the type.
func (t FrameType) ServerOnly() bool {
	switch t {
	case TypePresenceOnline, TypePresenceOffline, TypeError:
		return true
	}
	return false
}

// External reports whether the type may be pushed through the internal
// broadcast entry point.
func (t FrameType) External() bool {
	switch t {
	case TypeMessageNew, TypeMessageRead, TypeMessageReaction:
		return true
	}
	return false
}

// Payload is implemented only by the payload variants in this package.
type Payload interface {
	payload()
}

type NewMessage struct {
	Message types.MessageWithSender `json:"message"`
}

type ReadReceipt struct {
	MessageId string    `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

type ReactionAdded struct {
	Reaction  types.Reaction `json:"reaction"`
	MessageId string         `json:"messageId"`
}

type Typing struct {
	UserId   string `json:"userId"`
	CoupleId string `json:"coupleId"`
}

type Presence struct {
	UserId   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

type Error struct {
	Message string `json:"message"`
}

func (NewMessage) payload()    {}
func (ReadReceipt) payload()   {}
func (ReactionAdded) payload() {}
func (Typing) payload()        {}
func (Presence) payload()      {}
func (Error) payload()         {}

// Frame is the unit of exchange on the realtime transport. Frames are
// treated as immutable once constructed.
type Frame struct {
	Type      FrameType
	Payload   Payload
	Timestamp int64
}

type wireFrame struct {
	Type      FrameType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func (f Frame) MarshalJSON() ([]byte, error) {
	payload := json.RawMessage("{}")
	if f.Payload != nil {
		b, err := json.Marshal(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", f.Type, err)
		}
		payload = b
	}

	return json.Marshal(wireFrame{
		Type:      f.Type,
		Payload:   payload,
		Timestamp: f.Timestamp,
	})
}

func (f *Frame) UnmarshalJSON(b []byte) error {
	parsed, err := Parse(b)
	if err != nil {
		return err
	}

	*f = *parsed
	return nil
}

// Parse decodes raw into a Frame whose Payload is the variant matching its type.
func Parse(raw []byte) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return nil, err
	}

	return &Frame{
		Type:      w.Type,
		Payload:   payload,
		Timestamp: w.Timestamp,
	}, nil
}

func decodePayload(t FrameType, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeMessageNew:
		var p NewMessage
		return p, unmarshalPayload(raw, &p)
	case TypeMessageRead:
		var p ReadReceipt
		return p, unmarshalPayload(raw, &p)
	case TypeMessageReaction:
		var p ReactionAdded
		return p, unmarshalPayload(raw, &p)
	case TypeTypingStart, TypeTypingStop:
		var p Typing
		return p, unmarshalPayload(raw, &p)
	case TypePresenceOnline, TypePresenceOffline:
		var p Presence
		return p, unmarshalPayload(raw, &p)
	case TypeError:
		var p Error
		return p, unmarshalPayload(raw, &p)
	default:
		return nil, &UnknownTypeError{Type: string(t)}
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}

	return nil
}

// Validate checks that the payload variant agrees with the frame type.
func (f *Frame) Validate() error {
	var ok bool
	switch f.Type {
	case TypeMessageNew:
		_, ok = f.Payload.(NewMessage)
	case TypeMessageRead:
		_, ok = f.Payload.(ReadReceipt)
	case TypeMessageReaction:
		_, ok = f.Payload.(ReactionAdded)
	case TypeTypingStart, TypeTypingStop:
		_, ok = f.Payload.(Typing)
	case TypePresenceOnline, TypePresenceOffline:
		_, ok = f.Payload.(Presence)
	case TypeError:
		_, ok = f.Payload.(Error)
	default:
		return &UnknownTypeError{Type: string(f.Type)}
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrPayloadMismatch, f.Type)
	}
	return nil
}

// Now returns the current time as a frame timestamp (Unix milliseconds).
func Now() int64 {
	return time.Now().UnixMilli()
}

func NewTypingFrame(start bool, userId, coupleId string) *Frame {
	t := TypeTypingStop
	if start {
		t = TypeTypingStart
	}

	return &Frame{
		Type:      t,
		Payload:   Typing{UserId: userId, CoupleId: coupleId},
		Timestamp: Now(),
	}
}

func NewPresenceFrame(online bool, userId string, lastSeen time.Time) *Frame {
	t := TypePresenceOffline
	if online {
		t = TypePresenceOnline
	}

	return &Frame{
		Type:      t,
		Payload:   Presence{UserId: userId, LastSeen: lastSeen.UTC().Round(time.Millisecond)},
		Timestamp: Now(),
	}
}

func NewErrorFrame(format string, args ...any) *Frame {
	return &Frame{
		Type:      TypeError,
		Payload:   Error{Message: fmt.Sprintf(format, args...)},
		Timestamp: Now(),
	}
}

func NewMessageFrame(msg types.MessageWithSender) *Frame {
	return &Frame{
		Type:      TypeMessageNew,
		Payload:   NewMessage{Message: msg},
		Timestamp: Now(),
	}
}

func NewReadFrame(messageId string, readAt time.Time) *Frame {
	return &Frame{
		Type:      TypeMessageRead,
		Payload:   ReadReceipt{MessageId: messageId, ReadAt: readAt.UTC()},
		Timestamp: Now(),
	}
}

func NewReactionFrame(reaction types.Reaction) *Frame {
	return &Frame{
		Type:      TypeMessageReaction,
		Payload:   ReactionAdded{Reaction: reaction, MessageId: reaction.MessageId},
		Timestamp: Now(),
	}
}
