// Package protocol defines the WebSocket message types exchanged with the
// calibration session authority.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Authority → client messages
	TypeHello      MessageType = "hello"       // Protocol version handshake
	TypeSession    MessageType = "session"     // Calibration session snapshot
	TypeTestResult MessageType = "test_result" // Test mode positions
	TypeAck        MessageType = "ack"         // Reply to a request

	// Client → authority messages
	TypeSubscribe   MessageType = "subscribe"   // Follow a room's session
	TypeCalibration MessageType = "calibration" // Session transition request
	TypeResult      MessageType = "result"      // Measured loudness
	TypeSettings    MessageType = "settings"    // Balance/test mode toggles

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages. ID correlates a
// request with its ack.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
	Room      string          `json:"room,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// NewRequest creates a message carrying a fresh request id
func NewRequest(msgType MessageType, room string, data any) (*Message, error) {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		return nil, err
	}
	msg.ID = uuid.NewString()
	msg.Room = room
	return msg, nil
}

// NewAck creates the reply to request id
func NewAck(id string, ack Ack) (*Message, error) {
	msg, err := NewMessage(TypeAck, ack)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// Hello is sent by the authority after the connection opens
type Hello struct {
	Version string `json:"version"`
}

// Ack acknowledges a mutating request
type Ack struct {
	Successful bool     `json:"successful"`
	CreatedID  string   `json:"createdId,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// OK returns a successful ack
func OK() Ack {
	return Ack{Successful: true}
}

// Reject returns a failed ack carrying msgs
func Reject(msgs ...string) Ack {
	return Ack{Successful: false, Errors: msgs}
}

// GetAck extracts an ack from a message
func (m *Message) GetAck() (*Ack, error) {
	var data Ack
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Point is a calibration sample as carried on the wire
type Point struct {
	CoordinateX    float64 `json:"coordinateX"`
	CoordinateY    float64 `json:"coordinateY"`
	MeasuredVolume float64 `json:"measuredVolume"`
	SpeakerID      string  `json:"speakerId"`
}

// Session is the authority's view of one room's calibration
type Session struct {
	Room                string   `json:"room"`
	Calibrating         bool     `json:"calibrating"`
	PositionX           float64  `json:"positionX"`
	PositionY           float64  `json:"positionY"`
	PositionFreeze      bool     `json:"positionFreeze"`
	CurrentSpeakerIndex int      `json:"currentSpeakerIndex"`
	Speakers            []string `json:"speakers"`
	StartVolume         float64  `json:"startVolume,omitempty"`
	CurrentPoints       []Point  `json:"currentPoints"`
	PreviousPoints      []Point  `json:"previousPoints"`
}

// SpeakerCount returns the number of speakers assigned to the room
func (s Session) SpeakerCount() int {
	return len(s.Speakers)
}

// ActiveSpeaker returns the speaker currently being measured
func (s Session) ActiveSpeaker() (string, bool) {
	if s.CurrentSpeakerIndex < 0 || s.CurrentSpeakerIndex >= len(s.Speakers) {
		return "", false
	}
	return s.Speakers[s.CurrentSpeakerIndex], true
}

// Clone returns a deep copy
func (s Session) Clone() Session {
	s.Speakers = append([]string(nil), s.Speakers...)
	s.CurrentPoints = append([]Point(nil), s.CurrentPoints...)
	s.PreviousPoints = append([]Point(nil), s.PreviousPoints...)
	return s
}

// GetSession extracts a session snapshot from a message
func (m *Message) GetSession() (*Session, error) {
	var data Session
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// CalibrationRequest asks the authority for a session transition. Any subset
// of the flags may be set.
type CalibrationRequest struct {
	Room         string   `json:"room"`
	Start        bool     `json:"start,omitempty"`
	StartVolume  *float64 `json:"startVolume,omitempty"`
	Finish       bool     `json:"finish,omitempty"`
	NextPoint    bool     `json:"nextPoint,omitempty"`
	NextSpeaker  bool     `json:"nextSpeaker,omitempty"`
	ConfirmPoint bool     `json:"confirmPoint,omitempty"`
	RepeatPoint  bool     `json:"repeatPoint,omitempty"`
}

// Ops names the transitions the request carries, in application order
func (r CalibrationRequest) Ops() []string {
	var ops []string
	if r.Start {
		ops = append(ops, "start")
	}
	if r.NextPoint {
		ops = append(ops, "nextPoint")
	}
	if r.NextSpeaker {
		ops = append(ops, "nextSpeaker")
	}
	if r.ConfirmPoint {
		ops = append(ops, "confirmPoint")
	}
	if r.RepeatPoint {
		ops = append(ops, "repeatPoint")
	}
	if r.Finish {
		ops = append(ops, "finish")
	}
	return ops
}

// CalibrationResult reports a measured loudness for the active speaker
type CalibrationResult struct {
	Room   string  `json:"room"`
	Volume float64 `json:"volume"`
}

// SettingsUpdate toggles room-wide balancing and test mode
type SettingsUpdate struct {
	Balance  *bool `json:"balance,omitempty"`
	TestMode *bool `json:"testMode,omitempty"`
}

// TestModeResult is a tracked listener position while in test mode
type TestModeResult struct {
	Room      string  `json:"room"`
	PositionX float64 `json:"positionX"`
	PositionY float64 `json:"positionY"`
}

// GetTestResults extracts test mode positions from a message
func (m *Message) GetTestResults() ([]TestModeResult, error) {
	var data []TestModeResult
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return data, nil
}

// Bool returns a pointer to v
func Bool(v bool) *bool {
	return &v
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}
