package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeSession, Session{Room: "living"})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	if msg.Type != TypeSession {
		t.Errorf("Type = %v, want %v", msg.Type, TypeSession)
	}

	if msg.Timestamp == 0 {
		t.Error("Timestamp should be set")
	}

	if msg.ID != "" {
		t.Error("plain messages carry no request id")
	}
}

func TestNewRequest(t *testing.T) {
	a, err := NewRequest(TypeCalibration, "living", CalibrationRequest{Room: "living", Start: true})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	b, _ := NewRequest(TypeCalibration, "living", nil)

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("request ids must be unique and set: %q %q", a.ID, b.ID)
	}
	if a.Room != "living" {
		t.Errorf("Room = %q, want living", a.Room)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	original := Session{
		Room:                "living",
		Calibrating:         true,
		PositionX:           120,
		PositionY:           300,
		CurrentSpeakerIndex: 1,
		Speakers:            []string{"front", "rear"},
		CurrentPoints: []Point{
			{CoordinateX: 120, CoordinateY: 300, MeasuredVolume: 41.5, SpeakerID: "front"},
		},
	}

	msg, err := NewMessage(TypeSession, original)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	bytes, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	parsed, err := ParseMessage(bytes)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	s, err := parsed.GetSession()
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	if s.CurrentSpeakerIndex != 1 || len(s.CurrentPoints) != 1 {
		t.Errorf("session = %+v", s)
	}

	speaker, ok := s.ActiveSpeaker()
	if !ok || speaker != "rear" {
		t.Errorf("ActiveSpeaker() = %q, %v, want rear", speaker, ok)
	}
}

func TestSessionWireNames(t *testing.T) {
	data, _ := json.Marshal(Session{Room: "r", CurrentSpeakerIndex: -1})

	for _, key := range []string{`"positionFreeze"`, `"currentSpeakerIndex":-1`, `"previousPoints"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("encoded session %s missing %s", data, key)
		}
	}
}

func TestSession_ActiveSpeakerNone(t *testing.T) {
	s := Session{CurrentSpeakerIndex: -1, Speakers: []string{"a"}}
	if _, ok := s.ActiveSpeaker(); ok {
		t.Error("index -1 has no active speaker")
	}
}

func TestSession_Clone(t *testing.T) {
	s := Session{Speakers: []string{"a"}, PreviousPoints: []Point{{SpeakerID: "a"}}}
	c := s.Clone()
	c.Speakers[0] = "b"
	c.PreviousPoints[0].SpeakerID = "b"

	if s.Speakers[0] != "a" || s.PreviousPoints[0].SpeakerID != "a" {
		t.Error("Clone must not share slices")
	}
}

func TestCalibrationRequest_Encoding(t *testing.T) {
	data, _ := json.Marshal(CalibrationRequest{Room: "r", Start: true, StartVolume: Float(30)})

	want := `{"room":"r","start":true,"startVolume":30}`
	if string(data) != want {
		t.Errorf("encoded = %s, want %s", data, want)
	}
}

func TestCalibrationRequest_Ops(t *testing.T) {
	req := CalibrationRequest{Finish: true, Start: true, NextSpeaker: true}
	ops := req.Ops()

	want := []string{"start", "nextSpeaker", "finish"}
	if len(ops) != len(want) {
		t.Fatalf("Ops() = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("Ops()[%d] = %s, want %s", i, ops[i], want[i])
		}
	}
}

func TestAck(t *testing.T) {
	msg, err := NewAck("req-1", Reject("no speakers assigned"))
	if err != nil {
		t.Fatalf("NewAck() error = %v", err)
	}

	data, _ := msg.Bytes()
	parsed, _ := ParseMessage(data)

	if parsed.ID != "req-1" || parsed.Type != TypeAck {
		t.Errorf("ack envelope = %+v", parsed)
	}

	ack, err := parsed.GetAck()
	if err != nil {
		t.Fatalf("GetAck() error = %v", err)
	}
	if ack.Successful || len(ack.Errors) != 1 || ack.Errors[0] != "no speakers assigned" {
		t.Errorf("ack = %+v", ack)
	}

	if !OK().Successful {
		t.Error("OK() should be successful")
	}
}

func TestSettingsUpdate_OmitsUnset(t *testing.T) {
	data, _ := json.Marshal(SettingsUpdate{TestMode: Bool(false)})
	if string(data) != `{"testMode":false}` {
		t.Errorf("encoded = %s", data)
	}
}

func TestGetTestResults(t *testing.T) {
	msg, _ := NewMessage(TypeTestResult, []TestModeResult{
		{Room: "living", PositionX: 10, PositionY: 20},
	})

	results, err := msg.GetTestResults()
	if err != nil {
		t.Fatalf("GetTestResults() error = %v", err)
	}
	if len(results) != 1 || results[0].PositionY != 20 {
		t.Errorf("results = %+v", results)
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{"},
		{"missing type", `{"data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		remote string
		want   bool
	}{
		{"1.0.0", true},
		{"v1.9.3", true},
		{" 1.2.0 ", true},
		{"2.0.0", false},
		{"0.9.0", false},
		{"garbage", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := Compatible(tt.remote); got != tt.want {
			t.Errorf("Compatible(%q) = %v, want %v", tt.remote, got, tt.want)
		}
	}
}
