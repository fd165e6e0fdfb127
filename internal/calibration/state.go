package calibration

import (
	"fmt"

	"github.com/teslashibe/go-soundfield/internal/protocol"
)

// Phase is the controller's view of where a session stands
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingStart
	PhasePositioningSpeaker
	PhaseAwaitingConfirmOrRepeat
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseAwaitingStart:
		return "AwaitingStart"
	case PhasePositioningSpeaker:
		return "PositioningSpeaker"
	case PhaseAwaitingConfirmOrRepeat:
		return "AwaitingConfirmOrRepeat"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is derived from a session snapshot. Speaker is the active speaker
// index while positioning, -1 before the first nextSpeaker at a position.
type State struct {
	Phase     Phase  `json:"phase"`
	Speaker   int    `json:"speaker"`
	SpeakerID string `json:"speaker_id,omitempty"`
}

func (s State) String() string {
	if s.Phase == PhasePositioningSpeaker {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Speaker)
	}
	return s.Phase.String()
}

// StateOf derives the phase from an authority snapshot
func StateOf(s protocol.Session) State {
	switch {
	case !s.Calibrating:
		return State{Phase: PhaseIdle, Speaker: -1}
	case s.PositionFreeze:
		return State{Phase: PhaseAwaitingConfirmOrRepeat, Speaker: s.CurrentSpeakerIndex}
	case s.CurrentSpeakerIndex < 0 && len(s.CurrentPoints) == 0 && len(s.PreviousPoints) == 0:
		return State{Phase: PhaseAwaitingStart, Speaker: -1}
	}

	st := State{Phase: PhasePositioningSpeaker, Speaker: s.CurrentSpeakerIndex}
	st.SpeakerID, _ = s.ActiveSpeaker()
	return st
}

// terminal reports whether the next nextSpeaker freezes the position
func terminal(s protocol.Session) bool {
	return s.CurrentSpeakerIndex == s.SpeakerCount()-1
}
