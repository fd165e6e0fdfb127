package authority

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/teslashibe/go-soundfield/internal/protocol"
)

type room struct {
	session    protocol.Session
	subs       map[chan protocol.Session]struct{}
	position   protocol.TestModeResult
	registered bool // false for rooms only known through Subscribe
}

// Local is an in-process session authority. It owns every room's canonical
// session and applies transitions the same way a remote authority does.
type Local struct {
	logger *slog.Logger

	mu       sync.Mutex
	rooms    map[string]*room
	balance  bool
	testMode bool
	testSubs map[chan []protocol.TestModeResult]struct{}

	requests  int64
	rejected  int64
	results   int64
	snapshots int64
}

// NewLocal creates an empty local authority
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		logger:   logger,
		rooms:    make(map[string]*room),
		testSubs: make(map[chan []protocol.TestModeResult]struct{}),
	}
}

// AddRoom registers roomID with its assigned speakers, replacing any
// previous assignment
func (l *Local) AddRoom(roomID string, speakers []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rooms[roomID]
	if !ok {
		r = &room{subs: make(map[chan protocol.Session]struct{})}
		l.rooms[roomID] = r
	}
	r.registered = true
	r.session.Room = roomID
	r.session.Speakers = slices.Clone(speakers)
	r.session.CurrentSpeakerIndex = -1
	r.position.Room = roomID

	l.pushLocked(r)
}

// SetPosition records the tracked listener position for roomID. It is picked
// up by the next nextPoint transition and, in test mode, pushed straight to
// test result subscribers.
func (l *Local) SetPosition(roomID string, x, y float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rooms[roomID]
	if !ok || !r.registered {
		return fmt.Errorf("room %q is not known", roomID)
	}
	r.position.PositionX = x
	r.position.PositionY = y

	if l.testMode {
		l.pushTestLocked()
	}
	return nil
}

// Session returns a copy of roomID's session
func (l *Local) Session(roomID string) (protocol.Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rooms[roomID]
	if !ok || !r.registered {
		return protocol.Session{}, false
	}
	return r.session.Clone(), true
}

// ActiveSpeaker returns the speaker currently measured in roomID
func (l *Local) ActiveSpeaker(roomID string) (string, bool) {
	s, ok := l.Session(roomID)
	if !ok {
		return "", false
	}
	return s.ActiveSpeaker()
}

// Settings returns the balance and test mode flags
func (l *Local) Settings() (balance, testMode bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, l.testMode
}

// Subscribe follows roomID's session. The current snapshot is delivered
// immediately when the room is known, otherwise on AddRoom.
func (l *Local) Subscribe(roomID string) (<-chan protocol.Session, func()) {
	ch := make(chan protocol.Session, subscriberBuffer)

	l.mu.Lock()
	r, ok := l.rooms[roomID]
	if !ok {
		r = &room{
			session: protocol.Session{Room: roomID, CurrentSpeakerIndex: -1},
			subs:    make(map[chan protocol.Session]struct{}),
		}
		r.position.Room = roomID
		l.rooms[roomID] = r
	}
	r.subs[ch] = struct{}{}
	if r.registered {
		offer(ch, r.session.Clone())
	}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(r.subs, ch)
			close(ch)
			if !r.registered && len(r.subs) == 0 && l.rooms[roomID] == r {
				delete(l.rooms, roomID)
			}
			l.mu.Unlock()
		})
	}
}

// SubscribeTestResults follows test mode positions
func (l *Local) SubscribeTestResults() (<-chan []protocol.TestModeResult, func()) {
	ch := make(chan []protocol.TestModeResult, subscriberBuffer)

	l.mu.Lock()
	l.testSubs[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.testSubs, ch)
			close(ch)
			l.mu.Unlock()
		})
	}
}

// Request applies the transitions carried by req in order, stopping at the
// first rejection
func (l *Local) Request(ctx context.Context, req protocol.CalibrationRequest) (protocol.Ack, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Ack{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.requests++

	r, ok := l.rooms[req.Room]
	if !ok || !r.registered {
		return l.rejectLocked(req.Room, fmt.Sprintf("room %q is not known", req.Room)), nil
	}

	ops := req.Ops()
	if len(ops) == 0 {
		return l.rejectLocked(req.Room, "request carries no transition"), nil
	}

	for _, op := range ops {
		if msg := l.applyLocked(r, op, req); msg != "" {
			l.pushLocked(r)
			return l.rejectLocked(req.Room, msg), nil
		}
	}

	l.pushLocked(r)
	return protocol.OK(), nil
}

func (l *Local) applyLocked(r *room, op string, req protocol.CalibrationRequest) string {
	s := &r.session

	switch op {
	case "start":
		if s.Calibrating {
			return "calibration is already running for this room"
		}
		if len(s.Speakers) == 0 {
			return "no speakers are assigned to this room"
		}
		if l.balance {
			return "balancing is enabled; disable it before calibrating"
		}
		s.Calibrating = true
		s.PositionFreeze = false
		s.CurrentSpeakerIndex = -1
		s.CurrentPoints = nil
		s.PreviousPoints = nil
		s.PositionX = r.position.PositionX
		s.PositionY = r.position.PositionY
		s.StartVolume = 0
		if req.StartVolume != nil {
			s.StartVolume = *req.StartVolume
		}

	case "nextPoint":
		if !s.Calibrating {
			return "calibration is not running"
		}
		if s.PositionFreeze {
			return "position is frozen; confirm or repeat it first"
		}
		s.PositionX = r.position.PositionX
		s.PositionY = r.position.PositionY
		s.CurrentSpeakerIndex = -1
		s.CurrentPoints = nil

	case "nextSpeaker":
		if !s.Calibrating {
			return "calibration is not running"
		}
		if s.PositionFreeze {
			return "all speakers are measured at this position"
		}
		if s.CurrentSpeakerIndex == len(s.Speakers)-1 {
			s.PositionFreeze = true
		} else {
			s.CurrentSpeakerIndex++
		}

	case "confirmPoint":
		if !s.PositionFreeze {
			return "position is not frozen"
		}
		s.PreviousPoints = append(s.PreviousPoints, s.CurrentPoints...)
		s.CurrentPoints = nil
		s.CurrentSpeakerIndex = -1
		s.PositionFreeze = false

	case "repeatPoint":
		if !s.PositionFreeze {
			return "position is not frozen"
		}
		s.CurrentPoints = nil
		s.CurrentSpeakerIndex = -1
		s.PositionFreeze = false

	case "finish":
		if !s.Calibrating {
			return "calibration is not running"
		}
		s.Calibrating = false
		s.PositionFreeze = false
		s.CurrentSpeakerIndex = -1
		s.CurrentPoints = nil

	default:
		return fmt.Sprintf("unknown transition %q", op)
	}

	return ""
}

// ReportResult records a measured volume for the active speaker
func (l *Local) ReportResult(ctx context.Context, res protocol.CalibrationResult) (protocol.Ack, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Ack{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rooms[res.Room]
	if !ok || !r.registered {
		return l.rejectLocked(res.Room, fmt.Sprintf("room %q is not known", res.Room)), nil
	}

	s := &r.session
	switch {
	case !s.Calibrating:
		return l.rejectLocked(res.Room, "calibration is not running"), nil
	case s.PositionFreeze:
		return l.rejectLocked(res.Room, "position is frozen; result not accepted"), nil
	case s.CurrentSpeakerIndex < 0:
		return l.rejectLocked(res.Room, "no speaker is being measured"), nil
	}

	speaker := s.Speakers[s.CurrentSpeakerIndex]
	for _, p := range s.CurrentPoints {
		if p.SpeakerID == speaker {
			return l.rejectLocked(res.Room, fmt.Sprintf("speaker %q already measured at this position", speaker)), nil
		}
	}

	s.CurrentPoints = append(s.CurrentPoints, protocol.Point{
		CoordinateX:    s.PositionX,
		CoordinateY:    s.PositionY,
		MeasuredVolume: res.Volume,
		SpeakerID:      speaker,
	})
	l.results++

	l.logger.Debug("calibration result",
		"room_id", res.Room,
		"speaker_id", speaker,
		"volume", res.Volume,
	)

	l.pushLocked(r)
	return protocol.OK(), nil
}

// UpdateSettings toggles balancing and test mode
func (l *Local) UpdateSettings(ctx context.Context, upd protocol.SettingsUpdate) (protocol.Ack, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Ack{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if upd.Balance != nil {
		if *upd.Balance {
			for id, r := range l.rooms {
				if r.session.Calibrating {
					return l.rejectLocked(id, fmt.Sprintf("room %q is calibrating", id)), nil
				}
			}
		}
		l.balance = *upd.Balance
	}
	if upd.TestMode != nil {
		l.testMode = *upd.TestMode
		if l.testMode {
			l.pushTestLocked()
		}
	}

	l.logger.Debug("settings updated",
		"balance", l.balance,
		"test_mode", l.testMode,
	)
	return protocol.OK(), nil
}

func (l *Local) rejectLocked(roomID, msg string) protocol.Ack {
	l.rejected++
	l.logger.Debug("request rejected", "room_id", roomID, "reason", msg)
	return protocol.Reject(msg)
}

func (l *Local) pushLocked(r *room) {
	l.snapshots++
	for ch := range r.subs {
		offer(ch, r.session.Clone())
	}
}

func (l *Local) pushTestLocked() {
	results := make([]protocol.TestModeResult, 0, len(l.rooms))
	for _, r := range l.rooms {
		if r.registered {
			results = append(results, r.position)
		}
	}
	slices.SortFunc(results, func(a, b protocol.TestModeResult) int {
		return strings.Compare(a.Room, b.Room)
	})

	for ch := range l.testSubs {
		offer(ch, slices.Clone(results))
	}
}

// LocalStats contains local authority counters
type LocalStats struct {
	Rooms     int   `json:"rooms"`
	Requests  int64 `json:"requests"`
	Rejected  int64 `json:"rejected"`
	Results   int64 `json:"results"`
	Snapshots int64 `json:"snapshots"`
	Balance   bool  `json:"balance"`
	TestMode  bool  `json:"test_mode"`
}

// Stats returns local authority counters
func (l *Local) Stats() LocalStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LocalStats{
		Rooms:     len(l.rooms),
		Requests:  l.requests,
		Rejected:  l.rejected,
		Results:   l.results,
		Snapshots: l.snapshots,
		Balance:   l.balance,
		TestMode:  l.testMode,
	}
}
