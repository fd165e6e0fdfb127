package calibration

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-soundfield/internal/authority"
	"github.com/teslashibe/go-soundfield/internal/capture"
	"github.com/teslashibe/go-soundfield/internal/loudness"
	"github.com/teslashibe/go-soundfield/internal/notify"
	"github.com/teslashibe/go-soundfield/internal/protocol"
)

const testRoom = "living"

// recordingNotifier captures reports
type recordingNotifier struct {
	mu      sync.Mutex
	reports []notify.Report
}

func (n *recordingNotifier) Notify(r notify.Report) {
	n.mu.Lock()
	n.reports = append(n.reports, r)
	n.mu.Unlock()
}

func (n *recordingNotifier) Reports() []notify.Report {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.reports)
}

type fixture struct {
	local *authority.Local
	tone  *capture.ToneOpener
	ctrl  *Controller
}

type fixtureOptions struct {
	window    time.Duration
	tick      time.Duration
	speakers  []string
	openErr   error
	failAfter int
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	if opts.window == 0 {
		opts.window = 80 * time.Millisecond
	}
	if opts.tick == 0 {
		opts.tick = 5 * time.Millisecond
	}
	if opts.speakers == nil {
		opts.speakers = []string{"front", "rear"}
	}

	local := authority.NewLocal(nil)
	local.AddRoom(testRoom, opts.speakers)

	levels := map[string]float64{"front": 0.6, "rear": 0.3}
	tone := capture.NewToneOpener(capture.ToneConfig{
		Level: func() float64 {
			id, _ := local.ActiveSpeaker(testRoom)
			return levels[id]
		},
		OpenErr:   opts.openErr,
		FailAfter: opts.failAfter,
	})

	recCfg := loudness.DefaultRecorderConfig()
	recCfg.TickInterval = opts.tick
	rec, err := loudness.NewRecorder(tone, recCfg, nil)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.MeasurementWindow = opts.window
	cfg.SettleTimeout = time.Second

	ctrl := New(testRoom, local, rec, cfg, nil)

	ctx, cancel := context.WithCancel(t.Context())
	go ctrl.Run(ctx)
	t.Cleanup(func() {
		ctrl.Close()
		cancel()
		rec.Close()
	})

	readyCtx, readyCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readyCancel()
	if err := ctrl.WaitReady(readyCtx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	return &fixture{local: local, tone: tone, ctrl: ctrl}
}

// ok fails the test unless the call was acknowledged
func (f *fixture) ok(t *testing.T, op string, ack protocol.Ack, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s error = %v (errors %v)", op, err, f.ctrl.Errors())
	}
	if !ack.Successful {
		t.Fatalf("%s not acknowledged: %v", op, ack.Errors)
	}
}

// measuredSpeaker advances to the next speaker and waits for its result
func (f *fixture) measuredSpeaker(t *testing.T) {
	t.Helper()

	ctx := t.Context()
	ack, err := f.ctrl.NextSpeaker(ctx, true)
	f.ok(t, "nextSpeaker", ack, err)

	if err := f.ctrl.AwaitMeasurement(ctx); err != nil {
		t.Fatalf("AwaitMeasurement() error = %v", err)
	}
}

func (f *fixture) session(t *testing.T) protocol.Session {
	t.Helper()
	s, ok := f.local.Session(testRoom)
	if !ok {
		t.Fatalf("room %s unknown", testRoom)
	}
	return s
}

func TestController_EndToEnd(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	notifier := &recordingNotifier{}
	f.ctrl.SetNotifier(notifier)
	ctx := t.Context()

	if st := f.ctrl.State(); st.Phase != PhaseIdle {
		t.Fatalf("initial state = %s, want Idle", st)
	}

	if err := f.local.SetPosition(testRoom, 120, 300); err != nil {
		t.Fatalf("SetPosition() error = %v", err)
	}

	ack, err := f.ctrl.Start(ctx, 30)
	f.ok(t, "start", ack, err)
	if st := f.ctrl.State(); st.Phase != PhaseAwaitingStart {
		t.Errorf("state after start = %s, want AwaitingStart", st)
	}
	if s := f.session(t); s.StartVolume != 30 {
		t.Errorf("StartVolume = %f, want 30", s.StartVolume)
	}

	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)

	f.measuredSpeaker(t)
	if st := f.ctrl.State(); st.Phase != PhasePositioningSpeaker || st.Speaker != 0 || st.SpeakerID != "front" {
		t.Errorf("state after first speaker = %+v", st)
	}

	f.measuredSpeaker(t)

	opens := f.tone.Opens()
	ack, err = f.ctrl.NextSpeaker(ctx, false)
	f.ok(t, "terminal nextSpeaker", ack, err)
	if f.ctrl.Measuring() {
		t.Error("terminal nextSpeaker must not start a measurement")
	}
	if f.tone.Opens() != opens {
		t.Error("terminal nextSpeaker acquired the capture source")
	}

	s := f.session(t)
	if !s.PositionFreeze {
		t.Fatal("position should be frozen after the terminal nextSpeaker")
	}
	if len(s.CurrentPoints) != 2 {
		t.Fatalf("current points = %d, want 2", len(s.CurrentPoints))
	}
	if s.CurrentPoints[0].SpeakerID != "front" || s.CurrentPoints[1].SpeakerID != "rear" {
		t.Errorf("speakers measured = %s, %s", s.CurrentPoints[0].SpeakerID, s.CurrentPoints[1].SpeakerID)
	}
	if s.CurrentPoints[0].MeasuredVolume <= s.CurrentPoints[1].MeasuredVolume {
		t.Errorf("front (%f) should measure louder than rear (%f)",
			s.CurrentPoints[0].MeasuredVolume, s.CurrentPoints[1].MeasuredVolume)
	}
	for _, p := range s.CurrentPoints {
		if p.CoordinateX != 120 || p.CoordinateY != 300 {
			t.Errorf("point position = (%f, %f), want (120, 300)", p.CoordinateX, p.CoordinateY)
		}
	}
	if st := f.ctrl.State(); st.Phase != PhaseAwaitingConfirmOrRepeat {
		t.Errorf("state = %s, want AwaitingConfirmOrRepeat", st)
	}

	ack, err = f.ctrl.ConfirmPoint(ctx)
	f.ok(t, "confirmPoint", ack, err)
	if s := f.session(t); len(s.PreviousPoints) != 2 || len(s.CurrentPoints) != 0 {
		t.Errorf("after confirm previous=%d current=%d, want 2 and 0", len(s.PreviousPoints), len(s.CurrentPoints))
	}

	ack, err = f.ctrl.Finish(ctx)
	f.ok(t, "finish", ack, err)
	if s := f.session(t); s.Calibrating {
		t.Error("session still calibrating after finish")
	}
	if st := f.ctrl.State(); st.Phase != PhaseIdle {
		t.Errorf("state after finish = %s, want Idle", st)
	}

	if errs := f.ctrl.Errors(); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	if f.tone.OpenCount() != 0 {
		t.Errorf("capture source still held after finish: %d", f.tone.OpenCount())
	}

	reports := notifier.Reports()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	r := reports[0]
	if r.RoomID != testRoom || len(r.Points) != 2 || r.StartVolume != 30 {
		t.Errorf("report = %+v", r)
	}
	if r.TargetVolume != r.Points[0].Volume {
		t.Errorf("target volume = %f, want loudest point %f", r.TargetVolume, r.Points[0].Volume)
	}
	if !f.ctrl.Balance().Calibrated() {
		t.Error("balance should hold the stored calibration")
	}
}

func TestController_RepeatPoint(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := t.Context()

	ack, err := f.ctrl.Start(ctx, 30)
	f.ok(t, "start", ack, err)

	// First position committed
	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)
	f.measuredSpeaker(t)
	f.measuredSpeaker(t)
	ack, err = f.ctrl.NextSpeaker(ctx, false)
	f.ok(t, "terminal nextSpeaker", ack, err)
	ack, err = f.ctrl.ConfirmPoint(ctx)
	f.ok(t, "confirmPoint", ack, err)

	committed := f.session(t).PreviousPoints

	// Second position measured then discarded
	f.local.SetPosition(testRoom, 400, 50)
	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)
	f.measuredSpeaker(t)
	f.measuredSpeaker(t)
	ack, err = f.ctrl.NextSpeaker(ctx, false)
	f.ok(t, "terminal nextSpeaker", ack, err)

	ack, err = f.ctrl.RepeatPoint(ctx)
	f.ok(t, "repeatPoint", ack, err)

	s := f.session(t)
	if len(s.CurrentPoints) != 0 {
		t.Errorf("current points = %d after repeat, want 0", len(s.CurrentPoints))
	}
	if !slices.Equal(s.PreviousPoints, committed) {
		t.Errorf("repeat changed previous points: %v, want %v", s.PreviousPoints, committed)
	}

	// Fresh pair at the same position
	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)
	f.measuredSpeaker(t)
	f.measuredSpeaker(t)

	s = f.session(t)
	if len(s.CurrentPoints) != 2 {
		t.Fatalf("current points = %d, want a fresh pair", len(s.CurrentPoints))
	}
	if len(s.PreviousPoints) != len(committed) {
		t.Errorf("previous points = %d before confirm, want %d", len(s.PreviousPoints), len(committed))
	}
	for _, p := range s.CurrentPoints {
		if p.CoordinateX != 400 || p.CoordinateY != 50 {
			t.Errorf("fresh point at (%f, %f), want (400, 50)", p.CoordinateX, p.CoordinateY)
		}
	}

	ack, err = f.ctrl.NextSpeaker(ctx, false)
	f.ok(t, "terminal nextSpeaker", ack, err)
	ack, err = f.ctrl.ConfirmPoint(ctx)
	f.ok(t, "confirmPoint", ack, err)

	if got := len(f.session(t).PreviousPoints); got != 4 {
		t.Errorf("previous points = %d after second confirm, want 4", got)
	}
	if got := len(f.ctrl.Points()); got != 4 {
		t.Errorf("Points() = %d, want 4", got)
	}
}

func TestController_Violations(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := t.Context()

	ack, err := f.ctrl.Start(ctx, 30)
	f.ok(t, "start", ack, err)
	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)

	tests := []struct {
		name string
		call func() (protocol.Ack, error)
	}{
		{"confirm while not frozen", func() (protocol.Ack, error) { return f.ctrl.ConfirmPoint(ctx) }},
		{"repeat while not frozen", func() (protocol.Ack, error) { return f.ctrl.RepeatPoint(ctx) }},
		{"skip recording before last speaker", func() (protocol.Ack, error) { return f.ctrl.NextSpeaker(ctx, false) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.ctrl.Errors())
			_, err := tt.call()
			if !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("error = %v, want ErrProtocolViolation", err)
			}
			if len(f.ctrl.Errors()) != before+1 {
				t.Error("violation not recorded in the error list")
			}
		})
	}

	if s := f.session(t); s.CurrentSpeakerIndex != -1 || s.PositionFreeze {
		t.Errorf("violations must not reach the authority: %+v", s)
	}
}

func TestController_NextSpeakerWhileFrozen(t *testing.T) {
	f := newFixture(t, fixtureOptions{speakers: []string{"front"}})
	ctx := t.Context()

	ack, err := f.ctrl.Start(ctx, 30)
	f.ok(t, "start", ack, err)
	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)
	f.measuredSpeaker(t)
	ack, err = f.ctrl.NextSpeaker(ctx, true)
	f.ok(t, "terminal nextSpeaker", ack, err)

	// record=true on the terminal call still never records
	if f.ctrl.Measuring() {
		t.Error("terminal nextSpeaker started a measurement")
	}

	if _, err := f.ctrl.NextSpeaker(ctx, true); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("NextSpeaker while frozen error = %v, want ErrProtocolViolation", err)
	}
}

func TestController_OverlappingMeasurement(t *testing.T) {
	f := newFixture(t, fixtureOptions{window: 5 * time.Second})
	ctx := t.Context()

	ack, err := f.ctrl.Start(ctx, 30)
	f.ok(t, "start", ack, err)
	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)
	ack, err = f.ctrl.NextSpeaker(ctx, true)
	f.ok(t, "nextSpeaker", ack, err)

	if !f.ctrl.Measuring() {
		t.Fatal("measurement should be running")
	}
	if _, err := f.ctrl.NextSpeaker(ctx, true); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("overlapping NextSpeaker error = %v, want ErrProtocolViolation", err)
	}
	if _, err := f.ctrl.NextPoint(ctx); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("NextPoint during measurement error = %v, want ErrProtocolViolation", err)
	}
}

func TestController_FinishCancelsMeasurement(t *testing.T) {
	f := newFixture(t, fixtureOptions{window: 5 * time.Second})
	ctx := t.Context()

	ack, err := f.ctrl.Start(ctx, 30)
	f.ok(t, "start", ack, err)
	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)
	ack, err = f.ctrl.NextSpeaker(ctx, true)
	f.ok(t, "nextSpeaker", ack, err)

	start := time.Now()
	ack, err = f.ctrl.Finish(ctx)
	f.ok(t, "finish", ack, err)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("finish waited %v for the measurement window", elapsed)
	}
	if f.ctrl.Measuring() {
		t.Error("measurement still running after finish")
	}
	if err := f.ctrl.AwaitMeasurement(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("AwaitMeasurement() = %v, want context.Canceled", err)
	}

	if got := f.local.Stats().Results; got != 0 {
		t.Errorf("results reported = %d, want none after cancellation", got)
	}
	if f.tone.OpenCount() != 0 {
		t.Errorf("capture source still held: %d", f.tone.OpenCount())
	}
	if errs := f.ctrl.Errors(); len(errs) != 0 {
		t.Errorf("cancellation should not surface errors: %v", errs)
	}
}

func TestController_EmptyHistoryNotReported(t *testing.T) {
	// The window closes before the first tick
	f := newFixture(t, fixtureOptions{window: 20 * time.Millisecond, tick: time.Second})
	ctx := t.Context()

	ack, err := f.ctrl.Start(ctx, 30)
	f.ok(t, "start", ack, err)
	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)
	ack, err = f.ctrl.NextSpeaker(ctx, true)
	f.ok(t, "nextSpeaker", ack, err)

	if err := f.ctrl.AwaitMeasurement(ctx); !errors.Is(err, loudness.ErrNoSamples) {
		t.Fatalf("AwaitMeasurement() = %v, want ErrNoSamples", err)
	}
	if got := f.local.Stats().Results; got != 0 {
		t.Errorf("results reported = %d, want 0", got)
	}
	if s := f.session(t); len(s.CurrentPoints) != 0 {
		t.Errorf("current points = %v, want none", s.CurrentPoints)
	}
	if len(f.ctrl.Errors()) != 1 {
		t.Errorf("errors = %v, want one entry", f.ctrl.Errors())
	}
}

func TestController_AudioSourceUnavailable(t *testing.T) {
	f := newFixture(t, fixtureOptions{openErr: errors.New("permission denied")})
	ctx := t.Context()

	ack, err := f.ctrl.Start(ctx, 30)
	f.ok(t, "start", ack, err)
	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)
	ack, err = f.ctrl.NextSpeaker(ctx, true)
	f.ok(t, "nextSpeaker", ack, err)

	if err := f.ctrl.AwaitMeasurement(ctx); !errors.Is(err, capture.ErrAudioSourceUnavailable) {
		t.Fatalf("AwaitMeasurement() = %v, want ErrAudioSourceUnavailable", err)
	}
	if len(f.ctrl.Errors()) != 1 {
		t.Errorf("errors = %v, want one entry", f.ctrl.Errors())
	}
	if got := f.local.Stats().Results; got != 0 {
		t.Errorf("results reported = %d, want 0", got)
	}
}

func TestController_AudioLostMidWindow(t *testing.T) {
	f := newFixture(t, fixtureOptions{window: 5 * time.Second, failAfter: 3})
	ctx := t.Context()

	ack, err := f.ctrl.Start(ctx, 30)
	f.ok(t, "start", ack, err)
	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)

	start := time.Now()
	ack, err = f.ctrl.NextSpeaker(ctx, true)
	f.ok(t, "nextSpeaker", ack, err)

	if err := f.ctrl.AwaitMeasurement(ctx); !errors.Is(err, capture.ErrAudioSourceUnavailable) {
		t.Fatalf("AwaitMeasurement() = %v, want ErrAudioSourceUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("window ran %v after the source was lost", elapsed)
	}
	if f.ctrl.Measuring() {
		t.Error("measurement should be over")
	}
	if errs := f.ctrl.Errors(); len(errs) != 1 || !strings.Contains(errs[0], "audio source unavailable") {
		t.Errorf("errors = %v, want the audio failure", errs)
	}
	if got := f.local.Stats().Results; got != 0 {
		t.Errorf("results reported = %d, want 0", got)
	}
}

func TestController_StartRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := t.Context()

	if _, err := f.local.UpdateSettings(ctx, protocol.SettingsUpdate{Balance: protocol.Bool(true)}); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	ack, err := f.ctrl.Start(ctx, 30)
	if ack.Successful {
		t.Fatal("start should be rejected while balancing is enabled")
	}

	var rerr *RejectedError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v, want *RejectedError", err)
	}
	if rerr.Op != "start" || !errors.Is(err, ErrSessionRequestRejected) {
		t.Errorf("rejection = %+v", rerr)
	}

	errs := f.ctrl.Errors()
	if len(errs) != 1 || errs[0] != ack.Errors[0] {
		t.Errorf("errors = %v, want authority messages verbatim %v", errs, ack.Errors)
	}

	f.ctrl.ClearErrors()
	if len(f.ctrl.Errors()) != 0 {
		t.Error("ClearErrors() left entries")
	}
	if f.ctrl.Stats().Rejected != 1 {
		t.Errorf("Stats().Rejected = %d, want 1", f.ctrl.Stats().Rejected)
	}
}

func TestController_NoSnapshot(t *testing.T) {
	local := authority.NewLocal(nil)
	local.AddRoom(testRoom, []string{"front"})

	// Not running: no snapshot ever arrives
	ctrl := New(testRoom, local, nil, DefaultConfig(), nil)

	if _, err := ctrl.Start(t.Context(), 30); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Start() before snapshot error = %v, want ErrProtocolViolation", err)
	}
	if _, err := ctrl.Finish(t.Context()); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Finish() before snapshot error = %v, want ErrProtocolViolation", err)
	}
}

func TestController_Field(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := t.Context()

	ack, err := f.ctrl.Start(ctx, 30)
	f.ok(t, "start", ack, err)
	ack, err = f.ctrl.NextPoint(ctx)
	f.ok(t, "nextPoint", ack, err)
	f.measuredSpeaker(t)
	f.measuredSpeaker(t)
	ack, err = f.ctrl.NextSpeaker(ctx, false)
	f.ok(t, "terminal nextSpeaker", ack, err)

	// Unconfirmed points stay out of the field until confirmed
	if len(f.session(t).CurrentPoints) != 2 {
		t.Fatalf("current points = %d, want 2", len(f.session(t).CurrentPoints))
	}
	if got := len(f.ctrl.Points()); got != 0 {
		t.Errorf("Points() = %d before confirm, want 0", got)
	}
	if g := f.ctrl.Field("front", 8); g.Max != 0 {
		t.Errorf("field max = %f before confirm, want 0", g.Max)
	}

	ack, err = f.ctrl.ConfirmPoint(ctx)
	f.ok(t, "confirmPoint", ack, err)

	if got := len(f.ctrl.Points()); got != 2 {
		t.Fatalf("Points() = %d after confirm, want 2", got)
	}

	g := f.ctrl.Field("front", 8)
	if g.Resolution != 8 || g.Max <= 0 {
		t.Fatalf("field = %+v, want a non-empty 8x8 grid", g)
	}
	// A single point spreads its value everywhere
	if math.Abs(g.At(3, 5)-g.Max) > 1e-9 {
		t.Errorf("cell = %f, want %f", g.At(3, 5), g.Max)
	}

	f.ctrl.Field("front", 8)
	if st := f.ctrl.Stats().Cache; st.Hits != 1 {
		t.Errorf("cache hits = %d, want 1", st.Hits)
	}

	if got := f.ctrl.SeriesIndex("rear"); got != 1 {
		t.Errorf("SeriesIndex(rear) = %d, want 1", got)
	}
	if got := f.ctrl.SeriesIndex("sub"); got != -1 {
		t.Errorf("SeriesIndex(sub) = %d, want -1", got)
	}
}

func TestStateOf(t *testing.T) {
	speakers := []string{"front", "rear"}
	point := []protocol.Point{{SpeakerID: "front"}}

	tests := []struct {
		name    string
		session protocol.Session
		want    string
	}{
		{"idle", protocol.Session{CurrentSpeakerIndex: -1}, "Idle"},
		{"awaiting start", protocol.Session{Calibrating: true, CurrentSpeakerIndex: -1, Speakers: speakers}, "AwaitingStart"},
		{"first speaker", protocol.Session{Calibrating: true, CurrentSpeakerIndex: 0, Speakers: speakers}, "PositioningSpeaker(0)"},
		{"new position", protocol.Session{Calibrating: true, CurrentSpeakerIndex: -1, Speakers: speakers, PreviousPoints: point}, "PositioningSpeaker(-1)"},
		{"frozen", protocol.Session{Calibrating: true, CurrentSpeakerIndex: 1, PositionFreeze: true, Speakers: speakers}, "AwaitingConfirmOrRepeat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StateOf(tt.session).String(); got != tt.want {
				t.Errorf("StateOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRejectedError(t *testing.T) {
	err := &RejectedError{Op: "start", Errors: []string{"a", "b"}}
	if err.Error() != "start rejected: a; b" {
		t.Errorf("Error() = %q", err.Error())
	}
	if (&RejectedError{Op: "finish"}).Error() != "finish rejected" {
		t.Error("empty rejection message mismatch")
	}
	if !errors.Is(err, ErrSessionRequestRejected) {
		t.Error("RejectedError should unwrap to ErrSessionRequestRejected")
	}
}
