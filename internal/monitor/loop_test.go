// v0
// internal/monitor/loop_test.go
package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hzj1203/BYD/internal/actuation"
	"github.com/hzj1203/BYD/internal/journal"
	"github.com/hzj1203/BYD/internal/models"
	"github.com/hzj1203/BYD/internal/proximity"
	"github.com/hzj1203/BYD/internal/settings"
	"github.com/hzj1203/BYD/internal/signal"
	"github.com/hzj1203/BYD/internal/status"
)

var phone = models.NewDevice("aa:bb:cc:dd:ee:ff", "Pixel")

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(d time.Duration) {
	c.mu.Lock()
	c.t = time.Unix(1_700_000_000, 0).Add(d)
	c.mu.Unlock()
}

type scriptPoller struct {
	mu     sync.Mutex
	calls  int
	resets int
	next   func(call int, targets models.DeviceSet) ([]signal.Event, error)
}

func (p *scriptPoller) Poll(_ context.Context, targets models.DeviceSet) ([]signal.Event, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if p.next == nil {
		return nil, nil
	}
	return p.next(call, targets)
}

func (p *scriptPoller) Reset() {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
}

type recordingDispatcher struct {
	mu      sync.Mutex
	intents []models.Intent
}

func (d *recordingDispatcher) Dispatch(in models.Intent) *actuation.Task {
	d.mu.Lock()
	d.intents = append(d.intents, in)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) list() []models.Intent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Intent(nil), d.intents...)
}

type transitionLog struct {
	mu  sync.Mutex
	seq []string
}

func (t *transitionLog) OnTransition(_ string, tr journal.Transition) {
	t.mu.Lock()
	t.seq = append(t.seq, tr.To)
	t.mu.Unlock()
}

type fixture struct {
	loop   *Loop
	clock  *clock
	poller *scriptPoller
	disp   *recordingDispatcher
	trans  *transitionLog
	board  *status.Board
	store  *settings.Store
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		clock:  &clock{},
		poller: &scriptPoller{},
		disp:   &recordingDispatcher{},
		trans:  &transitionLog{},
		board:  status.NewBoard("en", nil),
		store: settings.NewMemory(settings.Snapshot{
			Thresholds: settings.DefaultThresholds(),
			Targets:    models.NewDeviceSet(phone),
			VehicleID:  "LGXCE4CB0N0000001",
		}),
	}
	f.clock.Set(0)
	loop, err := NewLoop(Deps{
		Settings:    f.store,
		Poller:      f.poller,
		Machine:     proximity.New(0),
		Dispatcher:  f.disp,
		Board:       f.board,
		Transitions: f.trans,
		Now:         f.clock.Now,
	}, opts)
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	f.loop = loop
	return f
}

// at runs one tick at offset d with the poller returning evs.
func (f *fixture) at(t *testing.T, d time.Duration, evs ...func(time.Time) signal.Event) {
	t.Helper()
	f.clock.Set(d)
	now := f.clock.Now()
	f.poller.next = func(int, models.DeviceSet) ([]signal.Event, error) {
		out := make([]signal.Event, 0, len(evs))
		for _, e := range evs {
			out = append(out, e(now))
		}
		return out, nil
	}
	if err := f.loop.tick(context.Background()); err != nil {
		t.Fatalf("tick at %s: %v", d, err)
	}
}

func sample(rssi int) func(time.Time) signal.Event {
	return func(at time.Time) signal.Event { return signal.Sample(phone, rssi, at) }
}

func connected(at time.Time) signal.Event    { return signal.Connected(phone, at) }
func disconnected(at time.Time) signal.Event { return signal.Disconnected(phone, at) }

func TestArrivalDispatchesOneUnlock(t *testing.T) {
	f := newFixture(t, Options{})
	f.at(t, 0, connected, sample(-55))
	f.at(t, time.Second, sample(-54))
	if n := len(f.disp.list()); n != 0 {
		t.Fatalf("dispatched %d intents before the delay", n)
	}
	f.at(t, 2*time.Second, sample(-56))
	f.at(t, 3*time.Second, sample(-55))
	f.at(t, 8*time.Second, sample(-55))

	got := f.disp.list()
	if len(got) != 1 {
		t.Fatalf("intents = %d, want 1", len(got))
	}
	in := got[0]
	if in.Kind != models.KindUnlock || in.Reason != models.ReasonArrival {
		t.Fatalf("intent = %+v", in)
	}
	if in.VIN != "LGXCE4CB0N0000001" || in.ID == "" {
		t.Fatalf("intent identity = %q %q", in.VIN, in.ID)
	}
	if !in.RequestedAt.Equal(time.Unix(1_700_000_000, 0).Add(2 * time.Second)) {
		t.Fatalf("requested at %s", in.RequestedAt)
	}
	snap := f.board.Snapshot()
	if snap.Phase != proximity.PhaseUnlocked {
		t.Fatalf("phase = %s", snap.Phase)
	}
	if snap.BestRSSI == nil || *snap.BestRSSI != -55 {
		t.Fatalf("best = %v", snap.BestRSSI)
	}
	if snap.Intents != 1 {
		t.Fatalf("board intents = %d", snap.Intents)
	}
}

func TestDepartureLocksAfterDelay(t *testing.T) {
	f := newFixture(t, Options{})
	f.at(t, 0, connected, sample(-50))
	f.at(t, 2*time.Second, sample(-50))
	f.at(t, 10*time.Second, disconnected)
	f.at(t, 14*time.Second)
	if n := len(f.disp.list()); n != 1 {
		t.Fatalf("lock dispatched early: %d intents", n)
	}
	f.at(t, 15*time.Second)
	f.at(t, 20*time.Second)

	got := f.disp.list()
	if len(got) != 2 {
		t.Fatalf("intents = %d, want 2", len(got))
	}
	if got[1].Kind != models.KindLock || got[1].Reason != models.ReasonDeparture {
		t.Fatalf("second intent = %+v", got[1])
	}
	want := []string{"pending_unlock", "unlocked", "pending_lock", "locked"}
	if strings.Join(f.trans.seq, ",") != strings.Join(want, ",") {
		t.Fatalf("transitions = %v, want %v", f.trans.seq, want)
	}
	notices := f.board.Snapshot().Notices
	if len(notices) < 2 {
		t.Fatalf("notices = %+v", notices)
	}
}

func TestBriefDropDoesNotLock(t *testing.T) {
	f := newFixture(t, Options{})
	f.at(t, 0, connected, sample(-50))
	f.at(t, 2*time.Second, sample(-50))
	f.at(t, 5*time.Second, sample(-90))
	f.at(t, 8*time.Second, sample(-60))
	f.at(t, 12*time.Second, sample(-60))
	if got := f.disp.list(); len(got) != 1 {
		t.Fatalf("intents = %+v", got)
	}
}

func TestTargetChangeResetsPoller(t *testing.T) {
	f := newFixture(t, Options{})
	f.at(t, 0)
	f.at(t, time.Second)
	if f.poller.resets != 1 {
		t.Fatalf("resets = %d after first tick", f.poller.resets)
	}
	other := models.NewDevice("11:22:33:44:55:66", "Watch")
	if err := f.store.AddTargetDevice(other); err != nil {
		t.Fatalf("add: %v", err)
	}
	f.at(t, 2*time.Second)
	if f.poller.resets != 2 {
		t.Fatalf("resets = %d after target change", f.poller.resets)
	}
}

func TestPollErrorIsReturned(t *testing.T) {
	f := newFixture(t, Options{})
	f.poller.next = func(int, models.DeviceSet) ([]signal.Event, error) {
		return nil, signal.ErrSignalUnavailable
	}
	err := f.loop.tick(context.Background())
	if !errors.Is(err, signal.ErrSignalUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunRecoversAndBacksOff(t *testing.T) {
	f := newFixture(t, Options{PollInterval: 5 * time.Millisecond, ErrorBackoff: 20 * time.Millisecond})
	f.poller.next = func(call int, _ models.DeviceSet) ([]signal.Event, error) {
		switch call {
		case 1:
			panic("adapter exploded")
		case 2:
			return nil, errors.New("scan failed")
		}
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		snap := f.board.Snapshot()
		if snap.Ticks >= 4 {
			if snap.TickErrors != 2 {
				t.Fatalf("tick errors = %d, want 2", snap.TickErrors)
			}
			if !strings.Contains(snap.LastError, "scan failed") {
				t.Fatalf("last error = %q", snap.LastError)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("loop stalled: %+v", snap)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestManualGoesThroughLoop(t *testing.T) {
	f := newFixture(t, Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.loop.Run(ctx) }()
	waitFor(t, func() bool { return f.board.Snapshot().Ticks >= 1 })

	reqCtx, reqCancel := context.WithTimeout(ctx, time.Second)
	defer reqCancel()
	if _, err := f.loop.Manual(reqCtx, models.KindUnlock); err != nil {
		t.Fatalf("manual: %v", err)
	}
	got := f.disp.list()
	if len(got) != 1 || got[0].Reason != models.ReasonManual || got[0].Kind != models.KindUnlock {
		t.Fatalf("intents = %+v", got)
	}
	if phase := f.board.Snapshot().Phase; phase != proximity.PhaseUnlocked {
		t.Fatalf("phase = %s", phase)
	}
	if _, err := f.loop.Manual(reqCtx, models.Kind("open")); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("invalid kind err = %v", err)
	}
}

func TestManualWithoutLoopHonoursContext(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.loop.Manual(ctx, models.KindLock); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

type fakeStreamer struct {
	mu    sync.Mutex
	subs  int
	chans []chan signal.Event
}

func (s *fakeStreamer) Stream(ctx context.Context, _ models.DeviceSet) (<-chan signal.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs++
	ch := make(chan signal.Event, 8)
	s.chans = append(s.chans, ch)
	return ch, nil
}

func (s *fakeStreamer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}

func TestStreamResubscribesOnTargetChange(t *testing.T) {
	f := newFixture(t, Options{})
	st := &fakeStreamer{}
	f.loop.d.Streamer = st
	ctx := context.Background()
	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if st.count() != 1 {
		t.Fatalf("subscriptions = %d", st.count())
	}
	if err := f.store.RemoveTargetDevice(phone.Address); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if st.count() != 2 {
		t.Fatalf("subscriptions after change = %d", st.count())
	}
}

func TestStreamEventsDriveMachine(t *testing.T) {
	f := newFixture(t, Options{PollInterval: time.Hour, ErrorBackoff: 10 * time.Millisecond})
	st := &fakeStreamer{}
	f.loop.d.Streamer = st
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.loop.Run(ctx) }()

	waitFor(t, func() bool { return st.count() == 1 })
	st.mu.Lock()
	ch := st.chans[0]
	st.mu.Unlock()
	ch <- signal.Sample(phone, -50, f.clock.Now())
	waitFor(t, func() bool { return f.board.Snapshot().Phase == proximity.PhasePendingUnlock })

	// a closed stream counts as a failed tick and is resubscribed
	close(ch)
	waitFor(t, func() bool { return st.count() == 2 })
	if f.board.Snapshot().TickErrors == 0 {
		t.Fatal("closed stream not reported")
	}
}

type panicDispatcher struct{}

func (panicDispatcher) Dispatch(models.Intent) *actuation.Task { panic("dispatch boom") }

type panickyTransitions struct{ on string }

func (p panickyTransitions) OnTransition(_ string, tr journal.Transition) {
	if tr.To == p.on {
		panic("observer boom")
	}
}

func TestStreamEventPanicIsReported(t *testing.T) {
	f := newFixture(t, Options{PollInterval: time.Hour, ErrorBackoff: time.Hour})
	th := settings.DefaultThresholds()
	th.UnlockDelay = 0
	if err := f.store.SetThresholds(th); err != nil {
		t.Fatalf("thresholds: %v", err)
	}
	st := &fakeStreamer{}
	f.loop.d.Streamer = st
	f.loop.d.Dispatcher = panicDispatcher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.loop.Run(ctx) }()

	waitFor(t, func() bool { return st.count() == 1 && f.board.Snapshot().Ticks >= 1 })
	st.mu.Lock()
	ch := st.chans[0]
	st.mu.Unlock()
	ch <- signal.Sample(phone, -50, f.clock.Now())

	waitFor(t, func() bool { return f.board.Snapshot().TickErrors > 0 })
	snap := f.board.Snapshot()
	if !strings.Contains(snap.LastError, "dispatch boom") {
		t.Fatalf("last error = %q", snap.LastError)
	}
	if snap.Phase != proximity.PhaseUnlocked {
		t.Fatalf("board phase = %s, want the committed phase", snap.Phase)
	}
}

func TestTransitionObserverPanicKeepsIntent(t *testing.T) {
	f := newFixture(t, Options{})
	f.loop.d.Transitions = panickyTransitions{on: string(proximity.PhaseUnlocked)}
	f.at(t, 0, connected, sample(-55))
	f.at(t, 2*time.Second, sample(-55))
	f.at(t, 9*time.Second, sample(-55))

	got := f.disp.list()
	if len(got) != 1 || got[0].Kind != models.KindUnlock {
		t.Fatalf("intents = %+v", got)
	}
	snap := f.board.Snapshot()
	if snap.Phase != proximity.PhaseUnlocked {
		t.Fatalf("phase = %s", snap.Phase)
	}
	if snap.TickErrors != 1 || !strings.Contains(snap.LastError, "observer boom") {
		t.Fatalf("tick errors = %d last = %q", snap.TickErrors, snap.LastError)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
