// v0
// internal/monitor/loop.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hzj1203/BYD/internal/actuation"
	"github.com/hzj1203/BYD/internal/journal"
	"github.com/hzj1203/BYD/internal/metrics"
	"github.com/hzj1203/BYD/internal/models"
	"github.com/hzj1203/BYD/internal/proximity"
	"github.com/hzj1203/BYD/internal/settings"
	"github.com/hzj1203/BYD/internal/signal"
	"github.com/hzj1203/BYD/internal/status"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultErrorBackoff = 10 * time.Second
)

var (
	ErrNoSource     = errors.New("monitor needs a signal poller or streamer")
	ErrStreamClosed = errors.New("signal stream closed")
	ErrInvalidKind  = errors.New("invalid command kind")
	ErrManualFailed = errors.New("manual request failed")
)

// Dispatcher accepts intents; *actuation.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(models.Intent) *actuation.Task
}

// Transitions receives committed phase changes.
type Transitions interface {
	OnTransition(vin string, t journal.Transition)
}

// resetter is implemented by pollers that keep connection history.
type resetter interface {
	Reset()
}

type Deps struct {
	Settings settings.Provider
	// Exactly one of Poller and Streamer is used; Streamer wins.
	Poller      signal.Poller
	Streamer    signal.Streamer
	Machine     *proximity.Machine
	Dispatcher  Dispatcher
	Board       *status.Board
	Metrics     *metrics.Metrics
	Transitions Transitions
	Log         *slog.Logger
	Now         func() time.Time
}

type Options struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
}

type manualRequest struct {
	kind  models.Kind
	reply chan *actuation.Task
}

// Loop owns the proximity machine. Every read and write of the machine
// happens on the Run goroutine.
type Loop struct {
	d    Deps
	opts Options
	lg   *slog.Logger

	manual chan manualRequest

	// stream state, only touched by Run
	events        <-chan signal.Event
	cancelStream  context.CancelFunc
	streamTargets models.DeviceSet
	pollTargets   models.DeviceSet
}

func NewLoop(d Deps, opts Options) (*Loop, error) {
	if d.Poller == nil && d.Streamer == nil {
		return nil, ErrNoSource
	}
	if d.Settings == nil || d.Machine == nil || d.Dispatcher == nil {
		return nil, errors.New("monitor needs settings, a machine and a dispatcher")
	}
	if d.Board == nil {
		d.Board = status.NewBoard("", nil)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log == nil {
		d.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	return &Loop{
		d:            d,
		opts:         opts,
		lg:           d.Log.With(slog.String("component", "monitor")),
		manual:       make(chan manualRequest),
		cancelStream: func() {},
	}, nil
}

// Run ticks immediately, then every PollInterval, or ErrorBackoff after a
// failed tick. It returns when ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	l.lg.Info("monitor_start", "interval", l.opts.PollInterval, "errorBackoff", l.opts.ErrorBackoff, "streaming", l.d.Streamer != nil)
	timer := time.NewTimer(0)
	defer timer.Stop()
	defer func() { l.cancelStream() }()

	reset := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	for {
		select {
		case <-ctx.Done():
			l.lg.Info("monitor_stop")
			return nil
		case req := <-l.manual:
			var t *actuation.Task
			if err := l.safely(func() error {
				t = l.handleManual(req.kind)
				return nil
			}); err != nil {
				l.failed(err)
			}
			req.reply <- t
		case ev, ok := <-l.events:
			if !ok {
				l.events = nil
				l.cancelStream()
				l.failed(ErrStreamClosed)
				reset(l.opts.ErrorBackoff)
				continue
			}
			if err := l.safely(func() error {
				l.apply(l.d.Settings.Snapshot(), []signal.Event{ev})
				return nil
			}); err != nil {
				l.failed(err)
				_ = l.safely(func() error {
					l.publishProximity(l.d.Now())
					return nil
				})
			}
		case <-timer.C:
			if err := l.safely(func() error { return l.tick(ctx) }); err != nil {
				l.failed(err)
				timer.Reset(l.opts.ErrorBackoff)
				continue
			}
			l.d.Metrics.Tick(nil)
			l.d.Board.TickOK()
			timer.Reset(l.opts.PollInterval)
		}
	}
}

func (l *Loop) failed(err error) {
	now := l.d.Now()
	l.lg.Error("monitor_tick_err", "error", err, "retryIn", l.opts.ErrorBackoff)
	l.d.Metrics.Tick(err)
	l.d.Board.TickFailed(err, now)
}

// safely turns a panic in fn into an error so the loop keeps running.
func (l *Loop) safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor panic: %v", r)
		}
	}()
	return fn()
}

// tick reads the settings once and runs one evaluation with them.
func (l *Loop) tick(ctx context.Context) error {
	snap := l.d.Settings.Snapshot()
	if l.d.Streamer != nil {
		if err := l.ensureStream(ctx, snap.Targets); err != nil {
			return err
		}
		l.apply(snap, nil)
		return nil
	}
	if !l.pollTargets.Equal(snap.Targets) {
		if r, ok := l.d.Poller.(resetter); ok {
			r.Reset()
		}
		l.pollTargets = snap.Targets
	}
	events, err := l.d.Poller.Poll(ctx, snap.Targets)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	l.apply(snap, events)
	return nil
}

func (l *Loop) ensureStream(ctx context.Context, targets models.DeviceSet) error {
	if l.events != nil && l.streamTargets.Equal(targets) {
		return nil
	}
	if l.events != nil {
		l.lg.Info("monitor_stream_restart", "targets", targets.Len())
	}
	l.cancelStream()
	l.events = nil
	streamCtx, cancel := context.WithCancel(ctx)
	ch, err := l.d.Streamer.Stream(streamCtx, targets)
	if err != nil {
		cancel()
		l.cancelStream = func() {}
		return fmt.Errorf("subscribe: %w", err)
	}
	l.events, l.cancelStream, l.streamTargets = ch, cancel, targets
	return nil
}

// apply feeds events to the machine, then evaluates once more at now.
func (l *Loop) apply(snap settings.Snapshot, events []signal.Event) {
	for _, ev := range events {
		l.d.Metrics.SignalEvent(string(ev.Kind))
		if dev, ok := snap.Targets.Get(ev.Device.Address); ok {
			switch ev.Kind {
			case signal.EventConnected:
				l.d.Board.DeviceChanged(dev, true, ev.At)
				l.lg.Info("device_connected", "device", dev.Label())
			case signal.EventDisconnected:
				l.d.Board.DeviceChanged(dev, false, ev.At)
				l.lg.Info("device_disconnected", "device", dev.Label())
			}
		}
		l.step(snap, ev.At, func(m *proximity.Machine) (proximity.Decision, bool) {
			return m.Observe(ev, snap.Thresholds, snap.Targets)
		})
	}
	now := l.d.Now()
	l.step(snap, now, func(m *proximity.Machine) (proximity.Decision, bool) {
		return m.Tick(now, snap.Thresholds, snap.Targets)
	})
	l.publishProximity(now)
}

func (l *Loop) step(snap settings.Snapshot, at time.Time, eval func(*proximity.Machine) (proximity.Decision, bool)) {
	before := l.d.Machine.State()
	dec, ok := eval(l.d.Machine)
	// intents go out before observers see the transition
	if ok {
		l.emit(snap.VehicleID, dec)
	}
	l.reportTransition(snap.VehicleID, before, at)
}

func (l *Loop) reportTransition(vin string, before proximity.State, at time.Time) {
	after := l.d.Machine.State()
	if after.Phase == before.Phase {
		return
	}
	t := journal.Transition{From: string(before.Phase), To: string(after.Phase), Since: after.Since}
	if best, ok := l.d.Machine.Best(at); ok {
		rssi := best.RSSI
		t.BestRSSI, t.Device = &rssi, best.Device.Label()
	}
	l.lg.Info("phase_change", "from", t.From, "to", t.To)
	if l.d.Transitions == nil {
		return
	}
	if err := l.safely(func() error {
		l.d.Transitions.OnTransition(vin, t)
		return nil
	}); err != nil {
		l.failed(fmt.Errorf("transition observer: %w", err))
	}
}

func (l *Loop) publishProximity(now time.Time) {
	st := l.d.Machine.State()
	var bestPtr *proximity.Best
	var rssiPtr *int
	if best, ok := l.d.Machine.Best(now); ok {
		bestPtr = &best
		rssi := best.RSSI
		rssiPtr = &rssi
	}
	l.d.Board.SetProximity(st, bestPtr, l.d.Machine.Connected())
	l.d.Metrics.Proximity(string(st.Phase), rssiPtr)
}

func (l *Loop) emit(vin string, dec proximity.Decision) *actuation.Task {
	in := models.Intent{
		ID:          uuid.NewString(),
		Kind:        dec.Kind,
		VIN:         vin,
		Reason:      dec.Reason,
		RequestedAt: dec.At,
	}
	l.lg.Info("intent", "kind", in.Kind, "reason", in.Reason, "intent", in.ID, "detail", dec.Detail)
	l.d.Board.IntentEmitted()
	l.d.Metrics.Intent(in)
	return l.d.Dispatcher.Dispatch(in)
}

func (l *Loop) handleManual(kind models.Kind) *actuation.Task {
	snap := l.d.Settings.Snapshot()
	now := l.d.Now()
	before := l.d.Machine.State()
	dec := l.d.Machine.Manual(kind, now)
	t := l.emit(snap.VehicleID, dec)
	l.reportTransition(snap.VehicleID, before, now)
	l.publishProximity(now)
	return t
}

// Manual forces the vehicle to kind. The request is served by Run, so it
// waits for the loop to pick it up or for ctx to end.
func (l *Loop) Manual(ctx context.Context, kind models.Kind) (*actuation.Task, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	req := manualRequest{kind: kind, reply: make(chan *actuation.Task, 1)}
	select {
	case l.manual <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case t := <-req.reply:
		if t == nil {
			return nil, ErrManualFailed
		}
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
