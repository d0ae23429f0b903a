// v0
// internal/actuation/dispatcher.go
package actuation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hzj1203/BYD/internal/models"
	"github.com/hzj1203/BYD/internal/status"
)

var (
	ErrActuationFailed   = errors.New("actuation failed")
	ErrRejected          = errors.New("command rejected by vehicle service")
	ErrSuperseded        = errors.New("superseded by opposite intent")
	ErrStopped           = errors.New("dispatcher stopped")
	ErrMissingVehicle    = errors.New("vehicle id not configured")
	ErrMissingCredential = errors.New("credential not configured")
)

// Port sends one command to the vehicle service.
type Port interface {
	Execute(ctx context.Context, kind models.Kind, vin, credential string) (models.Result, error)
}

// Credentials supplies the current access credential.
type Credentials interface {
	Credential() string
}

// Observer receives every record a task publishes. Calls are made from
// dispatcher goroutines and must not block.
type Observer interface {
	OnRecord(models.Record)
}

type ObserverFunc func(models.Record)

func (f ObserverFunc) OnRecord(r models.Record) { f(r) }

// CoalesceObserver is optionally implemented by observers interested in
// intents folded into an in-flight task.
type CoalesceObserver interface {
	OnCoalesce(joined models.Intent, into models.Intent)
}

type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
	Locale  string
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = o.BaseBackoff
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Locale == "" {
		o.Locale = "zh"
	}
	return o
}

// Dispatcher runs intents against a Port with at most one task in flight
// per kind.
type Dispatcher struct {
	port  Port
	creds Credentials
	opts  Options
	lg    *slog.Logger
	obs   []Observer
	now   func() time.Time

	base       context.Context
	cancelBase context.CancelFunc
	stopping   chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	inflight map[models.Kind]*Task
}

func New(port Port, creds Credentials, opts Options, lg *slog.Logger, obs ...Observer) *Dispatcher {
	if lg == nil {
		lg = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		port:       port,
		creds:      creds,
		opts:       opts.withDefaults(),
		lg:         lg,
		obs:        obs,
		now:        time.Now,
		base:       base,
		cancelBase: cancel,
		stopping:   make(chan struct{}),
		inflight:   map[models.Kind]*Task{},
	}
}

// Dispatch starts work for in and returns its task. A same-kind intent
// arriving while a task is in flight joins that task. An opposite-kind
// intent stops the in-flight task from retrying.
func (d *Dispatcher) Dispatch(in models.Intent) *Task {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return d.rejected(in, ErrStopped)
	}
	if cur := d.inflight[in.Kind]; cur != nil {
		d.mu.Unlock()
		d.lg.Info("actuation_coalesced", "kind", in.Kind, "intent", in.ID, "into", cur.intent.ID)
		for _, o := range d.obs {
			if co, ok := o.(CoalesceObserver); ok {
				co.OnCoalesce(in, cur.intent)
			}
		}
		return cur
	}
	if opp := d.inflight[in.Kind.Opposite()]; opp != nil {
		opp.supersede()
		d.lg.Info("actuation_superseded", "kind", opp.intent.Kind, "intent", opp.intent.ID, "by", in.ID)
	}
	t := newTask(in)
	d.inflight[in.Kind] = t
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(t)
	return t
}

// InFlight reports the task currently running for kind, if any.
func (d *Dispatcher) InFlight(kind models.Kind) (*Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.inflight[kind]
	return t, ok
}

// Shutdown rejects new intents, cancels pending backoff waits and waits
// for running attempts. If ctx ends first the attempts are cancelled, and
// Shutdown still waits for their terminal records.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stopping)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancelBase()
		return nil
	case <-ctx.Done():
		d.lg.Warn("actuation_shutdown_forced", "error", ctx.Err())
		d.cancelBase()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) run(t *Task) {
	defer d.wg.Done()
	in := t.intent
	rec := models.Record{
		IntentID:  in.ID,
		Kind:      in.Kind,
		Reason:    in.Reason,
		VIN:       in.VIN,
		Outcome:   models.OutcomeInFlight,
		StartedAt: d.now(),
	}
	d.publish(t, rec)
	d.lg.Info("actuation_start", "kind", in.Kind, "intent", in.ID, "reason", in.Reason)

	res, err := d.attempts(t, &rec)
	if err == nil {
		rec.Outcome = models.OutcomeSuccess
		rec.CommandID = res.CommandID
		rec.LastError = ""
		d.lg.Info("actuation_success", "kind", in.Kind, "intent", in.ID, "attempts", rec.Attempts, "command_id", res.CommandID)
	} else {
		err = fmt.Errorf("%w: %w", ErrActuationFailed, err)
		rec.Outcome = models.OutcomeFailure
		rec.LastError = err.Error()
		d.lg.Error("actuation_failed", "kind", in.Kind, "intent", in.ID, "attempts", rec.Attempts, "error", err)
	}
	rec.Description = status.ActionText(in.Kind, err == nil, d.opts.Locale)
	rec.FinishedAt = d.now()

	d.mu.Lock()
	if d.inflight[in.Kind] == t {
		delete(d.inflight, in.Kind)
	}
	d.mu.Unlock()
	d.publish(t, rec)
	t.finish(rec, err)
}

// attempts runs the bounded retry loop and returns the last error.
func (d *Dispatcher) attempts(t *Task, rec *models.Record) (models.Result, error) {
	in := t.intent
	if in.VIN == "" {
		return models.Result{}, ErrMissingVehicle
	}
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		cred := d.creds.Credential()
		if cred == "" {
			return models.Result{}, ErrMissingCredential
		}
		rec.Attempts = attempt
		res, err := d.call(in, cred)
		if err == nil && res.Success {
			return res, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrRejected, res.Message)
		}
		lastErr = err
		rec.LastError = err.Error()
		d.lg.Warn("actuation_attempt_failed", "kind", in.Kind, "intent", in.ID, "attempt", attempt, "max", d.opts.MaxAttempts, "error", err)
		if attempt == d.opts.MaxAttempts {
			break
		}
		d.publish(t, *rec)
		if werr := d.backoff(t, attempt); werr != nil {
			return models.Result{}, fmt.Errorf("%w after %v", werr, lastErr)
		}
	}
	return models.Result{}, lastErr
}

func (d *Dispatcher) call(in models.Intent, cred string) (models.Result, error) {
	ctx, cancel := context.WithTimeout(models.WithIntentID(d.base, in.ID), d.opts.Timeout)
	defer cancel()
	return d.port.Execute(ctx, in.Kind, in.VIN, cred)
}

// backoff waits base*2^(attempt-1), capped, unless the task is superseded
// or the dispatcher stops.
func (d *Dispatcher) backoff(t *Task, attempt int) error {
	wait := d.opts.BaseBackoff << (attempt - 1)
	if wait > d.opts.MaxBackoff || wait <= 0 {
		wait = d.opts.MaxBackoff
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-t.superseded:
		return ErrSuperseded
	case <-d.stopping:
		return ErrStopped
	}
}

func (d *Dispatcher) publish(t *Task, rec models.Record) {
	t.setRecord(rec)
	for _, o := range d.obs {
		o.OnRecord(rec)
	}
}

// rejected returns a task that failed without running.
func (d *Dispatcher) rejected(in models.Intent, cause error) *Task {
	now := d.now()
	err := fmt.Errorf("%w: %w", ErrActuationFailed, cause)
	rec := models.Record{
		IntentID:    in.ID,
		Kind:        in.Kind,
		Reason:      in.Reason,
		VIN:         in.VIN,
		Outcome:     models.OutcomeFailure,
		LastError:   err.Error(),
		Description: status.ActionText(in.Kind, false, d.opts.Locale),
		StartedAt:   now,
		FinishedAt:  now,
	}
	t := newTask(in)
	d.publish(t, rec)
	t.finish(rec, err)
	d.lg.Warn("actuation_rejected", "kind", in.Kind, "intent", in.ID, "error", err)
	return t
}
