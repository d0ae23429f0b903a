// v0
// internal/journal/journal.go
package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hzj1203/BYD/internal/models"
)

const (
	defaultBuffer       = 256
	defaultMaxBatch     = 32
	defaultWriteTimeout = 15 * time.Second
)

var errJournalStopped = errors.New("journal stopped")

type Options struct {
	Buffer   int
	MaxBatch int
	// WriteTimeout bounds one Sink.Write. A timed out batch is dropped.
	WriteTimeout time.Duration
	// OnDrop is told how many entries were lost.
	OnDrop func(n int)
}

// Journal queues entries and writes them to a Sink from one goroutine.
// Enqueueing never blocks; a full queue drops the entry.
type Journal struct {
	sink   Sink
	log    *slog.Logger
	opts   Options
	queue  chan Entry
	now    func() time.Time
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopped   atomic.Bool
}

func New(sink Sink, opts Options, lg *slog.Logger) *Journal {
	if sink == nil {
		sink = Discard{}
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Journal{
		sink:  sink,
		log:   lg.With(slog.String("component", "journal")),
		opts:  opts,
		queue: make(chan Entry, opts.Buffer),
		now:   time.Now,
	}
}

func (j *Journal) Start(ctx context.Context) {
	j.startOnce.Do(func() {
		j.runCtx, j.cancel = context.WithCancel(ctx)
		j.started.Store(true)
		j.wg.Add(1)
		go j.run()
		j.log.Info("journal_started", slog.Int("buffer", j.opts.Buffer))
	})
}

// OnRecord journals an actuation record.
func (j *Journal) OnRecord(rec models.Record) {
	if j == nil {
		return
	}
	r := rec
	j.enqueue(Entry{Type: TypeActuation, At: j.now().UTC(), VIN: rec.VIN, Record: &r})
}

func (j *Journal) OnTransition(vin string, t Transition) {
	if j == nil {
		return
	}
	j.enqueue(Entry{Type: TypeTransition, At: j.now().UTC(), VIN: vin, Transition: &t})
}

func (j *Journal) enqueue(e Entry) {
	if j.stopped.Load() {
		j.drop(1, errJournalStopped)
		return
	}
	select {
	case j.queue <- e:
	default:
		j.drop(1, errors.New("journal queue full"))
	}
}

func (j *Journal) drop(n int, err error) {
	j.log.Warn("journal_drop", slog.Int("entries", n), slog.Any("err", err))
	if j.opts.OnDrop != nil {
		j.opts.OnDrop(n)
	}
}

func (j *Journal) run() {
	defer j.wg.Done()
	for {
		select {
		case <-j.runCtx.Done():
			j.drain()
			j.log.Info("journal_loop_exit")
			return
		case e := <-j.queue:
			j.deliver(j.batch(e))
		}
	}
}

// batch collects whatever is already queued behind first.
func (j *Journal) batch(first Entry) []Entry {
	out := []Entry{first}
	for len(out) < j.opts.MaxBatch {
		select {
		case e := <-j.queue:
			out = append(out, e)
		default:
			return out
		}
	}
	return out
}

func (j *Journal) drain() {
	for {
		select {
		case e := <-j.queue:
			j.deliver(j.batch(e))
		default:
			return
		}
	}
}

func (j *Journal) deliver(entries []Entry) {
	// the run context may already be cancelled while draining
	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.runCtx), j.opts.WriteTimeout)
	defer cancel()
	if err := j.sink.Write(ctx, entries); err != nil {
		j.drop(len(entries), err)
		return
	}
	j.log.Debug("journal_written", slog.Int("entries", len(entries)))
}

// Close stops accepting entries, flushes the queue and closes the sink.
func (j *Journal) Close(ctx context.Context) error {
	var stopErr error
	j.stopOnce.Do(func() {
		j.stopped.Store(true)
		if !j.started.Load() {
			stopErr = j.sink.Close()
			return
		}
		j.cancel()
		done := make(chan struct{})
		go func() {
			j.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
			j.log.Error("journal_stop_err", slog.Any("err", stopErr))
			// the writer may still be inside Sink.Write
			go func() {
				<-done
				if err := j.sink.Close(); err != nil {
					j.log.Error("journal_sink_close_err", slog.Any("err", err))
				}
				j.log.Info("journal_stopped")
			}()
			return
		}
		if err := j.sink.Close(); err != nil {
			stopErr = err
		}
		j.log.Info("journal_stopped")
	})
	return stopErr
}
