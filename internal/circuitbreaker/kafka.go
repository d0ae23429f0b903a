// v3
// internal/circuitbreaker/kafka.go
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPolicy bounds the retries of one WriteMessages call.
type KafkaPolicy struct {
	Attempts int
	Timeout  time.Duration // per attempt; zero means no extra deadline
	Backoff  time.Duration
}

// KafkaWriter retries writes under a breaker. ErrOpen never consumes an
// attempt; it waits one backoff instead.
type KafkaWriter struct {
	writer  MessageWriter
	breaker *Breaker
	policy  KafkaPolicy
}

func NewKafkaWriter(w MessageWriter, b *Breaker, p KafkaPolicy) *KafkaWriter {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	return &KafkaWriter{writer: w, breaker: b, policy: p}
}

func (w *KafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w == nil || w.writer == nil {
		return errors.New("nil kafka writer")
	}
	op := func(execCtx context.Context) error { return w.writer.WriteMessages(execCtx, msgs...) }
	if w.breaker == nil {
		return op(ctx)
	}
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attemptCtx, cancel := w.withAttemptContext(ctx)
		err := w.breaker.Execute(attemptCtx, op)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrOpen) {
			attempts++
			if attempts >= w.policy.Attempts {
				return err
			}
		}
		if waitErr := w.waitBackoff(ctx); waitErr != nil {
			return waitErr
		}
	}
}

func (w *KafkaWriter) withAttemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.policy.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, w.policy.Timeout)
}

func (w *KafkaWriter) waitBackoff(ctx context.Context) error {
	if w.policy.Backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(w.policy.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
