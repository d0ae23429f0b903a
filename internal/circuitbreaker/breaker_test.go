// v1
// internal/circuitbreaker/breaker_test.go
package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(max int, reset time.Duration) (*Breaker, *fakeClock, *[]State) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []State
	b := New("test", Config{
		MaxFailures:  max,
		ResetTimeout: reset,
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	}, nil, nil)
	b.now = clk.Now
	return b, clk, &transitions
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _, transitions := newTestBreaker(2, time.Minute)
	fail := func(context.Context) error { return errBoom }

	if err := b.Execute(context.Background(), fail); !errors.Is(err, errBoom) || errors.Is(err, ErrOpen) {
		t.Fatalf("first failure: %v", err)
	}
	if err := b.Execute(context.Background(), fail); !errors.Is(err, ErrOpen) || !errors.Is(err, errBoom) {
		t.Fatalf("second failure should open and keep cause: %v", err)
	}
	calls := 0
	err := b.Execute(context.Background(), func(context.Context) error { calls++; return nil })
	if !errors.Is(err, ErrOpen) || calls != 0 {
		t.Fatalf("open breaker must fast-fail: err=%v calls=%d", err, calls)
	}
	if len(*transitions) != 1 || (*transitions)[0] != Open {
		t.Fatalf("transitions: %v", *transitions)
	}
}

func TestBreakerTrialAfterReset(t *testing.T) {
	b, clk, _ := newTestBreaker(1, 10*time.Second)
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	if b.State() != Open {
		t.Fatalf("state %s", b.State())
	}

	clk.Advance(10 * time.Second)
	if err := b.Execute(context.Background(), func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("failed trial: %v", err)
	}
	if b.State() != Open {
		t.Fatalf("failed trial must reopen, got %s", b.State())
	}

	clk.Advance(10 * time.Second)
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("successful trial: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("successful trial must close, got %s", b.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _, _ := newTestBreaker(2, time.Minute)
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	_ = b.Execute(context.Background(), func(context.Context) error { return nil })
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	if b.State() != Closed {
		t.Fatalf("non-consecutive failures opened the breaker")
	}
}

func TestHTTPClientReturnsServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient("remote", Config{MaxFailures: 2, ResetTimeout: time.Minute}, "", srv.Client(), nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("first 502 should be returned as a response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := c.Do(req); !errors.Is(err, ErrOpen) {
		t.Fatalf("second 502 should open the breaker: %v", err)
	}
	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := c.Do(req); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected fast-fail: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("server hits: got %d want 2", hits.Load())
	}
}

type stubKafkaWriter struct {
	mu                    sync.Mutex
	failuresBeforeSuccess int
	calls                 int
}

func (s *stubKafkaWriter) WriteMessages(context.Context, ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failuresBeforeSuccess {
		return errBoom
	}
	return nil
}

func TestKafkaWriterRetriesUntilSuccess(t *testing.T) {
	stub := &stubKafkaWriter{failuresBeforeSuccess: 2}
	brk := New("journal", Config{MaxFailures: 10, ResetTimeout: time.Second}, nil, nil)
	w := NewKafkaWriter(stub, brk, KafkaPolicy{Attempts: 3, Timeout: 50 * time.Millisecond, Backoff: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.WriteMessages(ctx, kafka.Message{Value: []byte("x")}); err != nil {
		t.Fatalf("WriteMessages: %v", err)
	}
	if stub.calls != 3 {
		t.Fatalf("calls: got %d want 3", stub.calls)
	}
}

func TestKafkaWriterGivesUpAfterAttempts(t *testing.T) {
	stub := &stubKafkaWriter{failuresBeforeSuccess: 100}
	brk := New("journal", Config{MaxFailures: 10, ResetTimeout: time.Second}, nil, nil)
	w := NewKafkaWriter(stub, brk, KafkaPolicy{Attempts: 2, Backoff: time.Millisecond})
	if err := w.WriteMessages(context.Background(), kafka.Message{}); !errors.Is(err, errBoom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("calls: got %d want 2", stub.calls)
	}
}
