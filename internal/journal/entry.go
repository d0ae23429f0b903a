// v0
// internal/journal/entry.go
package journal

import (
	"context"
	"time"

	"github.com/hzj1203/BYD/internal/models"
)

type EntryType string

const (
	TypeActuation  EntryType = "actuation"
	TypeTransition EntryType = "transition"
)

// Transition is a committed proximity phase change.
type Transition struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Since    time.Time `json:"since"`
	BestRSSI *int      `json:"bestRssi,omitempty"`
	Device   string    `json:"device,omitempty"`
}

// Entry is one line of the journal. Exactly one of Record or Transition is set.
type Entry struct {
	Type       EntryType      `json:"type"`
	At         time.Time      `json:"at"`
	VIN        string         `json:"vin,omitempty"`
	Record     *models.Record `json:"record,omitempty"`
	Transition *Transition    `json:"transition,omitempty"`
}

// Key groups entries of one vehicle onto one partition.
func (e Entry) Key() string {
	if e.VIN != "" {
		return e.VIN
	}
	return string(e.Type)
}

// Sink persists batches of entries.
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
	Close() error
}

// Discard drops everything.
type Discard struct{}

func (Discard) Write(context.Context, []Entry) error { return nil }
func (Discard) Close() error                         { return nil }

type multiSink []Sink

// Multi writes to every sink; one failing sink does not stop the others.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Write(ctx context.Context, entries []Entry) error {
	var first error
	for _, s := range m {
		if err := s.Write(ctx, entries); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
