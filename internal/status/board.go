// v0
// internal/status/board.go
package status

import (
	"sync"
	"time"

	"github.com/hzj1203/BYD/internal/models"
	"github.com/hzj1203/BYD/internal/proximity"
	"github.com/hzj1203/BYD/internal/signal"
)

const maxNotices = 20

type Notice struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Snapshot is the externally visible state of the service.
type Snapshot struct {
	Phase      proximity.Phase `json:"phase"`
	PhaseSince time.Time       `json:"phaseSince"`
	// VehicleLocked is the state confirmed by the last successful command;
	// nil until one succeeds.
	VehicleLocked *bool          `json:"vehicleLocked"`
	LastAction    string         `json:"lastAction,omitempty"`
	LastRecord    *models.Record `json:"lastRecord,omitempty"`

	BestRSSI      *int                    `json:"bestRssi"`
	NearestDevice *models.DeviceIdentity  `json:"nearestDevice,omitempty"`
	DistanceM     *float64                `json:"distanceM,omitempty"`
	Connected     []models.DeviceIdentity `json:"connected"`

	LastError   string     `json:"lastError,omitempty"`
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`
	Ticks       uint64     `json:"ticks"`
	TickErrors  uint64     `json:"tickErrors"`
	Intents     uint64     `json:"intents"`

	Notices   []Notice  `json:"notices"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Board collects state from the monitor loop and the dispatcher.
type Board struct {
	locale string
	notify func() bool
	now    func() time.Time

	mu sync.RWMutex
	s  Snapshot
}

// NewBoard builds an empty board. notify gates notices; nil means always.
func NewBoard(locale string, notify func() bool) *Board {
	if notify == nil {
		notify = func() bool { return true }
	}
	return &Board{
		locale: locale,
		notify: notify,
		now:    time.Now,
		s:      Snapshot{Phase: proximity.PhaseLocked},
	}
}

func (b *Board) Locale() string { return b.locale }

// OnRecord keeps the latest actuation record. Only terminal records move
// the believed vehicle state.
func (b *Board) OnRecord(rec models.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := rec
	b.s.LastRecord = &r
	b.s.UpdatedAt = b.now()
	if !rec.Terminal() {
		return
	}
	b.s.LastAction = rec.Description
	if rec.Outcome == models.OutcomeSuccess {
		locked := rec.Kind == models.KindLock
		b.s.VehicleLocked = &locked
	}
	if rec.Description != "" {
		b.noticeLocked(rec.Description, rec.FinishedAt)
	}
}

// SetProximity records the machine state and the best reading.
func (b *Board) SetProximity(st proximity.State, best *proximity.Best, connected []models.DeviceIdentity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Phase, b.s.PhaseSince = st.Phase, st.Since
	b.s.Connected = append([]models.DeviceIdentity(nil), connected...)
	if best == nil {
		b.s.BestRSSI, b.s.NearestDevice, b.s.DistanceM = nil, nil, nil
	} else {
		rssi, dev, dist := best.RSSI, best.Device, signal.EstimateDistance(best.RSSI)
		b.s.BestRSSI, b.s.NearestDevice, b.s.DistanceM = &rssi, &dev, &dist
	}
	b.s.UpdatedAt = b.now()
}

func (b *Board) DeviceChanged(dev models.DeviceIdentity, connected bool, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.noticeLocked(DeviceText(connected, dev.Label(), b.locale), at)
}

func (b *Board) TickOK() {
	b.mu.Lock()
	b.s.Ticks++
	b.s.UpdatedAt = b.now()
	b.mu.Unlock()
}

func (b *Board) TickFailed(err error, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Ticks++
	b.s.TickErrors++
	b.s.LastError = err.Error()
	b.s.LastErrorAt = &at
	b.s.UpdatedAt = b.now()
}

func (b *Board) IntentEmitted() {
	b.mu.Lock()
	b.s.Intents++
	b.mu.Unlock()
}

// Snapshot returns a deep copy.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := b.s
	if b.s.VehicleLocked != nil {
		v := *b.s.VehicleLocked
		out.VehicleLocked = &v
	}
	if b.s.LastRecord != nil {
		r := *b.s.LastRecord
		out.LastRecord = &r
	}
	if b.s.BestRSSI != nil {
		v, d, m := *b.s.BestRSSI, *b.s.NearestDevice, *b.s.DistanceM
		out.BestRSSI, out.NearestDevice, out.DistanceM = &v, &d, &m
	}
	if b.s.LastErrorAt != nil {
		at := *b.s.LastErrorAt
		out.LastErrorAt = &at
	}
	out.Connected = append([]models.DeviceIdentity(nil), b.s.Connected...)
	out.Notices = append([]Notice(nil), b.s.Notices...)
	return out
}

// noticeLocked must be called with mu held.
func (b *Board) noticeLocked(text string, at time.Time) {
	if !b.notify() {
		return
	}
	if at.IsZero() {
		at = b.now()
	}
	b.s.Notices = append(b.s.Notices, Notice{At: at, Text: text})
	if n := len(b.s.Notices); n > maxNotices {
		b.s.Notices = append([]Notice(nil), b.s.Notices[n-maxNotices:]...)
	}
}
