// v0
// internal/signal/simulator.go
package signal

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/hzj1203/BYD/internal/models"
)

const (
	simFarDbm    = -105.0
	simNearDbm   = -52.0
	simCutoffDbm = -95
)

// Simulator is a Scanner for one device that repeatedly walks up to the
// vehicle, stays a while and walks away. Each cycle is split into
// approach, dwell, depart and away quarters. Noise is seeded.
type Simulator struct {
	dev   models.DeviceIdentity
	cycle time.Duration
	start time.Time
	now   func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulator(dev models.DeviceIdentity, cycle time.Duration, seed int64) *Simulator {
	if cycle <= 0 {
		cycle = 2 * time.Minute
	}
	return &Simulator{
		dev:   models.NewDevice(dev.Address, dev.Name),
		cycle: cycle,
		start: time.Now(),
		now:   time.Now,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Level returns the simulated RSSI at t and whether the device is in range.
func (s *Simulator) Level(t time.Time) (int, bool) {
	elapsed := t.Sub(s.start) % s.cycle
	if elapsed < 0 {
		elapsed += s.cycle
	}
	frac := float64(elapsed) / float64(s.cycle)
	var base float64
	switch {
	case frac < 0.25:
		base = simFarDbm + (simNearDbm-simFarDbm)*frac/0.25
	case frac < 0.5:
		base = simNearDbm
	case frac < 0.75:
		base = simNearDbm - (simNearDbm-simFarDbm)*(frac-0.5)/0.25
	default:
		base = simFarDbm
	}
	s.mu.Lock()
	noise := s.rng.NormFloat64() * 2
	s.mu.Unlock()
	v := int(math.Round(base + noise))
	return v, v > simCutoffDbm
}

func (s *Simulator) Connected(_ context.Context) ([]models.DeviceIdentity, error) {
	if _, ok := s.Level(s.now()); !ok {
		return nil, nil
	}
	return []models.DeviceIdentity{s.dev}, nil
}

func (s *Simulator) RSSI(_ context.Context, dev models.DeviceIdentity) (int, error) {
	if models.NormalizeAddress(dev.Address) != s.dev.Address {
		return 0, ErrSignalUnavailable
	}
	v, ok := s.Level(s.now())
	if !ok {
		return 0, ErrSignalUnavailable
	}
	return v, nil
}
