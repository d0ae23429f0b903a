// v0
// internal/signal/poller.go
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hzj1203/BYD/internal/models"
)

// Scanner is the radio adapter seen by ScanPoller.
// Connected returns ErrSignalUnavailable when the adapter is off.
// RSSI returns ErrSignalUnavailable when the device cannot be read.
type Scanner interface {
	Connected(ctx context.Context) ([]models.DeviceIdentity, error)
	RSSI(ctx context.Context, dev models.DeviceIdentity) (int, error)
}

// ScanPoller turns adapter snapshots into events. Connectivity changes are
// derived by comparing with the previous Poll.
type ScanPoller struct {
	scanner Scanner
	now     func() time.Time

	mu   sync.Mutex
	prev map[string]models.DeviceIdentity
}

func NewScanPoller(s Scanner) *ScanPoller {
	return &ScanPoller{scanner: s, now: time.Now, prev: map[string]models.DeviceIdentity{}}
}

// Reset forgets the previously connected devices.
func (p *ScanPoller) Reset() {
	p.mu.Lock()
	p.prev = map[string]models.DeviceIdentity{}
	p.mu.Unlock()
}

func (p *ScanPoller) Poll(ctx context.Context, targets models.DeviceSet) ([]Event, error) {
	devs, err := p.scanner.Connected(ctx)
	if err != nil && !errors.Is(err, ErrSignalUnavailable) {
		return nil, fmt.Errorf("list connected: %w", err)
	}
	at := p.now()
	cur := map[string]models.DeviceIdentity{}
	for _, d := range devs {
		if t, ok := targets.Get(d.Address); ok {
			if t.Name == "" {
				t.Name = d.Name
			}
			cur[t.Address] = t
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Event
	for _, d := range models.NewDeviceSet(mapValues(p.prev)...).List() {
		if _, ok := cur[d.Address]; !ok {
			out = append(out, Disconnected(d, at))
		}
	}
	present := models.NewDeviceSet(mapValues(cur)...).List()
	for _, d := range present {
		if _, ok := p.prev[d.Address]; !ok {
			out = append(out, Connected(d, at))
		}
	}
	for _, d := range present {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		rssi, err := p.scanner.RSSI(ctx, d)
		if err != nil {
			out = append(out, Unreadable(d, at))
			continue
		}
		out = append(out, Sample(d, rssi, at))
	}
	p.prev = cur
	return out, nil
}

func mapValues(m map[string]models.DeviceIdentity) []models.DeviceIdentity {
	out := make([]models.DeviceIdentity, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	return out
}
