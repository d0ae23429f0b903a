// v0
// internal/signal/event.go
package signal

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/hzj1203/BYD/internal/models"
)

// ErrSignalUnavailable means a reading could not be taken. It is an
// absence of data, never a weak reading.
var ErrSignalUnavailable = errors.New("signal unavailable")

type EventKind string

const (
	EventSample       EventKind = "sample"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Event is a signal sample or a connectivity change for one device.
// For samples a nil RSSI means the device is reachable but unreadable.
type Event struct {
	Kind   EventKind
	Device models.DeviceIdentity
	RSSI   *int
	At     time.Time
}

func Sample(dev models.DeviceIdentity, rssi int, at time.Time) Event {
	return Event{Kind: EventSample, Device: dev, RSSI: &rssi, At: at}
}

func Unreadable(dev models.DeviceIdentity, at time.Time) Event {
	return Event{Kind: EventSample, Device: dev, At: at}
}

func Connected(dev models.DeviceIdentity, at time.Time) Event {
	return Event{Kind: EventConnected, Device: dev, At: at}
}

func Disconnected(dev models.DeviceIdentity, at time.Time) Event {
	return Event{Kind: EventDisconnected, Device: dev, At: at}
}

// Poller is sampled by the caller at its own cadence.
type Poller interface {
	Poll(ctx context.Context, targets models.DeviceSet) ([]Event, error)
}

// Streamer pushes events as they happen. The channel is closed when ctx
// ends or the underlying connection is given up.
type Streamer interface {
	Stream(ctx context.Context, targets models.DeviceSet) (<-chan Event, error)
}

const txPowerDbm = -59

// EstimateDistance converts an RSSI to a rough distance in metres using a
// free-space model at 1 m reference power. Returns -1 for a zero reading.
func EstimateDistance(rssi int) float64 {
	if rssi == 0 {
		return -1
	}
	return math.Pow(10, float64(txPowerDbm-rssi)/20)
}
