// v0
// internal/proximity/machine.go
package proximity

import (
	"fmt"
	"time"

	"github.com/hzj1203/BYD/internal/models"
	"github.com/hzj1203/BYD/internal/settings"
	"github.com/hzj1203/BYD/internal/signal"
)

type Phase string

const (
	PhaseLocked        Phase = "locked"
	PhaseUnlocked      Phase = "unlocked"
	PhasePendingUnlock Phase = "pending_unlock"
	PhasePendingLock   Phase = "pending_lock"
)

// State is the believed lock state. Since is when the phase was entered;
// for the pending phases it is the start of the debounce window.
type State struct {
	Phase Phase     `json:"phase"`
	Since time.Time `json:"since"`
}

// Decision is a lock/unlock the machine wants carried out.
type Decision struct {
	Kind   models.Kind
	Reason models.Reason
	At     time.Time
	Detail string
}

// Best is the strongest usable reading among the target devices.
type Best struct {
	Device models.DeviceIdentity
	RSSI   int
	At     time.Time
}

type reading struct {
	dev  models.DeviceIdentity
	rssi *int
	at   time.Time
}

// Machine turns signal events into debounced lock decisions. It is not
// safe for concurrent use; the monitor loop is its only caller.
//
// Time only moves through the timestamps passed in, so a given event
// sequence always produces the same decisions.
type Machine struct {
	state      State
	readings   map[string]reading
	staleAfter time.Duration
}

// New returns a machine in the Locked phase. Readings older than
// staleAfter are ignored; zero disables the age check.
func New(staleAfter time.Duration) *Machine {
	return &Machine{
		state:      State{Phase: PhaseLocked},
		readings:   map[string]reading{},
		staleAfter: staleAfter,
	}
}

func (m *Machine) State() State { return m.state }

// Connected lists the target devices currently believed connected.
func (m *Machine) Connected() []models.DeviceIdentity {
	out := make([]models.DeviceIdentity, 0, len(m.readings))
	for _, r := range m.readings {
		out = append(out, r.dev)
	}
	return models.NewDeviceSet(out...).List()
}

// Observe applies one event and evaluates the transition rules at ev.At.
func (m *Machine) Observe(ev signal.Event, cfg settings.ThresholdConfig, targets models.DeviceSet) (Decision, bool) {
	if dev, ok := targets.Get(ev.Device.Address); ok {
		switch ev.Kind {
		case signal.EventDisconnected:
			delete(m.readings, dev.Address)
		case signal.EventConnected:
			if _, seen := m.readings[dev.Address]; !seen {
				m.readings[dev.Address] = reading{dev: dev, at: ev.At}
			}
		case signal.EventSample:
			var v *int
			if ev.RSSI != nil {
				x := *ev.RSSI
				v = &x
			}
			m.readings[dev.Address] = reading{dev: dev, rssi: v, at: ev.At}
		}
	}
	return m.evaluate(ev.At, cfg, targets)
}

// Tick evaluates the rules at now without new input, letting debounce
// windows elapse and readings go stale.
func (m *Machine) Tick(now time.Time, cfg settings.ThresholdConfig, targets models.DeviceSet) (Decision, bool) {
	return m.evaluate(now, cfg, targets)
}

// Manual forces the given state and cancels any pending debounce.
func (m *Machine) Manual(kind models.Kind, now time.Time) Decision {
	if kind == models.KindUnlock {
		m.state = State{Phase: PhaseUnlocked, Since: now}
	} else {
		m.state = State{Phase: PhaseLocked, Since: now}
	}
	return Decision{Kind: kind, Reason: models.ReasonManual, At: now, Detail: "manual request"}
}

// Best returns the strongest fresh reading at now.
func (m *Machine) Best(now time.Time) (Best, bool) {
	var (
		best  Best
		found bool
	)
	for _, r := range m.readings {
		if r.rssi == nil {
			continue
		}
		if m.staleAfter > 0 && now.Sub(r.at) > m.staleAfter {
			continue
		}
		if !found || *r.rssi > best.RSSI {
			best = Best{Device: r.dev, RSSI: *r.rssi, At: r.at}
			found = true
		}
	}
	return best, found
}

func (m *Machine) evaluate(now time.Time, cfg settings.ThresholdConfig, targets models.DeviceSet) (Decision, bool) {
	for addr := range m.readings {
		if !targets.Contains(addr) {
			delete(m.readings, addr)
		}
	}
	best, ok := m.Best(now)
	near := ok && best.RSSI >= cfg.UnlockThresholdDbm
	// present is the lock-side test: a usable reading at or above the lock threshold.
	present := ok && best.RSSI >= cfg.LockThresholdDbm

	// Two passes so that a zero delay commits in the same evaluation.
	for pass := 0; pass < 2; pass++ {
		switch m.state.Phase {
		case PhaseLocked:
			if !cfg.AutoUnlockEnabled || !near {
				return Decision{}, false
			}
			m.state = State{Phase: PhasePendingUnlock, Since: now}
		case PhasePendingUnlock:
			if !cfg.AutoUnlockEnabled || !near {
				m.state = State{Phase: PhaseLocked, Since: now}
				return Decision{}, false
			}
			held := now.Sub(m.state.Since)
			if held < cfg.UnlockDelay {
				return Decision{}, false
			}
			m.state = State{Phase: PhaseUnlocked, Since: now}
			return Decision{
				Kind:   models.KindUnlock,
				Reason: models.ReasonArrival,
				At:     now,
				Detail: fmt.Sprintf("%s at %d dBm >= %d dBm for %s", best.Device.Label(), best.RSSI, cfg.UnlockThresholdDbm, held),
			}, true
		case PhaseUnlocked:
			if !cfg.AutoLockEnabled || present {
				return Decision{}, false
			}
			m.state = State{Phase: PhasePendingLock, Since: now}
		case PhasePendingLock:
			if !cfg.AutoLockEnabled || present {
				m.state = State{Phase: PhaseUnlocked, Since: now}
				return Decision{}, false
			}
			held := now.Sub(m.state.Since)
			if held < cfg.LockDelay {
				return Decision{}, false
			}
			m.state = State{Phase: PhaseLocked, Since: now}
			detail := fmt.Sprintf("no target device in range for %s", held)
			if ok {
				detail = fmt.Sprintf("%s at %d dBm < %d dBm for %s", best.Device.Label(), best.RSSI, cfg.LockThresholdDbm, held)
			}
			return Decision{Kind: models.KindLock, Reason: models.ReasonDeparture, At: now, Detail: detail}, true
		}
	}
	return Decision{}, false
}
