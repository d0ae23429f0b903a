// v0
// internal/settings/thresholds.go
package settings

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidThresholds marks a threshold configuration that cannot be used.
var ErrInvalidThresholds = errors.New("invalid threshold configuration")

const (
	DefaultUnlockThresholdDbm = -60
	DefaultLockThresholdDbm   = -80
	DefaultUnlockDelay        = 2000 * time.Millisecond
	DefaultLockDelay          = 5000 * time.Millisecond

	minDbm = -127
	maxDbm = 20
)

// ThresholdConfig drives the proximity decisions.
// UnlockThresholdDbm must not be below LockThresholdDbm; the gap between
// them is the hysteresis band.
type ThresholdConfig struct {
	UnlockThresholdDbm int           `json:"unlockThresholdDbm"`
	LockThresholdDbm   int           `json:"lockThresholdDbm"`
	UnlockDelay        time.Duration `json:"unlockDelay"`
	LockDelay          time.Duration `json:"lockDelay"`
	AutoUnlockEnabled  bool          `json:"autoUnlockEnabled"`
	AutoLockEnabled    bool          `json:"autoLockEnabled"`
}

func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{
		UnlockThresholdDbm: DefaultUnlockThresholdDbm,
		LockThresholdDbm:   DefaultLockThresholdDbm,
		UnlockDelay:        DefaultUnlockDelay,
		LockDelay:          DefaultLockDelay,
		AutoUnlockEnabled:  true,
		AutoLockEnabled:    true,
	}
}

func (t ThresholdConfig) Validate() error {
	if t.UnlockThresholdDbm < t.LockThresholdDbm {
		return fmt.Errorf("%w: unlock threshold %d dBm below lock threshold %d dBm",
			ErrInvalidThresholds, t.UnlockThresholdDbm, t.LockThresholdDbm)
	}
	for _, v := range []int{t.UnlockThresholdDbm, t.LockThresholdDbm} {
		if v < minDbm || v > maxDbm {
			return fmt.Errorf("%w: %d dBm outside [%d, %d]", ErrInvalidThresholds, v, minDbm, maxDbm)
		}
	}
	if t.UnlockDelay < 0 || t.LockDelay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidThresholds)
	}
	return nil
}
