// v0
// internal/settings/provider.go
package settings

import "github.com/hzj1203/BYD/internal/models"

// Provider is the read side consumed by the monitor and the dispatcher,
// plus the two mutations the core flow needs.
type Provider interface {
	Thresholds() ThresholdConfig
	TargetDevices() models.DeviceSet
	VehicleID() string
	Credential() string
	Snapshot() Snapshot
	SetThresholds(ThresholdConfig) error
	SetTargetDevices(models.DeviceSet) error
}

// Editor is the full mutation surface used by the control API.
type Editor interface {
	Provider
	SetAutoUnlockEnabled(bool) error
	SetAutoLockEnabled(bool) error
	AddTargetDevice(models.DeviceIdentity) error
	RemoveTargetDevice(addr string) error
	SetVehicleID(string) error
	SetCredential(access, refresh string) error
	SetNotificationsEnabled(bool) error
	Clear() error
}

// Snapshot is a consistent copy of all settings.
type Snapshot struct {
	Thresholds           ThresholdConfig
	Targets              models.DeviceSet
	VehicleID            string
	Credential           string
	RefreshToken         string
	NotificationsEnabled bool
}

func defaultSnapshot() Snapshot {
	return Snapshot{
		Thresholds:           DefaultThresholds(),
		Targets:              models.NewDeviceSet(),
		NotificationsEnabled: true,
	}
}
