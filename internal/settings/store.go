// v0
// internal/settings/store.go
package settings

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hzj1203/BYD/internal/models"
)

const fileVersion = 1

// Store is the settings Editor. When opened on a path every mutation is
// written to a YAML file before it becomes visible; NewMemory builds a
// store that never touches disk.
type Store struct {
	mu      sync.RWMutex
	snap    Snapshot
	path    string
	salt    []byte
	seal    *sealer
	lg      *slog.Logger
	loadErr error
}

// ErrInvalidDevice rejects a target device without an address.
var ErrInvalidDevice = errors.New("device address required")

// NewMemory returns an in-process store seeded with s. Invalid thresholds
// are replaced by the defaults.
func NewMemory(s Snapshot) *Store {
	st := &Store{snap: s, lg: slog.New(slog.NewTextHandler(io.Discard, nil))}
	st.snap.Targets = models.NewDeviceSet(s.Targets.List()...)
	if err := s.Thresholds.Validate(); err != nil {
		st.snap.Thresholds = DefaultThresholds()
		st.loadErr = err
	}
	return st
}

// Open loads the settings file at path, creating it with defaults if it
// does not exist. Credentials are sealed with a key derived from
// passphrase, or from a random key file at path+".key" when passphrase is
// empty.
//
// Invalid thresholds in the file do not fail Open: the defaults are used
// and the problem is reported by LoadErr.
func Open(path, passphrase string, lg *slog.Logger) (*Store, error) {
	if lg == nil {
		lg = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("settings dir: %w", err)
	}
	secret := []byte(passphrase)
	if len(secret) == 0 {
		k, err := loadOrCreateKey(path + ".key")
		if err != nil {
			return nil, err
		}
		secret = k
	}

	st := &Store{path: path, lg: lg, snap: defaultSnapshot()}
	fm, err := readFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		salt, serr := newSalt()
		if serr != nil {
			return nil, serr
		}
		st.salt = salt
		if st.seal, err = newSealer(secret, salt); err != nil {
			return nil, err
		}
		if err := st.persist(st.snap); err != nil {
			return nil, err
		}
		lg.Info("settings_created", "path", path)
		return st, nil
	case err != nil:
		return nil, err
	}

	if st.salt, err = base64.StdEncoding.DecodeString(fm.Salt); err != nil || len(st.salt) == 0 {
		if st.salt, err = newSalt(); err != nil {
			return nil, err
		}
	}
	if st.seal, err = newSealer(secret, st.salt); err != nil {
		return nil, err
	}
	snap, err := st.decode(fm)
	if err != nil {
		return nil, err
	}
	if verr := snap.Thresholds.Validate(); verr != nil {
		lg.Warn("settings_thresholds_invalid", "path", path, "error", verr, "fallback", "defaults")
		snap.Thresholds = DefaultThresholds()
		st.loadErr = verr
	}
	st.snap = snap
	lg.Info("settings_loaded", "path", path, "targets", snap.Targets.Len(), "vin_set", snap.VehicleID != "")
	return st, nil
}

// LoadErr reports the validation problem found by the last load, if any.
func (s *Store) LoadErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadErr
}

// Reload re-reads the file. Invalid thresholds keep the last-known-good
// values and are returned as an error wrapping ErrInvalidThresholds.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	fm, err := readFile(s.path)
	if err != nil {
		return err
	}
	snap, err := s.decode(fm)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	verr := snap.Thresholds.Validate()
	if verr != nil {
		s.lg.Warn("settings_thresholds_invalid", "path", s.path, "error", verr, "fallback", "last_known_good")
		snap.Thresholds = s.snap.Thresholds
	}
	s.snap = snap
	s.loadErr = verr
	return verr
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Store) Thresholds() ThresholdConfig { return s.Snapshot().Thresholds }

func (s *Store) TargetDevices() models.DeviceSet { return s.Snapshot().Targets }

func (s *Store) VehicleID() string { return s.Snapshot().VehicleID }

func (s *Store) Credential() string { return s.Snapshot().Credential }

func (s *Store) SetThresholds(t ThresholdConfig) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.update(func(n *Snapshot) error {
		n.Thresholds = t
		return nil
	})
}

func (s *Store) SetAutoUnlockEnabled(on bool) error {
	return s.update(func(n *Snapshot) error {
		n.Thresholds.AutoUnlockEnabled = on
		return nil
	})
}

func (s *Store) SetAutoLockEnabled(on bool) error {
	return s.update(func(n *Snapshot) error {
		n.Thresholds.AutoLockEnabled = on
		return nil
	})
}

func (s *Store) SetTargetDevices(set models.DeviceSet) error {
	return s.update(func(n *Snapshot) error {
		n.Targets = models.NewDeviceSet(set.List()...)
		return nil
	})
}

func (s *Store) AddTargetDevice(d models.DeviceIdentity) error {
	d = models.NewDevice(d.Address, d.Name)
	if d.Address == "" {
		return ErrInvalidDevice
	}
	return s.update(func(n *Snapshot) error {
		n.Targets = n.Targets.With(d)
		return nil
	})
}

func (s *Store) RemoveTargetDevice(addr string) error {
	return s.update(func(n *Snapshot) error {
		n.Targets = n.Targets.Without(addr)
		return nil
	})
}

func (s *Store) SetVehicleID(vin string) error {
	return s.update(func(n *Snapshot) error {
		n.VehicleID = strings.TrimSpace(vin)
		return nil
	})
}

func (s *Store) SetCredential(access, refresh string) error {
	return s.update(func(n *Snapshot) error {
		n.Credential = access
		n.RefreshToken = refresh
		return nil
	})
}

func (s *Store) SetNotificationsEnabled(on bool) error {
	return s.update(func(n *Snapshot) error {
		n.NotificationsEnabled = on
		return nil
	})
}

// Clear drops every stored value and restores the defaults.
func (s *Store) Clear() error {
	return s.update(func(n *Snapshot) error {
		*n = defaultSnapshot()
		return nil
	})
}

// update applies fn to a copy and publishes it once persisted.
func (s *Store) update(fn func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.snap = next
	s.loadErr = nil
	return nil
}

type fileThresholds struct {
	UnlockDbm     int   `yaml:"unlock_dbm"`
	LockDbm       int   `yaml:"lock_dbm"`
	UnlockDelayMs int64 `yaml:"unlock_delay_ms"`
	LockDelayMs   int64 `yaml:"lock_delay_ms"`
	AutoUnlock    bool  `yaml:"auto_unlock"`
	AutoLock      bool  `yaml:"auto_lock"`
}

type fileVehicle struct {
	VIN          string `yaml:"vin"`
	AccessToken  string `yaml:"access_token,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
}

type fileModel struct {
	Version       int                     `yaml:"version"`
	Salt          string                  `yaml:"salt"`
	Vehicle       fileVehicle             `yaml:"vehicle"`
	Thresholds    fileThresholds          `yaml:"thresholds"`
	Notifications bool                    `yaml:"notifications"`
	Targets       []models.DeviceIdentity `yaml:"targets"`
}

func readFile(path string) (fileModel, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return fileModel{}, err
	}
	d := DefaultThresholds()
	fm := fileModel{
		Thresholds: fileThresholds{
			UnlockDbm:     d.UnlockThresholdDbm,
			LockDbm:       d.LockThresholdDbm,
			UnlockDelayMs: d.UnlockDelay.Milliseconds(),
			LockDelayMs:   d.LockDelay.Milliseconds(),
			AutoUnlock:    d.AutoUnlockEnabled,
			AutoLock:      d.AutoLockEnabled,
		},
		Notifications: true,
	}
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return fm, nil
}

func (s *Store) decode(fm fileModel) (Snapshot, error) {
	access, err := s.seal.open(fm.Vehicle.AccessToken)
	if err != nil {
		return Snapshot{}, fmt.Errorf("unseal access token: %w", err)
	}
	refresh, err := s.seal.open(fm.Vehicle.RefreshToken)
	if err != nil {
		return Snapshot{}, fmt.Errorf("unseal refresh token: %w", err)
	}
	return Snapshot{
		Thresholds: ThresholdConfig{
			UnlockThresholdDbm: fm.Thresholds.UnlockDbm,
			LockThresholdDbm:   fm.Thresholds.LockDbm,
			UnlockDelay:        time.Duration(fm.Thresholds.UnlockDelayMs) * time.Millisecond,
			LockDelay:          time.Duration(fm.Thresholds.LockDelayMs) * time.Millisecond,
			AutoUnlockEnabled:  fm.Thresholds.AutoUnlock,
			AutoLockEnabled:    fm.Thresholds.AutoLock,
		},
		Targets:              models.NewDeviceSet(fm.Targets...),
		VehicleID:            fm.Vehicle.VIN,
		Credential:           access,
		RefreshToken:         refresh,
		NotificationsEnabled: fm.Notifications,
	}, nil
}

// persist writes snap atomically. No-op for memory stores.
func (s *Store) persist(snap Snapshot) error {
	if s.path == "" {
		return nil
	}
	access, err := s.seal.seal(snap.Credential)
	if err != nil {
		return err
	}
	refresh, err := s.seal.seal(snap.RefreshToken)
	if err != nil {
		return err
	}
	t := snap.Thresholds
	fm := fileModel{
		Version: fileVersion,
		Salt:    base64.StdEncoding.EncodeToString(s.salt),
		Vehicle: fileVehicle{VIN: snap.VehicleID, AccessToken: access, RefreshToken: refresh},
		Thresholds: fileThresholds{
			UnlockDbm:     t.UnlockThresholdDbm,
			LockDbm:       t.LockThresholdDbm,
			UnlockDelayMs: t.UnlockDelay.Milliseconds(),
			LockDelayMs:   t.LockDelay.Milliseconds(),
			AutoUnlock:    t.AutoUnlockEnabled,
			AutoLock:      t.AutoLockEnabled,
		},
		Notifications: snap.NotificationsEnabled,
		Targets:       snap.Targets.List(),
	}
	b, err := yaml.Marshal(&fm)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*")
	if err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist settings: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	return nil
}
