// v0
// internal/api/settings.go
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hzj1203/BYD/internal/models"
	"github.com/hzj1203/BYD/internal/settings"
)

type thresholdsBody struct {
	UnlockThresholdDbm int   `json:"unlockThresholdDbm"`
	LockThresholdDbm   int   `json:"lockThresholdDbm"`
	UnlockDelayMs      int64 `json:"unlockDelayMs"`
	LockDelayMs        int64 `json:"lockDelayMs"`
	AutoUnlockEnabled  bool  `json:"autoUnlockEnabled"`
	AutoLockEnabled    bool  `json:"autoLockEnabled"`
}

func thresholdsView(t settings.ThresholdConfig) thresholdsBody {
	return thresholdsBody{
		UnlockThresholdDbm: t.UnlockThresholdDbm,
		LockThresholdDbm:   t.LockThresholdDbm,
		UnlockDelayMs:      t.UnlockDelay.Milliseconds(),
		LockDelayMs:        t.LockDelay.Milliseconds(),
		AutoUnlockEnabled:  t.AutoUnlockEnabled,
		AutoLockEnabled:    t.AutoLockEnabled,
	}
}

func (b thresholdsBody) config() settings.ThresholdConfig {
	return settings.ThresholdConfig{
		UnlockThresholdDbm: b.UnlockThresholdDbm,
		LockThresholdDbm:   b.LockThresholdDbm,
		UnlockDelay:        time.Duration(b.UnlockDelayMs) * time.Millisecond,
		LockDelay:          time.Duration(b.LockDelayMs) * time.Millisecond,
		AutoUnlockEnabled:  b.AutoUnlockEnabled,
		AutoLockEnabled:    b.AutoLockEnabled,
	}
}

// settingsView never carries the tokens, only whether one is stored.
type settingsView struct {
	VehicleID            string                  `json:"vehicleId"`
	HasCredential        bool                    `json:"hasCredential"`
	NotificationsEnabled bool                    `json:"notificationsEnabled"`
	Thresholds           thresholdsBody          `json:"thresholds"`
	Targets              []models.DeviceIdentity `json:"targets"`
}

func (s *server) view() settingsView {
	snap := s.Settings.Snapshot()
	return settingsView{
		VehicleID:            snap.VehicleID,
		HasCredential:        snap.Credential != "",
		NotificationsEnabled: snap.NotificationsEnabled,
		Thresholds:           thresholdsView(snap.Thresholds),
		Targets:              snap.Targets.List(),
	}
}

func (s *server) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.view())
}

func (s *server) clearSettings(w http.ResponseWriter, _ *http.Request) {
	if err := s.Settings.Clear(); err != nil {
		s.saveFailed(w, err)
		return
	}
	s.Log.Info("settings_cleared")
	writeJSON(w, http.StatusOK, s.view())
}

func (s *server) putThresholds(w http.ResponseWriter, r *http.Request) {
	var body thresholdsBody
	if !decode(w, r, &body) {
		return
	}
	if err := s.Settings.SetThresholds(body.config()); err != nil {
		s.saveFailed(w, err)
		return
	}
	s.Log.Info("thresholds_updated", slog.Int("unlockDbm", body.UnlockThresholdDbm), slog.Int("lockDbm", body.LockThresholdDbm))
	writeJSON(w, http.StatusOK, s.view())
}

type autoBody struct {
	AutoUnlock    *bool `json:"autoUnlockEnabled"`
	AutoLock      *bool `json:"autoLockEnabled"`
	Notifications *bool `json:"notificationsEnabled"`
}

func (s *server) putAuto(w http.ResponseWriter, r *http.Request) {
	var body autoBody
	if !decode(w, r, &body) {
		return
	}
	if body.AutoUnlock != nil {
		if err := s.Settings.SetAutoUnlockEnabled(*body.AutoUnlock); err != nil {
			s.saveFailed(w, err)
			return
		}
	}
	if body.AutoLock != nil {
		if err := s.Settings.SetAutoLockEnabled(*body.AutoLock); err != nil {
			s.saveFailed(w, err)
			return
		}
	}
	if body.Notifications != nil {
		if err := s.Settings.SetNotificationsEnabled(*body.Notifications); err != nil {
			s.saveFailed(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.view())
}

type vehicleBody struct {
	VIN          string `json:"vin"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (s *server) putVehicle(w http.ResponseWriter, r *http.Request) {
	var body vehicleBody
	if !decode(w, r, &body) {
		return
	}
	if body.VIN == "" && body.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "vin or accessToken required")
		return
	}
	if body.VIN != "" {
		if err := s.Settings.SetVehicleID(body.VIN); err != nil {
			s.saveFailed(w, err)
			return
		}
	}
	if body.AccessToken != "" {
		if err := s.Settings.SetCredential(body.AccessToken, body.RefreshToken); err != nil {
			s.saveFailed(w, err)
			return
		}
	}
	s.Log.Info("vehicle_updated", slog.String("vin", s.Settings.VehicleID()), slog.Bool("credential", body.AccessToken != ""))
	writeJSON(w, http.StatusOK, s.view())
}

func (s *server) getTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Settings.TargetDevices().List())
}

func (s *server) putTargets(w http.ResponseWriter, r *http.Request) {
	var body []models.DeviceIdentity
	if !decode(w, r, &body) {
		return
	}
	for _, d := range body {
		if models.NormalizeAddress(d.Address) == "" {
			writeError(w, http.StatusBadRequest, settings.ErrInvalidDevice.Error())
			return
		}
	}
	if err := s.Settings.SetTargetDevices(models.NewDeviceSet(body...)); err != nil {
		s.saveFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Settings.TargetDevices().List())
}

func (s *server) addTarget(w http.ResponseWriter, r *http.Request) {
	var body models.DeviceIdentity
	if !decode(w, r, &body) {
		return
	}
	if err := s.Settings.AddTargetDevice(body); err != nil {
		s.saveFailed(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Settings.TargetDevices().List())
}

func (s *server) removeTarget(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !s.Settings.TargetDevices().Contains(addr) {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	if err := s.Settings.RemoveTargetDevice(addr); err != nil {
		s.saveFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Settings.TargetDevices().List())
}

func (s *server) saveFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, settings.ErrInvalidThresholds) || errors.Is(err, settings.ErrInvalidDevice) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.Log.Error("settings_save_err", slog.Any("err", err))
	writeError(w, http.StatusInternalServerError, "could not save settings")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}
