// v0
// internal/api/vehicle.go
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hzj1203/BYD/internal/models"
	"github.com/hzj1203/BYD/internal/remote"
)

type manualResponse struct {
	IntentID string         `json:"intentId"`
	Kind     models.Kind    `json:"kind"`
	Record   *models.Record `json:"record,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// manual queues a lock or unlock. With ?wait=true the handler holds the
// request until the actuation ends or the client goes away.
func (s *server) manual(kind models.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Control == nil {
			writeError(w, http.StatusServiceUnavailable, "manual control unavailable")
			return
		}
		wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
		task, err := s.Control.Manual(r.Context(), kind)
		if err != nil {
			s.Log.Error("manual_request_err", slog.String("kind", string(kind)), slog.Any("err", err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		resp := manualResponse{Kind: kind}
		if task == nil {
			writeJSON(w, http.StatusAccepted, resp)
			return
		}
		resp.IntentID = task.Intent().ID
		if !wait {
			writeJSON(w, http.StatusAccepted, resp)
			return
		}
		rec, err := task.Wait(r.Context())
		resp.Record = &rec
		if err != nil {
			resp.Error = err.Error()
			writeJSON(w, http.StatusBadGateway, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *server) vehicleStatus(w http.ResponseWriter, r *http.Request) {
	if s.Vehicle == nil {
		writeError(w, http.StatusServiceUnavailable, "vehicle status unavailable")
		return
	}
	snap := s.Settings.Snapshot()
	if snap.VehicleID == "" {
		writeError(w, http.StatusConflict, "vehicle id not configured")
		return
	}
	st, err := s.Vehicle.Status(r.Context(), snap.VehicleID, snap.Credential)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case errors.Is(err, remote.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		s.Log.Error("vehicle_status_err", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
