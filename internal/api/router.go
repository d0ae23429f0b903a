// v0
// internal/api/router.go
package api

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/hzj1203/BYD/internal/actuation"
	"github.com/hzj1203/BYD/internal/metrics"
	"github.com/hzj1203/BYD/internal/models"
	"github.com/hzj1203/BYD/internal/settings"
	"github.com/hzj1203/BYD/internal/status"
)

// Controller accepts manual lock and unlock requests.
type Controller interface {
	Manual(ctx context.Context, kind models.Kind) (*actuation.Task, error)
}

// VehicleStatusReader reports the remotely known vehicle state.
type VehicleStatusReader interface {
	Status(ctx context.Context, vin, credential string) (models.VehicleStatus, error)
}

type Deps struct {
	Health   *HealthState
	Board    *status.Board
	Settings settings.Editor
	Control  Controller
	Vehicle  VehicleStatusReader
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

type server struct {
	Deps
}

// NewRouter wires every route and wraps the result with access logging
// and panic recovery.
func NewRouter(d Deps) http.Handler {
	if d.Health == nil {
		d.Health = NewHealthState()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	s := &server{Deps: d}
	r := mux.NewRouter()

	route := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, d.Metrics.WrapHandler(path, h)).Methods(methods...)
	}
	route("/health", s.health, http.MethodGet)
	route("/ready", s.ready, http.MethodGet)
	route("/status", s.status, http.MethodGet)

	route("/vehicle/lock", s.manual(models.KindLock), http.MethodPost)
	route("/vehicle/unlock", s.manual(models.KindUnlock), http.MethodPost)
	route("/vehicle/status", s.vehicleStatus, http.MethodGet)

	route("/settings", s.getSettings, http.MethodGet)
	route("/settings", s.clearSettings, http.MethodDelete)
	route("/settings/thresholds", s.putThresholds, http.MethodPut)
	route("/settings/auto", s.putAuto, http.MethodPut)
	route("/settings/vehicle", s.putVehicle, http.MethodPut)
	route("/settings/targets", s.getTargets, http.MethodGet)
	route("/settings/targets", s.putTargets, http.MethodPut)
	route("/settings/targets", s.addTarget, http.MethodPost)
	route("/settings/targets/{address}", s.removeTarget, http.MethodDelete)

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(log.Default()),
		handlers.PrintRecoveryStack(false),
	)
	return handlers.LoggingHandler(log.Writer(), recovery(r))
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) ready(w http.ResponseWriter, _ *http.Request) {
	if !s.Health.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Board.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
