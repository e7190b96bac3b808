package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/openaccel/npud/pkg/npu"
)

// Service is the subset of the manager the HTTP surface depends on.
type Service interface {
	HALInfo() npu.HALInfo
	Devices() []npu.Device
	Device(id npu.DeviceID) (npu.Device, error)
	SubmitTask(ctx context.Context, task npu.InferenceTask) (npu.TaskID, error)
	CancelTask(ctx context.Context, id npu.TaskID) error
	TaskStatus(id npu.TaskID) (npu.TaskStatus, bool)
	TaskResult(id npu.TaskID) (*npu.InferenceResponse, bool)
	TaskAllocation(id npu.TaskID) (npu.ResourceAllocation, bool)
	UsageStats(ctx context.Context) npu.UsageStats
}

var _ Service = (*npu.Manager)(nil)

// NewMux builds the router for the daemon API. Every mux carries its own
// prometheus registry so tests can build multiple muxes in one process.
func NewMux(svc Service, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Use(requestLogger(logger))
	r.Use(metricsMiddleware())

	h := &handler{svc: svc, logger: logger}

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", metricsHandler(svc))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/hal", h.halInfo)
		r.Get("/devices", h.listDevices)
		r.Get("/devices/{id}", h.getDevice)
		r.Get("/devices/{id}/health", h.getDeviceHealth)
		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Delete("/tasks/{id}", h.cancelTask)
		r.Get("/stats", h.usageStats)
	})

	return r
}

type handler struct {
	svc    Service
	logger zerolog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

// deviceView is the wire form of a device listing entry.
type deviceView struct {
	Info         npu.DeviceInfo    `json:"info"`
	Capabilities *npu.Capabilities `json:"capabilities"`
	Available    bool              `json:"available"`
	PowerState   npu.PowerState    `json:"powerState"`
}

// taskView reports everything known about a submitted task.
type taskView struct {
	ID         npu.TaskID              `json:"id"`
	Status     npu.TaskStatus          `json:"status"`
	Allocation *npu.ResourceAllocation `json:"allocation,omitempty"`
	Result     *npu.InferenceResponse  `json:"result,omitempty"`
}

type submitResponse struct {
	ID npu.TaskID `json:"id"`
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) halInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.HALInfo())
}

func (h *handler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.svc.Devices()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, buildDeviceView(r, d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Device(npu.DeviceID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildDeviceView(r, d))
}

func (h *handler) getDeviceHealth(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Device(npu.DeviceID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	health, err := d.Health(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var task npu.InferenceTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task payload: " + err.Error()})
		return
	}
	// The scheduler assigns task identity; a client-supplied ID is ignored.
	task.ID = 0
	id, err := h.svc.SubmitTask(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	tasksSubmitted.WithLabelValues(task.Priority.String()).Inc()
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	status, ok := h.svc.TaskStatus(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}
	view := taskView{ID: id, Status: status}
	if alloc, ok := h.svc.TaskAllocation(id); ok {
		view.Allocation = &alloc
	}
	if result, ok := h.svc.TaskResult(id); ok {
		view.Result = result
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	if _, known := h.svc.TaskStatus(id); !known {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}
	if err := h.svc.CancelTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) usageStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.UsageStats(r.Context()))
}

func buildDeviceView(r *http.Request, d npu.Device) deviceView {
	state, err := d.PowerState(r.Context())
	if err != nil {
		state = npu.PowerStateOffline
	}
	return deviceView{
		Info:         d.Info(),
		Capabilities: d.Capabilities(),
		Available:    d.IsAvailable(r.Context()),
		PowerState:   state,
	}
}

func parseTaskID(w http.ResponseWriter, r *http.Request) (npu.TaskID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task id: " + raw})
		return 0, false
	}
	return npu.TaskID(id), true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, npu.ErrDeviceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, npu.ErrInsufficientResources), errors.Is(err, npu.ErrDeviceUnavailable):
		status = http.StatusConflict
	case errors.Is(err, npu.ErrConfig):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
