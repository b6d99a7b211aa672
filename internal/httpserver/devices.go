package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/skobkin/gputune/internal/api"
	"github.com/skobkin/gputune/internal/device"
	"github.com/skobkin/gputune/internal/monitor"
	"github.com/skobkin/gputune/internal/sampler"
	"github.com/skobkin/gputune/internal/tuning"
)

var apiRoutes = []string{
	"GET /api/status",
	"GET /api/devices",
	"POST /api/devices/refresh",
	"GET /api/devices/{id}",
	"GET /api/devices/{id}/metrics",
	"GET /api/devices/{id}/history[?metric=name]",
	"GET /api/devices/{id}/target",
	"PUT /api/devices/{id}/target",
	"POST /api/devices/{id}/apply",
	"POST /api/devices/{id}/reset",
	"GET /ws",
}

func (s *Server) handleAPIIndex(w http.ResponseWriter, r *http.Request) {
	metrics := make([]string, 0, len(sampler.Metrics()))
	for _, m := range sampler.Metrics() {
		metrics = append(metrics, string(m))
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"routes":  apiRoutes,
		"metrics": metrics,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.monitor.ListDevices()
	if devices == nil {
		devices = []device.Device{}
	}
	s.writeJSON(w, r, http.StatusOK, devices)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := s.monitor.RefreshDevices(r.Context())
	if err != nil {
		s.writeMonitorError(w, r, err)
		return
	}
	resp := api.RefreshResponse{
		Devices: result.Devices,
		Added:   result.Added,
		Removed: result.Removed,
	}
	if resp.Devices == nil {
		resp.Devices = []device.Device{}
	}
	if resp.Added == nil {
		resp.Added = []string{}
	}
	if resp.Removed == nil {
		resp.Removed = []string{}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.monitor.Device(r.PathValue("id"))
	if err != nil {
		s.writeMonitorError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, dev)
}

func (s *Server) handleDeviceMetrics(w http.ResponseWriter, r *http.Request) {
	sample, err := s.monitor.LatestSample(r.PathValue("id"))
	if err != nil {
		s.writeMonitorError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, sample)
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	resp, err := s.history(r.PathValue("id"), r.URL.Query().Get("metric"))
	if err != nil {
		s.writeMonitorError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

// history returns whole samples, or one series when metric is set.
func (s *Server) history(id, metric string) (api.HistoryResponse, error) {
	resp := api.HistoryResponse{
		DeviceID: id,
		Capacity: s.monitor.Status().HistorySize,
	}
	if metric != "" {
		values, err := s.monitor.Series(id, metric)
		if err != nil {
			return api.HistoryResponse{}, err
		}
		resp.Metric = metric
		resp.Values = values
		return resp, nil
	}
	samples, err := s.monitor.HistoryView(id)
	if err != nil {
		return api.HistoryResponse{}, err
	}
	resp.Samples = samples
	return resp, nil
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	target, err := s.monitor.Target(id)
	if err != nil {
		s.writeMonitorError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.TargetResponse{DeviceID: id, Target: target})
}

func (s *Server) handlePutTarget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Fields missing from the payload keep their staged values.
	target, err := s.monitor.Target(id)
	if err != nil {
		s.writeMonitorError(w, r, err)
		return
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&target); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid target payload: "+err.Error())
		return
	}

	staged, err := s.monitor.Stage(id, target)
	if err != nil {
		s.writeMonitorError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.TargetResponse{DeviceID: id, Target: staged})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.apply(r.Context(), r.PathValue("id"), s.loggerFromContext(r.Context()))
	if err != nil {
		s.writeMonitorError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, outcome)
}

// apply writes the staged target and records the outcome in the tuning metrics.
func (s *Server) apply(ctx context.Context, id string, logger *slog.Logger) (tuning.ApplyOutcome, error) {
	outcome, err := s.monitor.Apply(ctx, id)
	if err != nil {
		return tuning.ApplyOutcome{}, err
	}
	s.applyTotal.WithLabelValues(outcome.DeviceID, outcome.Result).Inc()
	for _, field := range outcome.Fields {
		s.fieldWrites.WithLabelValues(field.Field, field.Status).Inc()
	}
	logger.Info("tuning apply finished", "device_id", outcome.DeviceID, "result", outcome.Result)
	return outcome, nil
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	target, err := s.monitor.ResetToDefault(id)
	if err != nil {
		s.writeMonitorError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.TargetResponse{DeviceID: id, Target: target})
}

func (s *Server) writeMonitorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, monitor.ErrUnknownDevice):
		s.writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, monitor.ErrUnknownMetric):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, monitor.ErrNoSample), errors.Is(err, device.ErrEnumerationFailed):
		s.writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		s.loggerFromContext(r.Context()).Error("request failed", "err", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
