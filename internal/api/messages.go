// Package api defines the JSON payloads shared by the HTTP and WebSocket
// surfaces.
package api

import (
	"github.com/skobkin/gputune/internal/device"
	"github.com/skobkin/gputune/internal/sampler"
	"github.com/skobkin/gputune/internal/tuning"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type          string          `json:"type"`
	IntervalMS    int             `json:"interval_ms"`
	Devices       []device.Device `json:"devices"`
	DefaultDevice string          `json:"default_device,omitempty"`
	Features      map[string]bool `json:"features"`
	HistorySize   int             `json:"history_size"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, devices []device.Device, defaultDevice string, features map[string]bool, historySize int) HelloMessage {
	return HelloMessage{
		Type:          "hello",
		IntervalMS:    intervalMS,
		Devices:       devices,
		DefaultDevice: defaultDevice,
		Features:      features,
		HistorySize:   historySize,
	}
}

// StatsMessage wraps a sampler snapshot for transport.
type StatsMessage struct {
	Type string `json:"type"`
	sampler.Sample
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(sample sampler.Sample) StatsMessage {
	return StatsMessage{
		Type:   "stats",
		Sample: sample,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Client message types.
const (
	ClientSubscribe = "subscribe"
	ClientHistory   = "history"
	ClientApply     = "apply"
	ClientPing      = "ping"
)

// ClientMessage is an inbound WebSocket request. DeviceID defaults to the
// connection's current device; Metric only applies to history requests.
type ClientMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id,omitempty"`
	Metric   string `json:"metric,omitempty"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// HistoryMessage answers a history request over WebSocket.
type HistoryMessage struct {
	Type string `json:"type"`
	HistoryResponse
}

// ApplyResultMessage reports a tuning apply requested over WebSocket.
type ApplyResultMessage struct {
	Type    string              `json:"type"`
	Outcome tuning.ApplyOutcome `json:"outcome"`
}

// ErrorResponse is the JSON body of failed REST calls.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HistoryResponse carries a device history, either whole samples or one series.
type HistoryResponse struct {
	DeviceID string           `json:"device_id"`
	Capacity int              `json:"capacity"`
	Metric   string           `json:"metric,omitempty"`
	Samples  []sampler.Sample `json:"samples,omitempty"`
	Values   []float64        `json:"values,omitempty"`
}

// TargetResponse carries the staged tuning target of a device.
type TargetResponse struct {
	DeviceID string        `json:"device_id"`
	Target   tuning.Target `json:"target"`
}

// RefreshResponse reports a device refresh.
type RefreshResponse struct {
	Devices []device.Device `json:"devices"`
	Added   []string        `json:"added"`
	Removed []string        `json:"removed"`
}
