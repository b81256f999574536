// Package ingest feeds detection payloads and device events from the
// transports (HTTP metadata uploads, MQTT) into the device state store.
package ingest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aitrios-samples/people-monitor/internal/detect"
	"github.com/aitrios-samples/people-monitor/internal/logger"
	"github.com/aitrios-samples/people-monitor/internal/metrics"
	"github.com/aitrios-samples/people-monitor/internal/state"
)

// ErrEmptyEnvelope is returned when an inference envelope carries no
// decodable payload.
var ErrEmptyEnvelope = errors.New("ingest: envelope contains no inference payload")

// Adapter routes transport-level events into the store and classifies
// the outcome for metrics. It is safe for concurrent use.
type Adapter struct {
	store   *state.Store
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewAdapter(store *state.Store, m *metrics.Metrics) *Adapter {
	return &Adapter{store: store, metrics: m, now: time.Now}
}

// inferenceEnvelope is the vendor upload format: inference results arrive
// as base64-encoded binary blobs inside a JSON wrapper.
type inferenceEnvelope struct {
	DeviceID   string `json:"DeviceID"`
	Inferences []struct {
		T string `json:"T"`
		O string `json:"O"`
	} `json:"Inferences"`
}

// OnDetectionPayload ingests one raw detection payload for a device. The
// returned error reflects why a payload was dropped; dropped payloads never
// modify device state.
func (a *Adapter) OnDetectionPayload(deviceID string, payload []byte, receivedAt time.Time) error {
	err := a.store.Ingest(deviceID, payload, receivedAt)
	switch {
	case err == nil:
		a.metrics.PayloadsIngested.Add(1)
	case errors.Is(err, state.ErrUnknownDevice):
		a.metrics.UnknownDevicePayloads.Add(1)
		logger.Debug("Ingest", "Dropped payload for unknown device %q", deviceID)
	case errors.Is(err, state.ErrStalePayload):
		a.metrics.PayloadsStale.Add(1)
		logger.Debug("Ingest", "Dropped stale payload for %q", deviceID)
	case isDecodeError(err):
		a.metrics.DecodeErrors.Add(1)
		logger.Warn("Ingest", "Decode failure for %q: %v", deviceID, err)
	default:
		logger.Warn("Ingest", "Payload for %q rejected: %v", deviceID, err)
	}
	return err
}

// IngestEnvelope ingests a vendor JSON envelope. Envelopes can carry more
// than one inference blob; each is tried in order until one is accepted.
func (a *Adapter) IngestEnvelope(deviceID string, body []byte, receivedAt time.Time) error {
	var env inferenceEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("ingest: invalid envelope: %w", err)
	}
	if deviceID == "" {
		deviceID = env.DeviceID
	}

	lastErr := ErrEmptyEnvelope
	for _, inf := range env.Inferences {
		if inf.O == "" {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(inf.O)
		if err != nil {
			lastErr = fmt.Errorf("ingest: invalid base64 payload: %w", err)
			continue
		}
		if err := a.OnDetectionPayload(deviceID, payload, receivedAt); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// OnConnectivityChange records a connect/disconnect event. Occupancy is
// not touched: a device going offline keeps its last label.
func (a *Adapter) OnConnectivityChange(deviceID string, connected bool) {
	if err := a.store.SetConnected(deviceID, connected); err != nil {
		logger.Debug("Ingest", "Connectivity event for unknown device %q ignored", deviceID)
		return
	}
	logger.Info("Ingest", "Device %q connected=%v", deviceID, connected)
}

// OnInferenceStateChange records whether a device is actively streaming
// inference results.
func (a *Adapter) OnInferenceStateChange(deviceID string, active bool) {
	if err := a.store.SetInferenceActive(deviceID, active); err != nil {
		logger.Debug("Ingest", "Inference state event for unknown device %q ignored", deviceID)
	}
}

func isDecodeError(err error) bool {
	return errors.Is(err, detect.ErrTruncated) ||
		errors.Is(err, detect.ErrUnsupportedSchema) ||
		errors.Is(err, detect.ErrFieldRange)
}
