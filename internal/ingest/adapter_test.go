package ingest

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitrios-samples/people-monitor/internal/detect"
	"github.com/aitrios-samples/people-monitor/internal/metrics"
	"github.com/aitrios-samples/people-monitor/internal/state"
	"github.com/aitrios-samples/people-monitor/pkg/types"
)

func newTestAdapter(t *testing.T) (*Adapter, *state.Store, *metrics.Metrics) {
	t.Helper()
	s := state.NewStore(state.DefaultSlotCount, state.DefaultVacancyTimeout)
	require.NoError(t, s.Assign(0, "Aid-1", "Entrance"))
	m := metrics.New()
	return NewAdapter(s, m), s, m
}

func people(n int) []byte {
	records := make([]types.DetectionRecord, n)
	for i := range records {
		records[i] = types.DetectionRecord{ClassID: types.PersonClassID, Confidence: 0.9, X1: 10, Y1: 10}
	}
	return detect.Encode(records)
}

func envelope(deviceID string, payloads ...[]byte) []byte {
	body := fmt.Sprintf(`{"DeviceID":%q,"Inferences":[`, deviceID)
	for i, p := range payloads {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"T":"20260310090000000","O":%q}`, base64.StdEncoding.EncodeToString(p))
	}
	return []byte(body + "]}")
}

func TestOnDetectionPayload(t *testing.T) {
	a, s, m := newTestAdapter(t)

	require.NoError(t, a.OnDetectionPayload("Aid-1", people(2), time.Now()))
	assert.Equal(t, uint64(1), m.PayloadsIngested.Load())
	assert.Equal(t, 2, s.SnapshotDevices()[0].PeopleCount)
}

func TestOnDetectionPayloadUnknownDeviceCounted(t *testing.T) {
	a, _, m := newTestAdapter(t)

	err := a.OnDetectionPayload("Aid-nope", people(1), time.Now())
	assert.ErrorIs(t, err, state.ErrUnknownDevice)
	assert.Equal(t, uint64(1), m.UnknownDevicePayloads.Load())
	assert.Zero(t, m.PayloadsIngested.Load())
}

func TestOnDetectionPayloadStaleCounted(t *testing.T) {
	a, _, m := newTestAdapter(t)

	now := time.Now()
	require.NoError(t, a.OnDetectionPayload("Aid-1", people(1), now))

	err := a.OnDetectionPayload("Aid-1", people(0), now.Add(-time.Second))
	assert.ErrorIs(t, err, state.ErrStalePayload)
	assert.Equal(t, uint64(1), m.PayloadsStale.Load())
}

func TestOnDetectionPayloadDecodeErrorCounted(t *testing.T) {
	a, s, m := newTestAdapter(t)

	err := a.OnDetectionPayload("Aid-1", []byte{0x01, 0x02}, time.Now())
	assert.ErrorIs(t, err, detect.ErrTruncated)
	assert.Equal(t, uint64(1), m.DecodeErrors.Load())
	assert.Equal(t, types.OccupancyUnknown, s.SnapshotDevices()[0].Occupancy)
}

func TestIngestEnvelope(t *testing.T) {
	a, s, m := newTestAdapter(t)

	require.NoError(t, a.IngestEnvelope("Aid-1", envelope("Aid-1", people(3)), time.Now()))
	assert.Equal(t, uint64(1), m.PayloadsIngested.Load())
	assert.Equal(t, 3, s.SnapshotDevices()[0].PeopleCount)
}

func TestIngestEnvelopeDeviceIDFromBody(t *testing.T) {
	a, s, _ := newTestAdapter(t)

	// HTTP uploads without a path device id fall back to the envelope's.
	require.NoError(t, a.IngestEnvelope("", envelope("Aid-1", people(1)), time.Now()))
	assert.Equal(t, 1, s.SnapshotDevices()[0].PeopleCount)
}

func TestIngestEnvelopeTriesEachInference(t *testing.T) {
	a, s, m := newTestAdapter(t)

	// First blob is truncated, second is fine.
	require.NoError(t, a.IngestEnvelope("Aid-1", envelope("Aid-1", people(2)[:6], people(2)), time.Now()))
	assert.Equal(t, uint64(1), m.DecodeErrors.Load())
	assert.Equal(t, uint64(1), m.PayloadsIngested.Load())
	assert.Equal(t, 2, s.SnapshotDevices()[0].PeopleCount)
}

func TestIngestEnvelopeEmpty(t *testing.T) {
	a, _, _ := newTestAdapter(t)

	err := a.IngestEnvelope("Aid-1", []byte(`{"DeviceID":"Aid-1","Inferences":[]}`), time.Now())
	assert.ErrorIs(t, err, ErrEmptyEnvelope)

	err = a.IngestEnvelope("Aid-1", []byte(`{"DeviceID":"Aid-1","Inferences":[{"T":"x","O":""}]}`), time.Now())
	assert.ErrorIs(t, err, ErrEmptyEnvelope)
}

func TestIngestEnvelopeInvalidJSON(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	assert.Error(t, a.IngestEnvelope("Aid-1", []byte("not json"), time.Now()))
}

func TestConnectivityChange(t *testing.T) {
	a, s, _ := newTestAdapter(t)
	require.NoError(t, a.OnDetectionPayload("Aid-1", people(1), time.Now()))

	a.OnConnectivityChange("Aid-1", false)
	view := s.SnapshotDevices()[0]
	assert.False(t, view.Connected)
	assert.Equal(t, types.OccupancyOccupied, view.Occupancy)

	// Unknown devices are ignored, not an error path.
	a.OnConnectivityChange("Aid-ghost", true)
}

func TestInferenceStateChange(t *testing.T) {
	a, s, _ := newTestAdapter(t)

	a.OnInferenceStateChange("Aid-1", true)
	assert.True(t, s.SnapshotDevices()[0].InferenceActive)
}
