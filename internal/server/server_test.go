package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitrios-samples/people-monitor/internal/config"
	"github.com/aitrios-samples/people-monitor/internal/detect"
	"github.com/aitrios-samples/people-monitor/internal/hub"
	"github.com/aitrios-samples/people-monitor/internal/ingest"
	"github.com/aitrios-samples/people-monitor/internal/metrics"
	"github.com/aitrios-samples/people-monitor/internal/monitor"
	"github.com/aitrios-samples/people-monitor/internal/platform"
	"github.com/aitrios-samples/people-monitor/internal/state"
	"github.com/aitrios-samples/people-monitor/pkg/types"
)

type fakeConsole struct {
	err     error
	started []string
	stopped []string
}

func (f *fakeConsole) GetConnectionState(context.Context, string) (platform.ConnectionState, error) {
	return platform.ConnectionState{}, f.err
}

func (f *fakeConsole) StartInference(_ context.Context, deviceID string) error {
	f.started = append(f.started, deviceID)
	return f.err
}

func (f *fakeConsole) StopInference(_ context.Context, deviceID string) error {
	f.stopped = append(f.stopped, deviceID)
	return f.err
}

type testEnv struct {
	srv     *httptest.Server
	store   *state.Store
	console *fakeConsole
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithSettings(t, nil)
}

func newTestEnvWithSettings(t *testing.T, settings SettingsStore) *testEnv {
	t.Helper()

	store := state.NewStore(state.DefaultSlotCount, state.DefaultVacancyTimeout)
	m := metrics.New()
	mon := monitor.New(store, m, monitor.DefaultTick)
	adapter := ingest.NewAdapter(store, m)
	h := hub.New(mon.Snapshot, time.Hour, hub.DefaultQueueSize, m)
	t.Cleanup(h.Stop)
	if settings == nil {
		settings = config.NewSettingsStore(filepath.Join(t.TempDir(), "settings.json"), state.DefaultSlotCount)
	}
	console := &fakeConsole{}

	s := New(mon, store, adapter, h, settings, console, time.Second)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, console: console}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func envelope(deviceID string, records []types.DetectionRecord) []byte {
	payload := base64.StdEncoding.EncodeToString(detect.Encode(records))
	return []byte(fmt.Sprintf(`{"DeviceID":%q,"Inferences":[{"T":"20260310090000000","O":%q}]}`, deviceID, payload))
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, payload := e.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", payload["status"])
}

func TestGetSettingsMasksSecret(t *testing.T) {
	e := newTestEnv(t)
	_, _ = e.request(t, http.MethodPost, "/api/settings/common", map[string]any{
		"client_id":     "client-1",
		"client_secret": "s3cret",
	})

	resp, payload := e.request(t, http.MethodGet, "/api/settings", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "client-1", payload["client_id"])
	assert.Equal(t, "********", payload["client_secret"])
}

func TestCommonSettingsTimeout(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.request(t, http.MethodPost, "/api/settings/common", map[string]any{"vacant_time_minutes": 10})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 10*time.Minute, e.store.VacancyTimeout())

	// Out of range: rejected, previous value retained.
	resp, payload := e.request(t, http.MethodPost, "/api/settings/common", map[string]any{"vacant_time_minutes": 31})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, payload["error"], "timeout")
	assert.Equal(t, 10*time.Minute, e.store.VacancyTimeout())
}

// failingSettings loads normally but cannot persist.
type failingSettings struct {
	inner *config.SettingsStore
}

func (f failingSettings) Load() (config.Settings, error) { return f.inner.Load() }

func (f failingSettings) Save(config.Settings) error { return errors.New("disk full") }

func TestCommonSettingsNotAppliedWhenSaveFails(t *testing.T) {
	inner := config.NewSettingsStore(filepath.Join(t.TempDir(), "settings.json"), state.DefaultSlotCount)
	e := newTestEnvWithSettings(t, failingSettings{inner: inner})

	resp, _ := e.request(t, http.MethodPost, "/api/settings/common", map[string]any{"vacant_time_minutes": 10})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// The running store and the settings file must not diverge: the
	// unpersisted timeout is not applied either.
	assert.Equal(t, state.DefaultVacancyTimeout, e.store.VacancyTimeout())
	persisted, err := inner.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, persisted.VacantTimeMinutes)
}

func TestMaskedSecretRoundTripKeepsStored(t *testing.T) {
	e := newTestEnv(t)
	_, _ = e.request(t, http.MethodPost, "/api/settings/common", map[string]any{"client_secret": "s3cret"})
	// A client echoing back the masked form must not overwrite the secret.
	_, _ = e.request(t, http.MethodPost, "/api/settings/common", map[string]any{"client_secret": "********"})

	resp, payload := e.request(t, http.MethodGet, "/api/settings", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "********", payload["client_secret"], "secret still set")
}

func TestDeviceSettings(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.request(t, http.MethodPost, "/api/settings/device/0", map[string]any{
		"device_id": "Aid-1", "display_name": "Entrance",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Aid-1", e.store.SnapshotDevices()[0].DeviceID)

	resp, _ = e.request(t, http.MethodPost, "/api/settings/device/7", map[string]any{"device_id": "Aid-2"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.request(t, http.MethodPost, "/api/settings/device/1", map[string]any{"device_id": "Aid-1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestInferenceControl(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.Assign(0, "Aid-1", "Entrance"))

	resp, _ := e.request(t, http.MethodPost, "/api/inference/Aid-1/start", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"Aid-1"}, e.console.started)
	assert.True(t, e.store.SnapshotDevices()[0].InferenceActive)

	resp, _ = e.request(t, http.MethodPost, "/api/inference/Aid-1/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, e.store.SnapshotDevices()[0].InferenceActive)

	resp, _ = e.request(t, http.MethodPost, "/api/inference/Aid-1/reboot", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInferenceControlConsoleFailure(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.Assign(0, "Aid-1", "Entrance"))
	e.console.err = errors.New("console down")

	resp, _ := e.request(t, http.MethodPost, "/api/inference/Aid-1/start", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.False(t, e.store.SnapshotDevices()[0].InferenceActive, "flag only set on confirmed result")
}

func TestMetaUpload(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.Assign(0, "Aid-1", "Entrance"))

	records := []types.DetectionRecord{{ClassID: 0, Confidence: 0.9, X1: 10, Y1: 10}}
	req, err := http.NewRequest(http.MethodPut, e.srv.URL+"/meta/Aid-1/20260310.txt",
		bytes.NewReader(envelope("Aid-1", records)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", payload["status"])
	assert.Contains(t, payload, "process_time_ms")

	assert.Equal(t, 1, e.store.SnapshotDevices()[0].PeopleCount)
}

func TestMetaUploadUnknownDevice(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPut, e.srv.URL+"/meta/Aid-ghost",
		bytes.NewReader(envelope("Aid-ghost", nil)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	// Uploads the console will keep resending get a 200 with an error
	// status rather than a retryable failure code.
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "error", payload["status"])
}
