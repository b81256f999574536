package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitrios-samples/people-monitor/internal/config"
	"github.com/aitrios-samples/people-monitor/internal/metrics"
	"github.com/aitrios-samples/people-monitor/internal/state"
	"github.com/aitrios-samples/people-monitor/pkg/types"
)

func newTestMonitor(t *testing.T) (*Monitor, *state.Store) {
	t.Helper()
	s := state.NewStore(state.DefaultSlotCount, state.DefaultVacancyTimeout)
	return New(s, metrics.New(), DefaultTick), s
}

func TestSnapshotShape(t *testing.T) {
	m, s := newTestMonitor(t)
	m.SetClientID("client-1")
	require.NoError(t, s.Assign(0, "Aid-1", "Entrance"))

	snap := m.Snapshot()
	require.Len(t, snap.Devices, state.DefaultSlotCount)
	assert.NotZero(t, snap.Timestamp)
	assert.Equal(t, "Aid-1", snap.Devices[0].DeviceID)
	assert.Equal(t, types.OccupancyUnknown, snap.Devices[0].Occupancy)
	assert.Equal(t, "client-1", snap.AppState.ClientID)
	assert.Equal(t, 5, snap.AppState.VacantTimeMinutes)
}

func TestApplySettings(t *testing.T) {
	m, s := newTestMonitor(t)

	err := m.ApplySettings(config.Settings{
		ClientID:          "client-2",
		VacantTimeMinutes: 10,
		Devices: []config.DeviceSettings{
			{DeviceID: "Aid-1", DisplayName: "Entrance"},
			{},
			{DeviceID: "Aid-3", DisplayName: "Kitchen"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "client-2", m.ClientID())
	assert.Equal(t, 10*time.Minute, s.VacancyTimeout())

	views := s.SnapshotDevices()
	assert.Equal(t, "Aid-1", views[0].DeviceID)
	assert.Empty(t, views[1].DeviceID)
	assert.Equal(t, "Aid-3", views[2].DeviceID)
}

func TestApplySettingsInvalidTimeoutKeepsRest(t *testing.T) {
	m, s := newTestMonitor(t)

	err := m.ApplySettings(config.Settings{
		VacantTimeMinutes: 99,
		Devices:           []config.DeviceSettings{{DeviceID: "Aid-1"}},
	})
	assert.ErrorIs(t, err, state.ErrTimeoutRange)

	// The valid pieces still applied.
	assert.Equal(t, state.DefaultVacancyTimeout, s.VacancyTimeout())
	assert.Equal(t, "Aid-1", s.SnapshotDevices()[0].DeviceID)
}

func TestStopWithoutStart(t *testing.T) {
	m, _ := newTestMonitor(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Stop()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running loop")
	}
}

func TestTickLoopDrivesDecay(t *testing.T) {
	s := state.NewStore(state.DefaultSlotCount, state.DefaultVacancyTimeout)
	met := metrics.New()
	m := New(s, met, 10*time.Millisecond)

	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return met.OccupancyEvaluations.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}
