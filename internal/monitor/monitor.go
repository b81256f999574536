// Package monitor is the engine core: it assembles the consolidated
// snapshot, applies operator settings to the device store, and drives the
// periodic occupancy evaluation.
package monitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aitrios-samples/people-monitor/internal/config"
	"github.com/aitrios-samples/people-monitor/internal/logger"
	"github.com/aitrios-samples/people-monitor/internal/metrics"
	"github.com/aitrios-samples/people-monitor/internal/state"
	"github.com/aitrios-samples/people-monitor/pkg/types"
)

// DefaultTick drives the occupancy decay evaluation.
const DefaultTick = time.Second

// Monitor owns the application-level state around the device store.
type Monitor struct {
	store   *state.Store
	metrics *metrics.Metrics
	tick    time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	clientID string

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(store *state.Store, m *metrics.Metrics, tick time.Duration) *Monitor {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Monitor{
		store:   store,
		metrics: m,
		tick:    tick,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the occupancy tick loop; Stop waits for it to exit and
// returns immediately when the loop was never started.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			// Decay runs on the clock alone; a room with no payloads
			// still transitions possibly_occupied -> vacant.
			m.store.EvaluateAll()
			m.metrics.OccupancyEvaluations.Add(1)
		}
	}
}

// Snapshot assembles the consolidated view broadcast to subscribers.
func (m *Monitor) Snapshot() types.Snapshot {
	m.mu.RLock()
	clientID := m.clientID
	m.mu.RUnlock()

	return types.Snapshot{
		Timestamp: float64(m.now().UnixNano()) / float64(time.Second),
		Devices:   m.store.SnapshotDevices(),
		AppState: types.AppState{
			ClientID:          clientID,
			VacantTimeMinutes: int(m.store.VacancyTimeout() / time.Minute),
		},
	}
}

// ClientID returns the configured console client id.
func (m *Monitor) ClientID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientID
}

// SetClientID records the console client id echoed in snapshots.
func (m *Monitor) SetClientID(id string) {
	m.mu.Lock()
	m.clientID = id
	m.mu.Unlock()
}

// ApplySettings folds persisted settings into the running engine: vacancy
// timeout, slot assignments and the client id. Invalid pieces are skipped
// and reported; valid ones still apply.
func (m *Monitor) ApplySettings(s config.Settings) error {
	var errs []error

	m.SetClientID(s.ClientID)

	if s.VacantTimeMinutes != 0 {
		d := time.Duration(s.VacantTimeMinutes) * time.Minute
		if err := m.store.SetVacancyTimeout(d); err != nil {
			logger.Warn("Monitor", "Vacancy timeout %d min rejected: %v", s.VacantTimeMinutes, err)
			errs = append(errs, err)
		}
	}

	for i, d := range s.Devices {
		if i >= m.store.SlotCount() {
			break
		}
		if err := m.store.Assign(i, d.DeviceID, d.DisplayName); err != nil {
			logger.Warn("Monitor", "Slot %d assignment rejected: %v", i, err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
