// Package state owns the per-slot device state and the occupancy policy.
// Each slot is guarded by its own mutex so ingestion for different devices
// never serializes; only the device-id assignment table takes a store-wide
// lock.
package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aitrios-samples/people-monitor/internal/detect"
	"github.com/aitrios-samples/people-monitor/internal/logger"
	"github.com/aitrios-samples/people-monitor/pkg/types"
)

const (
	// DefaultSlotCount matches the five-camera layout of the original
	// monitor; configurable at construction.
	DefaultSlotCount = 5

	// Vacancy timeout bounds accepted from configuration.
	MinVacancyTimeout = 1 * time.Minute
	MaxVacancyTimeout = 30 * time.Minute

	DefaultVacancyTimeout = 5 * time.Minute
)

var (
	ErrSlotRange       = errors.New("state: slot index out of range")
	ErrUnknownDevice   = errors.New("state: unknown or unassigned device")
	ErrDuplicateDevice = errors.New("state: device id already assigned to another slot")
	ErrStalePayload    = errors.New("state: payload older than current state")
	ErrTimeoutRange    = errors.New("state: vacancy timeout outside allowed range")
)

// Device is the mutable state of one assigned slot. It is only touched
// under its slot's mutex.
type Device struct {
	ID              string
	DisplayName     string
	Connected       bool
	InferenceActive bool
	Detections      []types.DetectionRecord
	PeopleCount     int
	Occupancy       types.Occupancy
	LastUpdate      time.Time
	LastNonzero     time.Time
	DecodeFailures  uint64

	observed bool
}

type slot struct {
	mu       sync.Mutex
	assigned bool
	dev      Device
}

// Store holds the fixed array of device slots.
type Store struct {
	mu    sync.RWMutex // guards byID and slot (re)assignment
	byID  map[string]int
	slots []*slot

	timeoutNanos atomic.Int64

	now      func() time.Time
	onChange atomic.Pointer[func()]
}

// NewStore creates a store with the given number of slots, all unassigned.
func NewStore(slotCount int, vacancyTimeout time.Duration) *Store {
	if slotCount <= 0 {
		slotCount = DefaultSlotCount
	}
	s := &Store{
		byID:  make(map[string]int),
		slots: make([]*slot, slotCount),
		now:   time.Now,
	}
	for i := range s.slots {
		s.slots[i] = &slot{}
	}
	if err := s.SetVacancyTimeout(vacancyTimeout); err != nil {
		s.timeoutNanos.Store(int64(DefaultVacancyTimeout))
	}
	return s
}

// SetOnChange registers the callback fired after any state mutation. The
// callback must be cheap and non-blocking; the hub uses it to coalesce
// broadcast triggers.
func (s *Store) SetOnChange(fn func()) {
	s.onChange.Store(&fn)
}

func (s *Store) notify() {
	if fn := s.onChange.Load(); fn != nil {
		(*fn)()
	}
}

// SlotCount returns the fixed number of slots.
func (s *Store) SlotCount() int { return len(s.slots) }

// VacancyTimeout returns the currently configured vacancy timeout.
func (s *Store) VacancyTimeout() time.Duration {
	return time.Duration(s.timeoutNanos.Load())
}

// SetVacancyTimeout updates the shared vacancy timeout. Out-of-range values
// are rejected and the previous value is retained; an accepted change takes
// effect on the next evaluation without requiring a new detection.
func (s *Store) SetVacancyTimeout(d time.Duration) error {
	if d < MinVacancyTimeout || d > MaxVacancyTimeout {
		return fmt.Errorf("%w: %s", ErrTimeoutRange, d)
	}
	s.timeoutNanos.Store(int64(d))
	s.notify()
	return nil
}

// Assign binds a device identifier to a slot, discarding any prior state
// for that slot. An empty device id unassigns the slot. Assignment is
// atomic with respect to concurrent ingestion: a payload addressed to the
// replaced device is rejected once the new binding is visible.
func (s *Store) Assign(index int, deviceID, displayName string) error {
	if index < 0 || index >= len(s.slots) {
		return fmt.Errorf("%w: %d", ErrSlotRange, index)
	}
	if deviceID == "" {
		return s.Unassign(index)
	}

	s.mu.Lock()
	if prev, ok := s.byID[deviceID]; ok && prev != index {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is bound to slot %d", ErrDuplicateDevice, deviceID, prev)
	}
	sl := s.slots[index]
	sl.mu.Lock()
	if sl.assigned && sl.dev.ID != deviceID {
		delete(s.byID, sl.dev.ID)
	}
	s.byID[deviceID] = index
	sl.assigned = true
	sl.dev = Device{ID: deviceID, DisplayName: displayName, Occupancy: types.OccupancyUnknown}
	sl.mu.Unlock()
	s.mu.Unlock()

	logger.Info("State", "Slot %d assigned to device %s (%q)", index, deviceID, displayName)
	s.notify()
	return nil
}

// Unassign clears a slot; its state is destroyed.
func (s *Store) Unassign(index int) error {
	if index < 0 || index >= len(s.slots) {
		return fmt.Errorf("%w: %d", ErrSlotRange, index)
	}

	s.mu.Lock()
	sl := s.slots[index]
	sl.mu.Lock()
	if sl.assigned {
		delete(s.byID, sl.dev.ID)
	}
	sl.assigned = false
	sl.dev = Device{}
	sl.mu.Unlock()
	s.mu.Unlock()

	logger.Info("State", "Slot %d unassigned", index)
	s.notify()
	return nil
}

// Resolve maps a device identifier to its slot index. Identifiers posted by
// the vendor console sometimes omit the id prefix, so an exact match is
// tried first and then a unique-suffix match. The returned id is the full
// configured identifier.
func (s *Store) Resolve(deviceID string) (index int, fullID string, ok bool) {
	if deviceID == "" {
		return 0, "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx, found := s.byID[deviceID]; found {
		return idx, deviceID, true
	}
	for id, idx := range s.byID {
		if strings.HasSuffix(id, deviceID) {
			return idx, id, true
		}
	}
	return 0, "", false
}

// Ingest decodes one payload for the identified device and folds it into
// the slot's state. On decode failure the slot's detections, count and
// occupancy are left untouched and connectivity stays up: a single bad
// payload is a glitch, not a disconnect. Payloads older than the slot's
// last update are dropped (last-write-wins by receivedAt).
func (s *Store) Ingest(deviceID string, payload []byte, receivedAt time.Time) error {
	index, fullID, ok := s.Resolve(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	sl := s.slots[index]
	sl.mu.Lock()
	// Re-verify under the slot lock: the slot may have been reassigned
	// between resolution and here, and a payload addressed to the old
	// device must not merge into the new device's state.
	if !sl.assigned || sl.dev.ID != fullID {
		sl.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if receivedAt.Before(sl.dev.LastUpdate) {
		sl.mu.Unlock()
		return fmt.Errorf("%w: %s received %s before last update %s",
			ErrStalePayload, fullID, receivedAt.Format(time.RFC3339Nano), sl.dev.LastUpdate.Format(time.RFC3339Nano))
	}

	records, err := detect.Decode(payload)
	if err != nil {
		sl.dev.DecodeFailures++
		failures := sl.dev.DecodeFailures
		sl.mu.Unlock()
		logger.Warn("State", "Decode failure for %s (total %d): %v", fullID, failures, err)
		return fmt.Errorf("ingest %s: %w", fullID, err)
	}

	now := s.now()
	sl.dev.Detections = records
	sl.dev.PeopleCount = types.CountPeople(records)
	sl.dev.Connected = true
	sl.dev.LastUpdate = receivedAt
	sl.dev.observed = true
	if sl.dev.PeopleCount > 0 {
		sl.dev.LastNonzero = receivedAt
	}
	sl.dev.Occupancy = Classify(sl.dev.PeopleCount, sl.dev.observed, sl.dev.LastNonzero, now, s.VacancyTimeout())
	sl.mu.Unlock()

	s.notify()
	return nil
}

// SetConnected reflects a connectivity change reported by the platform.
// A disconnected device keeps its last occupancy label rather than being
// reset to vacant, to avoid false "cleared" signals.
func (s *Store) SetConnected(deviceID string, connected bool) error {
	return s.withDevice(deviceID, func(dev *Device) {
		dev.Connected = connected
	})
}

// SetInferenceActive records the platform's confirmed inference state; it
// is never set optimistically before the platform acknowledges.
func (s *Store) SetInferenceActive(deviceID string, active bool) error {
	return s.withDevice(deviceID, func(dev *Device) {
		dev.InferenceActive = active
	})
}

func (s *Store) withDevice(deviceID string, fn func(*Device)) error {
	index, fullID, ok := s.Resolve(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	sl := s.slots[index]
	sl.mu.Lock()
	if !sl.assigned || sl.dev.ID != fullID {
		sl.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	fn(&sl.dev)
	sl.dev.Occupancy = Classify(sl.dev.PeopleCount, sl.dev.observed, sl.dev.LastNonzero, s.now(), s.VacancyTimeout())
	sl.mu.Unlock()

	s.notify()
	return nil
}

// EvaluateAll recomputes every slot's occupancy label against the current
// clock. It is driven by the periodic timer tick so occupancy decays to
// vacant even when no payloads arrive. Returns true when any label changed.
func (s *Store) EvaluateAll() bool {
	now := s.now()
	timeout := s.VacancyTimeout()
	changed := false

	for _, sl := range s.slots {
		sl.mu.Lock()
		if sl.assigned {
			next := Classify(sl.dev.PeopleCount, sl.dev.observed, sl.dev.LastNonzero, now, timeout)
			if next != sl.dev.Occupancy {
				logger.Debug("State", "Device %s occupancy %s -> %s", sl.dev.ID, sl.dev.Occupancy, next)
				sl.dev.Occupancy = next
				changed = true
			}
		}
		sl.mu.Unlock()
	}

	if changed {
		s.notify()
	}
	return changed
}

// SnapshotDevices returns an immutable view of all slots, in slot order.
// Unassigned slots appear with empty identifiers and the unknown label so
// subscribers always see the full fixed layout.
func (s *Store) SnapshotDevices() []types.DeviceView {
	views := make([]types.DeviceView, len(s.slots))
	for i, sl := range s.slots {
		sl.mu.Lock()
		view := types.DeviceView{
			Slot:       i,
			Occupancy:  types.OccupancyUnknown,
			Detections: []types.DetectionRecord{},
		}
		if sl.assigned {
			view.DeviceID = sl.dev.ID
			view.DisplayName = sl.dev.DisplayName
			view.Connected = sl.dev.Connected
			view.InferenceActive = sl.dev.InferenceActive
			view.PeopleCount = sl.dev.PeopleCount
			view.Occupancy = sl.dev.Occupancy
			view.Detections = append(view.Detections, sl.dev.Detections...)
			view.LastUpdate = unixSeconds(sl.dev.LastUpdate)
			view.LastDetection = unixSeconds(sl.dev.LastNonzero)
		}
		sl.mu.Unlock()
		views[i] = view
	}
	return views
}

// DeviceIDs returns the ids of all assigned slots, in slot order.
func (s *Store) DeviceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byID))
	for _, sl := range s.slots {
		sl.mu.Lock()
		if sl.assigned {
			ids = append(ids, sl.dev.ID)
		}
		sl.mu.Unlock()
	}
	return ids
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
