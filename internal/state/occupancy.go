package state

import (
	"time"

	"github.com/aitrios-samples/people-monitor/pkg/types"
)

// Classify derives the occupancy label for one device from its most recent
// people-count observation. It is a pure function of the observation history
// and the vacancy timeout, evaluated both right after an ingest and on the
// periodic timer tick so a device that stops reporting still decays to
// vacant on schedule.
//
// Transition rules:
//   - never observed               -> unknown
//   - people currently counted     -> occupied
//   - zero count, within timeout of the last non-zero observation
//     -> possibly_occupied (someone may have stepped out momentarily)
//   - otherwise                    -> vacant
func Classify(peopleCount int, observed bool, lastNonzero, now time.Time, timeout time.Duration) types.Occupancy {
	if !observed {
		return types.OccupancyUnknown
	}
	if peopleCount > 0 {
		return types.OccupancyOccupied
	}
	if !lastNonzero.IsZero() && now.Sub(lastNonzero) < timeout {
		return types.OccupancyPossiblyOccupied
	}
	return types.OccupancyVacant
}
