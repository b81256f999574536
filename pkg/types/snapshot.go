package types

// Occupancy is the room-usage classification derived from recent people
// counts.
type Occupancy string

const (
	OccupancyUnknown          Occupancy = "unknown"
	OccupancyVacant           Occupancy = "vacant"
	OccupancyPossiblyOccupied Occupancy = "possibly_occupied"
	OccupancyOccupied         Occupancy = "occupied"
)

// DeviceView mirrors the JSON shape pushed to monitor clients for one slot.
type DeviceView struct {
	Slot            int               `json:"slot"`
	DeviceID        string            `json:"device_id"`
	DisplayName     string            `json:"display_name"`
	Connected       bool              `json:"connected"`
	InferenceActive bool              `json:"inference_active"`
	PeopleCount     int               `json:"people_count"`
	Occupancy       Occupancy         `json:"occupancy"`
	Detections      []DetectionRecord `json:"detections"`
	LastUpdate      float64           `json:"last_update_time"`
	LastDetection   float64           `json:"last_detection_time"`
}

// AppState echoes the active global configuration in every snapshot so
// clients never need a separate settings fetch to render.
type AppState struct {
	ClientID          string `json:"client_id"`
	VacantTimeMinutes int    `json:"vacant_time_minutes"`
}

// Snapshot is the immutable consolidated view of all slots at one instant,
// the unit of data pushed to subscribers. Never mutated after creation.
type Snapshot struct {
	Timestamp float64      `json:"timestamp"`
	Devices   []DeviceView `json:"devices"`
	AppState  AppState     `json:"app_state"`
}
