package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const maskedSecret = "********"

// DeviceSettings binds one slot to a device.
type DeviceSettings struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
}

// Settings is the operator-editable configuration persisted across restarts.
type Settings struct {
	ClientID          string           `json:"client_id"`
	ClientSecret      string           `json:"client_secret"`
	VacantTimeMinutes int              `json:"vacant_time_minutes"`
	Devices           []DeviceSettings `json:"devices"`
}

// Masked returns a copy safe to expose over the API: the client secret is
// replaced with a placeholder when set.
func (s Settings) Masked() Settings {
	out := s
	if out.ClientSecret != "" {
		out.ClientSecret = maskedSecret
	}
	out.Devices = append([]DeviceSettings(nil), s.Devices...)
	return out
}

// SettingsStore persists Settings as a JSON file.
type SettingsStore struct {
	mu        sync.Mutex
	path      string
	slotCount int
}

func NewSettingsStore(path string, slotCount int) *SettingsStore {
	if slotCount <= 0 {
		slotCount = 5
	}
	return &SettingsStore{path: path, slotCount: slotCount}
}

// Load reads the settings file. A missing file yields defaults, not an
// error; a corrupt file is an error so a bad edit is never silently
// discarded.
func (st *SettingsStore) Load() (Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := os.ReadFile(st.path)
	if os.IsNotExist(err) {
		return st.defaults(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("config: read settings: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("config: parse settings: %w", err)
	}
	st.normalize(&s)
	return s, nil
}

// Save writes the settings through a temp file so a crash mid-write never
// leaves a truncated settings file behind.
func (st *SettingsStore) Save(s Settings) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.normalize(&s)
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode settings: %w", err)
	}

	tmp := st.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(st.path), 0755); err != nil {
		return fmt.Errorf("config: create settings directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("config: write settings: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("config: replace settings: %w", err)
	}
	return nil
}

func (st *SettingsStore) defaults() Settings {
	return Settings{
		VacantTimeMinutes: 5,
		Devices:           make([]DeviceSettings, st.slotCount),
	}
}

// normalize pads or truncates the device list to the fixed slot layout and
// clamps a missing vacancy time to the default.
func (st *SettingsStore) normalize(s *Settings) {
	if s.VacantTimeMinutes == 0 {
		s.VacantTimeMinutes = 5
	}
	switch {
	case len(s.Devices) < st.slotCount:
		padded := make([]DeviceSettings, st.slotCount)
		copy(padded, s.Devices)
		s.Devices = padded
	case len(s.Devices) > st.slotCount:
		s.Devices = s.Devices[:st.slotCount]
	}
}
