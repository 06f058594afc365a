package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Ward staff edit these files through the frontend; the scheduler re-reads
// them on every use instead of caching, so edits take effect on the next
// tick or reload without restarting the service. A missing file means
// "nothing configured", not an error.
const (
	schedulesFile = "schedules.json"
	patrolFile    = "patrol.json"
	bedsFile      = "beds.json"
)

type scheduleEntry struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	Time    string `json:"time"` // wall clock "HH:MM"
	Type    string `json:"type"` // "daily" or "weekday"
}

type schedulesConfig struct {
	Schedules []scheduleEntry `json:"schedules"`
}

type bedOrderEntry struct {
	BedKey  string `json:"bed_key"`
	Enabled bool   `json:"enabled"`
}

// patrolConfig lists the beds a patrol visits, in visiting order.
type patrolConfig struct {
	BedsOrder []bedOrderEntry `json:"beds_order"`
}

type bedInfo struct {
	LocationID string `json:"location_id"`
}

// bedsConfig maps bed keys (display names like "101-1") to the robot map
// locations in front of each bed.
type bedsConfig struct {
	Beds map[string]bedInfo `json:"beds"`
}

type configFiles struct {
	dir string
}

func newConfigFiles(dir string) *configFiles {
	return &configFiles{dir: dir}
}

func (c *configFiles) loadSchedules() ([]scheduleEntry, error) {
	var cfg schedulesConfig
	if err := c.load(schedulesFile, &cfg); err != nil {
		return nil, err
	}
	return cfg.Schedules, nil
}

func (c *configFiles) loadPatrol() (*patrolConfig, error) {
	cfg := &patrolConfig{}
	if err := c.load(patrolFile, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *configFiles) loadBeds() (*bedsConfig, error) {
	cfg := &bedsConfig{Beds: map[string]bedInfo{}}
	if err := c.load(bedsFile, cfg); err != nil {
		return nil, err
	}
	if cfg.Beds == nil {
		cfg.Beds = map[string]bedInfo{}
	}
	return cfg, nil
}

func (c *configFiles) load(name string, out any) error {
	path := filepath.Join(c.dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("scheduler: parse %s: %w", name, err)
	}
	return nil
}
