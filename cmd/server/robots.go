package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sigma-Snaken/bio-patrol/internal/fleet"
)

const robotsFile = "robots.json"

// robotConfig is one fleet entry in robots.json. Only the bundled "sim"
// driver ships today; a vendor adapter plugs in through the same entry.
type robotConfig struct {
	RobotID   string           `json:"robot_id"`
	Driver    string           `json:"driver"`
	Shelves   []fleet.Shelf    `json:"shelves"`
	Locations []fleet.Location `json:"locations"`
}

// loadRobots reads the fleet description from dir. A missing file yields the
// single-robot demo fleet so the server runs out of the box.
func loadRobots(dir string) ([]robotConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, robotsFile))
	if os.IsNotExist(err) {
		return defaultFleet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", robotsFile, err)
	}

	var robots []robotConfig
	if err := json.Unmarshal(data, &robots); err != nil {
		return nil, fmt.Errorf("parse %s: %w", robotsFile, err)
	}
	if len(robots) == 0 {
		return nil, fmt.Errorf("%s lists no robots", robotsFile)
	}

	seen := map[string]bool{}
	for _, rc := range robots {
		if rc.RobotID == "" {
			return nil, fmt.Errorf("%s: every robot needs a robot_id", robotsFile)
		}
		if seen[rc.RobotID] {
			return nil, fmt.Errorf("%s: duplicate robot_id %q", robotsFile, rc.RobotID)
		}
		seen[rc.RobotID] = true
		if rc.Driver != "" && rc.Driver != "sim" {
			return nil, fmt.Errorf("%s: robot %s: unsupported driver %q (the bundled driver is \"sim\")", robotsFile, rc.RobotID, rc.Driver)
		}
	}
	return robots, nil
}

// defaultFleet is one simulated robot carrying the demo ward map: a sensor
// shelf and two double rooms.
func defaultFleet() []robotConfig {
	return []robotConfig{{
		RobotID: "kachaka-1",
		Driver:  "sim",
		Shelves: []fleet.Shelf{
			{ID: "S_01", Name: "Sensor Shelf", Pose: fleet.Pose{X: 0.5, Y: 0.2}},
		},
		Locations: []fleet.Location{
			{ID: "B_101-1", Name: "101-1"},
			{ID: "B_101-2", Name: "101-2"},
			{ID: "B_102-1", Name: "102-1"},
			{ID: "B_102-2", Name: "102-2"},
		},
	}}
}
