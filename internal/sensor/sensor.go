// Package sensor defines the bio-sensor reading contract consumed by the
// task engine. The transport behind it (MQTT bridge, simulator) is an
// external concern: implementations block until a valid reading arrives or
// their internal wait budget runs out, and are responsible for appending one
// scan-history row per attempt.
package sensor

import (
	"context"
	"time"
)

// Wait budget defaults, tuned for the sensor's warm-up behavior: a long
// initial window after the shelf arrives at the bed, then periodic re-reads.
// The total blocking time is InitialWait + RetryCount·WaitTime.
const (
	DefaultInitialWait = 120 * time.Second
	DefaultWaitTime    = 10 * time.Second
	DefaultRetryCount  = 19

	// ValidStatus is the sensor status code meaning "subject detected,
	// measurement stable".
	ValidStatus = 4
)

// ScanData is one physiological reading from the shelf sensor.
type ScanData struct {
	BedID  string         `json:"bed_id"`
	Status int            `json:"status"`
	BPM    int            `json:"bpm"`
	RPM    int            `json:"rpm"`
	Raw    map[string]any `json:"raw,omitempty"`
}

// Valid reports whether the reading is usable: stable measurement status with
// plausible non-zero heart and respiration rates.
func (d *ScanData) Valid() bool {
	return d != nil && d.Status == ValidStatus && d.BPM > 0 && d.RPM > 0
}

// Reader produces a valid reading for a bed or times out.
//
// GetValidScanData blocks up to the implementation's wait budget. It returns
// (nil, nil) when no valid reading could be obtained in time; that is a
// normal outcome, not an error. A non-nil error is reserved for cancellation
// and transport-level faults.
type Reader interface {
	GetValidScanData(ctx context.Context, targetBed, taskID, bedName string) (*ScanData, error)
}
