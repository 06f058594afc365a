package task

import "fmt"

// Params is the raw action parameter bag as it appears on the wire. It is
// kept untyped on the Step so that a decoded task re-serializes byte-for-byte;
// the engine decodes it into one of the typed structs below at execution time.
type Params map[string]any

// SpeakParams configures a speak step.
type SpeakParams struct {
	Text string
}

// MoveToPoseParams configures a move_to_pose step.
type MoveToPoseParams struct {
	X, Y, Yaw float64
}

// MoveToLocationParams configures a move_to_location step.
type MoveToLocationParams struct {
	LocationID string
}

// MoveShelfParams configures a move_shelf step.
type MoveShelfParams struct {
	ShelfID    string
	LocationID string
}

// ReturnShelfParams configures a return_shelf step.
type ReturnShelfParams struct {
	ShelfID string
}

// BioScanParams configures a bio_scan step. BedKey labels the scan record;
// when empty the engine falls back to the bed targeted by the preceding
// move_shelf.
type BioScanParams struct {
	BedKey string
}

// WaitParams configures a wait step.
type WaitParams struct {
	Seconds float64
}

// Speak decodes speak params. Missing text is allowed (the robot speaks
// nothing) to match the permissive wire contract.
func (p Params) Speak() (SpeakParams, error) {
	text, err := p.optString("speak_text")
	if err != nil {
		return SpeakParams{}, err
	}
	return SpeakParams{Text: text}, nil
}

// MoveToPose decodes move_to_pose params. Missing coordinates default to 0.
func (p Params) MoveToPose() (MoveToPoseParams, error) {
	var out MoveToPoseParams
	var err error
	if out.X, err = p.optFloat("x"); err != nil {
		return out, err
	}
	if out.Y, err = p.optFloat("y"); err != nil {
		return out, err
	}
	if out.Yaw, err = p.optFloat("yaw"); err != nil {
		return out, err
	}
	return out, nil
}

// MoveToLocation decodes move_to_location params. location_id is required.
func (p Params) MoveToLocation() (MoveToLocationParams, error) {
	loc, err := p.reqString("location_id")
	if err != nil {
		return MoveToLocationParams{}, err
	}
	return MoveToLocationParams{LocationID: loc}, nil
}

// MoveShelf decodes move_shelf params. shelf_id and location_id are required.
func (p Params) MoveShelf() (MoveShelfParams, error) {
	shelf, err := p.reqString("shelf_id")
	if err != nil {
		return MoveShelfParams{}, err
	}
	loc, err := p.reqString("location_id")
	if err != nil {
		return MoveShelfParams{}, err
	}
	return MoveShelfParams{ShelfID: shelf, LocationID: loc}, nil
}

// ReturnShelf decodes return_shelf params. shelf_id is required.
func (p Params) ReturnShelf() (ReturnShelfParams, error) {
	shelf, err := p.reqString("shelf_id")
	if err != nil {
		return ReturnShelfParams{}, err
	}
	return ReturnShelfParams{ShelfID: shelf}, nil
}

// BioScan decodes bio_scan params.
func (p Params) BioScan() (BioScanParams, error) {
	bed, err := p.optString("bed_key")
	if err != nil {
		return BioScanParams{}, err
	}
	return BioScanParams{BedKey: bed}, nil
}

// Wait decodes wait params. Missing seconds defaults to 0; negative values
// are rejected.
func (p Params) Wait() (WaitParams, error) {
	secs, err := p.optFloat("seconds")
	if err != nil {
		return WaitParams{}, err
	}
	if secs < 0 {
		return WaitParams{}, fmt.Errorf("task: params: seconds must be >= 0, got %v", secs)
	}
	return WaitParams{Seconds: secs}, nil
}

func (p Params) reqString(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("task: params: missing required key %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("task: params: key %q must be a non-empty string", key)
	}
	return s, nil
}

func (p Params) optString(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("task: params: key %q must be a string", key)
	}
	return s, nil
}

// optFloat accepts both float64 (JSON numbers) and int (values built in Go).
func (p Params) optFloat(key string) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("task: params: key %q must be a number", key)
	}
}
