package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
)

// ScanHandler serves the persisted scan history. Scans are read-only from
// the API perspective; rows are appended by the patrol runtime while tasks
// run, never through this surface.
type ScanHandler struct {
	repo   repositories.ScanRepository
	logger *zap.Logger
}

// NewScanHandler creates a new ScanHandler.
func NewScanHandler(repo repositories.ScanRepository, logger *zap.Logger) *ScanHandler {
	return &ScanHandler{
		repo:   repo,
		logger: logger.Named("scan_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// scanResponse is the JSON representation of one scan attempt.
type scanResponse struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	LocationID string          `json:"location_id"`
	BedName    string          `json:"bed_name"`
	ScannedAt  time.Time       `json:"scanned_at"`
	RetryCount int             `json:"retry_count"`
	Status     string          `json:"status"`
	BPM        int             `json:"bpm"`
	RPM        int             `json:"rpm"`
	IsValid    bool            `json:"is_valid"`
	Details    string          `json:"details,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// scanToResponse converts a db.ScanRecord to a scanResponse.
func scanToResponse(rec *db.ScanRecord) scanResponse {
	resp := scanResponse{
		ID:         rec.ID.String(),
		TaskID:     rec.TaskID,
		LocationID: rec.LocationID,
		BedName:    rec.BedName,
		ScannedAt:  rec.ScannedAt,
		RetryCount: rec.RetryCount,
		Status:     rec.Status,
		BPM:        rec.BPM,
		RPM:        rec.RPM,
		IsValid:    rec.IsValid,
		Details:    rec.Details,
	}
	// DataJSON is marshaled by the engine, so it embeds verbatim.
	if rec.DataJSON != "" {
		resp.Data = json.RawMessage(rec.DataJSON)
	}
	return resp
}

// listScansResponse wraps a paginated list of scans.
type listScansResponse struct {
	Items []scanResponse `json:"items"`
	Total int64          `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /api/v1/scans.
// Optional filters: task_id, location_id, status, from, to (RFC 3339; from is
// inclusive, to exclusive). Results are most recent first unless task_id is
// given, in which case they follow patrol order.
func (h *ScanHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := repositories.ScanFilter{
		TaskID:      r.URL.Query().Get("task_id"),
		LocationID:  r.URL.Query().Get("location_id"),
		ListOptions: paginationOpts(r),
	}

	if status := r.URL.Query().Get("status"); status != "" {
		switch status {
		case db.ScanStatusValid, db.ScanStatusInvalid, db.ScanStatusUnavailable:
			filter.Status = status
		default:
			ErrBadRequest(w, "invalid status: must be valid, invalid or unavailable")
			return
		}
	}

	if v := r.URL.Query().Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			ErrBadRequest(w, "invalid from: must be an RFC 3339 timestamp")
			return
		}
		filter.From = ts
	}
	if v := r.URL.Query().Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			ErrBadRequest(w, "invalid to: must be an RFC 3339 timestamp")
			return
		}
		filter.To = ts
	}

	records, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list scans", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]scanResponse, len(records))
	for i := range records {
		items[i] = scanToResponse(&records[i])
	}
	Ok(w, listScansResponse{Items: items, Total: total})
}

// -----------------------------------------------------------------------------
// Internal helpers
// -----------------------------------------------------------------------------

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}
