package handlers

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"mediaserve/services/gate"
	"mediaserve/services/remote"
	"mediaserve/services/source"
)

// writeJSONError sends a small JSON error body with the given status.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusForOpenError maps resolver failures to HTTP statuses.
func statusForOpenError(err error) (int, string) {
	switch {
	case errors.Is(err, gate.ErrDenied):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound, "file not found"
	case errors.Is(err, source.ErrDriveDisabled):
		return http.StatusServiceUnavailable, "drive backend not configured"
	default:
		return http.StatusInternalServerError, "failed to open media"
	}
}
