package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sentriq/badgewatch/internal/logging"
	"github.com/sentriq/badgewatch/internal/pipeline"
)

// ErrorResponse is the JSON structure for API error responses. Code is
// machine-readable; Error is for humans. Fields names the canonical fields
// involved, when the error concerns specific fields.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Code   string   `json:"code"`
	Fields []string `json:"fields,omitempty"`
}

// writeError logs the error with request context and writes a JSON error
// response.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", code,
		"error", message,
	)

	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeConfigError maps a pipeline configuration error onto an HTTP status:
// problems in the request (mapping, size) are 422, an unreadable body is 400.
func writeConfigError(w http.ResponseWriter, r *http.Request, cfgErr *pipeline.ConfigError) {
	status := http.StatusUnprocessableEntity
	if cfgErr.Code == pipeline.CodeUnreadableUpload {
		status = http.StatusBadRequest
	}

	logging.FromContext(r.Context()).Error("batch rejected",
		"path", r.URL.Path,
		"code", cfgErr.Code,
		"error", cfgErr.Message,
		"fields", cfgErr.Fields,
	)

	writeJSON(w, status, ErrorResponse{
		Error:  cfgErr.Message,
		Code:   cfgErr.Code,
		Fields: cfgErr.Fields,
	})
}

// writeJSON encodes v as JSON and writes it to w with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing to do but log.
		slog.Error("json encode error", "error", err)
	}
}
