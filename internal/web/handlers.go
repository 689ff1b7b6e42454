package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/sentriq/badgewatch/internal/logging"
	"github.com/sentriq/badgewatch/internal/pipeline"
)

// handleHealth reports process liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSchema returns the canonical field definitions, so clients can build
// mapping UIs without hardcoding the schema.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fields": s.pipe.Registry().Fields(),
	})
}

// handleRules returns the classification rules in evaluation order.
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": s.pipe.Rules(),
	})
}

// suggestRequest is the body for POST /api/mapping/suggest.
type suggestRequest struct {
	Columns []string `json:"columns"`
}

// suggestResponse carries the suggested mapping plus whatever the suggestion
// could not cover, so the client can prompt for the rest.
type suggestResponse struct {
	Mapping  pipeline.ColumnMapping  `json:"mapping"`
	Problems []pipeline.MappingError `json:"problems,omitempty"`
}

// handleSuggestMapping suggests a column mapping for the given raw headers
// and reports required fields the suggestion leaves uncovered.
func (s *Server) handleSuggestMapping(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body must be JSON with a columns array")
		return
	}
	if len(req.Columns) == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "columns must not be empty")
		return
	}

	mapping := s.pipe.Mapper().Suggest(req.Columns)
	writeJSON(w, http.StatusOK, suggestResponse{
		Mapping:  mapping,
		Problems: s.pipe.Mapper().Validate(mapping),
	})
}

// handleBatch accepts a multipart upload (field "file", optional "mapping"
// JSON field) and runs it through the pipeline. A completed batch returns the
// full result, row errors included; a failed batch returns the configuration
// error.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize)

	file, header, mapping, err := s.parseBatchRequest(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "file_too_large",
				fmt.Sprintf("upload exceeds the %d byte limit", s.cfg.Upload.MaxFileSize))
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	defer file.Close()

	logging.FromContext(r.Context()).Info("batch received",
		"file", header.Filename,
		"size", header.Size,
	)

	ctx := r.Context()
	if s.cfg.Upload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Upload.Timeout)
		defer cancel()
	}

	result := s.pipe.RunReader(ctx, file, header.Size, mapping)
	if result.State == pipeline.StateFailed {
		writeConfigError(w, r, result.ConfigError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// parseBatchRequest extracts the upload file and the optional explicit
// mapping from a multipart request.
func (s *Server) parseBatchRequest(r *http.Request) (multipart.File, *multipart.FileHeader, pipeline.ColumnMapping, error) {
	// Multipart parts beyond this stay on disk rather than in memory.
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, nil, nil, fmt.Errorf("parse multipart form: %w", err)
	}

	f, fh, err := r.FormFile("file")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("missing file field: %w", err)
	}

	var mapping pipeline.ColumnMapping
	if raw := strings.TrimSpace(r.FormValue("mapping")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			f.Close()
			return nil, nil, nil, fmt.Errorf("mapping field is not a JSON object: %w", err)
		}
	}

	return f, fh, mapping, nil
}
