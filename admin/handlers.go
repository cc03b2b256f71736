package admin

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/gradm/dba"
	"github.com/maxpert/gradm/instance"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// AdminHandlers serves the administration API over a dba surface
type AdminHandlers struct {
	dba *dba.Dba

	// defaultScheme fills in descriptors that omit one
	defaultScheme string
	waitTimeout   time.Duration
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(d *dba.Dba, defaultScheme string, waitTimeout time.Duration) *AdminHandlers {
	if defaultScheme == "" {
		defaultScheme = instance.SchemeClassic
	}
	return &AdminHandlers{
		dba:           d,
		defaultScheme: defaultScheme,
		waitTimeout:   waitTimeout,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response with a bare message
func writeErrorResponse(w http.ResponseWriter, status int, kind, message string) {
	writeErrorBody(w, status, map[string]interface{}{
		"kind":    kind,
		"message": message,
	})
}

func writeErrorBody(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": body}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// decodeBody reads a JSON request body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// descriptor applies the configured default scheme
func (h *AdminHandlers) descriptor(d instance.Descriptor) instance.Descriptor {
	return d.WithDefaultScheme(h.defaultScheme)
}

// parseTimeout parses a timeout in milliseconds, falling back to the handler default
func (h *AdminHandlers) parseTimeout(ms int) (time.Duration, error) {
	if ms < 0 {
		return 0, fmt.Errorf("timeout_ms must be >= 0")
	}
	if ms == 0 {
		return h.waitTimeout, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// parseAddress parses the {address} style host:port values the API accepts
func parseAddress(s string) (instance.Address, error) {
	if s == "" {
		return instance.Address{}, fmt.Errorf("address is required")
	}
	return instance.ParseAddress(s)
}
