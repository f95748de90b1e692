package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/miniapp-entitlements/internal/errors"
	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError writes err as a JSON error body with the status its category maps to.
// Internal causes are logged, never returned.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := errors.Categorize(err)

	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"code":   catErr.Code,
			"status": catErr.StatusCode,
		}).Error("request failed")
	}

	writeError(w, catErr.StatusCode, catErr.ToServiceError())
}

func writeError(w http.ResponseWriter, statusCode int, svcErr *types.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: *svcErr})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses a JSON request body and validates it
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errors.NewInvalidParameterError("body", "malformed JSON")
	}
	return validateStruct(v)
}

// queryInt reads an integer query parameter, falling back to def when absent or malformed
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
