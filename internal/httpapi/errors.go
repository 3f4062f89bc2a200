package httpapi

import (
	"encoding/json"
	"net/http"
)

// apiError is the JSON error envelope returned to clients. Per §7, causes
// are short prose in the response, never stack traces.
type apiError struct {
	status int
	Error  string `json:"error"`
}

func newAPIError(status int, message string) apiError {
	return apiError{status: status, Error: message}
}

func writeError(w http.ResponseWriter, e apiError) {
	writeJSON(w, e.status, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Body write failed after headers were sent; nothing more we can do.
		return
	}
}
