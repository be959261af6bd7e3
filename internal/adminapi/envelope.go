package adminapi

import (
	"encoding/json"
	"net/http"
)

// envelope is the `{success, ...}` JSON response wrapper spec §6
// requires: every endpoint returns 200 with this envelope on
// application-level failure, reserving non-2xx for transport failures.
type envelope struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusOK, envelope{Success: false, Error: reason})
}
