// Package httperr writes the {"error": "..."} JSON bodies used for locally
// generated failures.
package httperr

import (
	"encoding/json"
	"net/http"

	"github.com/gaspardpetit/imagerelay/internal/logx"
)

// Body is the JSON shape of a local error response.
type Body struct {
	Error string `json:"error"`
}

// Write writes status and a JSON error body carrying msg.
func Write(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Body{Error: msg}); err != nil {
		logx.Log.Error().Err(err).Msg("encode error body")
	}
}
