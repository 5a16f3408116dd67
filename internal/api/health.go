package api

import (
	"encoding/json"
	"net/http"

	"github.com/gaspardpetit/imagerelay/internal/serverstate"
)

// GetHealthz reports 200 while serving and 503 once draining so load
// balancers stop routing new generations here.
func GetHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if serverstate.IsDraining() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
