package httpserver

import (
	"net/http"
	"time"
)

// health reports liveness and uptime.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(serverStartTime).String(),
	})
}
