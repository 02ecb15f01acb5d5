package handlers

import (
	"net/http"
)

// QueueSizer reports the number of events waiting for dispatch.
type QueueSizer interface {
	QueueSize() int
}

// HealthCheck returns the service status and the bus backlog.
func HealthCheck(bus QueueSizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"queue_size": bus.QueueSize(),
		})
	}
}
