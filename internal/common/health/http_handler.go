package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

// HttpHandler serves the result of a Checker: 204 when healthy, 503 with the failure otherwise.
type HttpHandler struct {
	checker Checker
}

func NewHttpHandler(checker Checker) *HttpHandler {
	return &HttpHandler{checker: checker}
}

func (h *HttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	err := h.checker.Check()
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.WithError(err).Warn("Health check failed")
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err = w.Write([]byte(err.Error())); err != nil {
		log.WithError(err).Error("Failed to write health check response")
	}
}

// SetupHttpMux serves checker on /health.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", NewHttpHandler(checker))
}
