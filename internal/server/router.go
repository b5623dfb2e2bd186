package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trailmail-systems/trailmail/internal/handlers"
	"github.com/trailmail-systems/trailmail/internal/middleware"
)

// NewRouter constructs a ServeMux with the webhook ingestion routes
// registered.
func NewRouter(h *handlers.WebhookHandler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhooks/{token}", h.HandleWebhook)

	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
