package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/trailmail-systems/trailmail/internal/httputil"
	"github.com/trailmail-systems/trailmail/internal/logging"
	"github.com/trailmail-systems/trailmail/internal/models"
	"github.com/trailmail-systems/trailmail/internal/ratelimit"
	"github.com/trailmail-systems/trailmail/internal/repository"
	"github.com/trailmail-systems/trailmail/internal/service"
	"github.com/trailmail-systems/trailmail/pkg/sns"
)

const maxBodySize = 1 << 20

// Pipeline is the ingestion entry point the handler drives.
type Pipeline interface {
	ProcessEnvelope(ctx context.Context, source *models.Source, body []byte) error
}

// SourceResolver maps the opaque path token to its source.
type SourceResolver interface {
	GetSourceByToken(ctx context.Context, token string) (*models.Source, error)
}

// Readiness is what the readiness probe checks.
type Readiness interface {
	Ping(ctx context.Context) error
}

type WebhookHandler struct {
	pipeline Pipeline
	sources  SourceResolver
	store    Readiness
	limiter  ratelimit.Limiter
	logger   *logging.Logger
}

func NewWebhookHandler(pipeline Pipeline, sources SourceResolver, store Readiness, limiter ratelimit.Limiter, logger *logging.Logger) *WebhookHandler {
	if limiter == nil {
		limiter = ratelimit.NoOpLimiter{}
	}
	return &WebhookHandler{
		pipeline: pipeline,
		sources:  sources,
		store:    store,
		limiter:  limiter,
		logger:   logger,
	}
}

// HandleWebhook accepts one envelope delivery on POST /webhooks/{token}.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.PathValue("token")
	if token == "" {
		httputil.WriteError(w, http.StatusNotFound, "unknown source")
		return
	}

	source, err := h.sources.GetSourceByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrSourceNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "unknown source")
			return
		}
		h.logger.ErrorContext(ctx, "source lookup failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "source lookup failed")
		return
	}

	allowed, err := h.limiter.Allow(ctx, source.ID)
	if err != nil {
		// Fail open: an unreachable limiter must not drop valid events.
		h.logger.WarnContext(ctx, "rate limiter unavailable", "error", err)
	} else if !allowed {
		httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	defer r.Body.Close()

	if len(body) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "empty request body")
		return
	}

	if err := h.pipeline.ProcessEnvelope(ctx, source, body); err != nil {
		h.writeProcessError(ctx, w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// writeProcessError maps pipeline failures onto the response taxonomy:
// malformed input 400, authentication 403, everything downstream 500.
func (h *WebhookHandler) writeProcessError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sns.ErrInvalidEnvelope):
		httputil.WriteError(w, http.StatusBadRequest, "malformed envelope")
	case errors.Is(err, service.ErrUnknownEnvelopeType):
		httputil.WriteError(w, http.StatusBadRequest, "unknown envelope type")
	case errors.Is(err, service.ErrInvalidPayload):
		httputil.WriteError(w, http.StatusBadRequest, "invalid notification payload")
	case errors.Is(err, service.ErrSignatureInvalid):
		httputil.WriteError(w, http.StatusForbidden, "signature verification failed")
	default:
		h.logger.ErrorContext(ctx, "envelope processing failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "ingestion failed")
	}
}

// Health handles liveness checks.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready handles readiness checks by pinging the store.
func (h *WebhookHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
