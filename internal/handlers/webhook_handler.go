package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/loopmesh/dm-ingest/internal/logging"
	"github.com/loopmesh/dm-ingest/internal/metrics"
	"github.com/loopmesh/dm-ingest/internal/models"
	"github.com/loopmesh/dm-ingest/internal/payload"
	"github.com/loopmesh/dm-ingest/internal/signature"
)

// Sink receives normalized events from an acknowledged delivery. The
// synchronous pipeline and the async dispatcher both satisfy it; the
// handler does not care which hosting model is behind it.
type Sink interface {
	Process(ctx context.Context, events []models.MessageEvent)
}

const defaultMaxBodySize = 1 << 20

// WebhookHandler terminates the platform's webhook protocol: the
// subscription handshake on GET and signed event deliveries on POST.
type WebhookHandler struct {
	verifier    *signature.Verifier
	verifyToken string
	sink        Sink
	maxBodySize int64
	ready       func(ctx context.Context) error
	log         *logging.Logger
}

func NewWebhookHandler(verifier *signature.Verifier, verifyToken string, sink Sink, maxBodySize int64, ready func(ctx context.Context) error, log *logging.Logger) *WebhookHandler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	return &WebhookHandler{
		verifier:    verifier,
		verifyToken: verifyToken,
		sink:        sink,
		maxBodySize: maxBodySize,
		ready:       ready,
		log:         log,
	}
}

func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerify(w, r)
	case http.MethodPost:
		h.handleDelivery(w, r)
	default:
		h.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the subscription handshake. The platform calls
// GET with hub.mode=subscribe, a shared verify token and a challenge
// string; echoing the challenge as plain text confirms the endpoint.
func (h *WebhookHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || !signature.TokenEqual(token, h.verifyToken) {
		h.log.WithContext(r.Context()).Warn("handshake rejected",
			"mode", mode,
		)
		h.sendError(w, "verification failed", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

func (h *WebhookHandler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	// The raw bytes must be captured before any parsing: the signature
	// covers exactly what was sent over the wire.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("malformed").Inc()
		h.sendError(w, "unable to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !h.verifier.Verify(body, r.Header.Get("X-Hub-Signature-256")) {
		metrics.DeliveriesTotal.WithLabelValues("invalid_signature").Inc()
		h.log.WithContext(r.Context()).Warn("delivery rejected: invalid signature",
			"bytes", len(body),
		)
		h.sendError(w, "invalid signature", http.StatusForbidden)
		return
	}

	metrics.DeliveryBytesTotal.Add(float64(len(body)))

	delivery, err := payload.Parse(body)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("malformed").Inc()
		h.sendError(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if delivery.Object != payload.ObjectInstagram {
		metrics.DeliveriesTotal.WithLabelValues("ignored").Inc()
		h.log.WithContext(r.Context()).Debug("ignoring delivery for other object",
			"object", delivery.Object,
		)
		h.sendSuccess(w)
		return
	}

	events := payload.Normalize(delivery)
	metrics.DeliveriesTotal.WithLabelValues("accepted").Inc()

	if len(events) > 0 {
		h.sink.Process(r.Context(), events)
	}

	// Per-event failures are quarantined inside the pipeline; the
	// delivery itself is acknowledged regardless so the platform does
	// not retry or disable the subscription.
	h.sendSuccess(w)
}

func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func (h *WebhookHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ready",
	})
}

func (h *WebhookHandler) sendSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (h *WebhookHandler) sendError(w http.ResponseWriter, msg string, httpStatus int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
