// Package webhook provides the HTTP handler for storage bucket
// notifications. The object store (MinIO or S3 via SNS-compatible relays)
// POSTs a notification batch whenever a recording finishes uploading; the
// handler authenticates the caller, normalizes each record into a dispatch
// event, and hands the events to the coordinator queue.
package webhook

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/posturelab/posture-pipeline/internal/coordinator"
	"github.com/posturelab/posture-pipeline/internal/event"
)

// maxBodySize is the maximum allowed request body size (1 MB). Notification
// batches carry metadata only, never object payloads.
const maxBodySize = 1 << 20

// Enqueuer accepts normalized events for dispatch. *coordinator.Coordinator
// is the production implementation.
type Enqueuer interface {
	Enqueue(ev event.NormalizedEvent) error
}

// Handler receives bucket notifications.
type Handler struct {
	token    string
	bucket   string
	enqueuer Enqueuer
}

// NewHandler creates a webhook handler. token is the shared secret the
// bucket's webhook target is configured with; bucket is the only bucket
// whose records are accepted.
func NewHandler(token, bucket string, enqueuer Enqueuer) *Handler {
	return &Handler{
		token:    token,
		bucket:   bucket,
		enqueuer: enqueuer,
	}
}

// ServeHTTP accepts notification POSTs.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Webhook rejected: invalid token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.handleNotification(w, r)
}

// authorized checks the bearer token with a constant-time comparison.
func (h *Handler) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	presented := header[len(prefix):]
	return hmac.Equal([]byte(presented), []byte(h.token))
}

func (h *Handler) handleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error().Err(err).Msg("Webhook: failed to read body")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var n event.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Warn().Err(err).Int("bodySize", len(body)).Msg("Webhook: body is not a notification")
		http.Error(w, "invalid notification payload", http.StatusBadRequest)
		return
	}

	events, malformed := event.Normalize(n, h.bucket)
	for _, err := range malformed {
		// Malformed records are dropped; the rest of the batch proceeds.
		log.Warn().Err(err).Msg("Webhook: dropping malformed record")
	}

	queued, rejected := 0, 0
	for _, ev := range events {
		if err := h.enqueuer.Enqueue(ev); err != nil {
			rejected++
			if errors.Is(err, coordinator.ErrQueueFull) {
				log.Warn().Str("key", ev.ObjectKey).Msg("Webhook: queue full, dropping event")
				continue
			}
			log.Error().Err(err).Str("key", ev.ObjectKey).Msg("Webhook: enqueue failed")
			continue
		}
		queued++
	}

	log.Info().
		Int("records", len(n.Records)).
		Int("queued", queued).
		Int("malformed", len(malformed)).
		Int("rejected", rejected).
		Msg("Webhook notification processed")

	if queued == 0 && rejected > 0 {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{
		"queued":    queued,
		"malformed": len(malformed),
		"rejected":  rejected,
	})
}
