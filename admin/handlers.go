package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"tributary/checkpoint"
	"tributary/pipeline"
)

// requestTimeout bounds checkpoint store reads issued by handlers.
const requestTimeout = 5 * time.Second

// Handlers serves the operational HTTP surface: liveness, status,
// checkpoint inspection and reset.
type Handlers struct {
	pipe  *pipeline.Pipeline
	store checkpoint.Store
}

// NewHandlers creates the admin handler set.
func NewHandlers(pipe *pipeline.Pipeline, store checkpoint.Store) *Handlers {
	return &Handlers{pipe: pipe, store: store}
}

// handleHealth reports liveness: 200 while the consumer loop runs, 503
// once it has stopped or never started.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.pipe.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}

// handleStatus returns the full operational snapshot.
func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextFor(r, requestTimeout)
	defer cancel()

	response := map[string]interface{}{
		"health":  h.pipe.Health(),
		"stats":   h.pipe.Stats.Snapshot(),
		"breaker": h.pipe.Breaker.State(),
	}

	cp, err := h.store.Load(ctx)
	switch {
	case err == nil:
		response["checkpoint"] = cp
	case errors.Is(err, checkpoint.ErrNotFound):
		response["checkpoint"] = nil
	default:
		response["checkpoint_error"] = err.Error()
	}

	writeJSONResponse(w, response)
}

// handleCheckpoint returns the persisted checkpoint document.
func (h *Handlers) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextFor(r, requestTimeout)
	defer cancel()

	cp, err := h.store.Load(ctx)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "no checkpoint saved")
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, cp)
}

// handleCheckpointReset archives then deletes the checkpoint so the
// next start resolves its position from scratch. The running consumer
// keeps its in-memory position; the reset takes effect on restart.
func (h *Handlers) handleCheckpointReset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextFor(r, requestTimeout)
	defer cancel()

	if err := h.store.Reset(ctx); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Warn().Msg("Checkpoint reset via admin API")
	writeJSONResponse(w, map[string]interface{}{
		"reset":    true,
		"reset_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func contextFor(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), timeout)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
