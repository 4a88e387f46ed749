package api

import (
	"errors"
	"net/http"

	"highlightsync/internal/domain"
	"highlightsync/internal/models"
	"highlightsync/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

// maxEventBody bounds one submitted event.
const maxEventBody = 1 << 20

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var ev models.SyncEvent
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	target, err := s.deps.Syncer.Submit(r.Context(), ev)
	if err != nil {
		var (
			verr *domain.ValidationError
			full *domain.QueueFullError
		)
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.As(err, &full):
			writeError(w, http.StatusServiceUnavailable, full.Error())
		default:
			s.logger.Error().Err(err).Str("event_id", ev.ID).Msg("submit event")
			writeError(w, http.StatusInternalServerError, "failed to store event")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID, "stored_in": string(target)})
}

func (s *HTTPServer) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	s.deps.Monitor.SetOnline(*body.Online)
	writeJSON(w, http.StatusOK, map[string]any{
		"online":          s.deps.Monitor.IsOnline(),
		"connection_type": s.deps.Monitor.ConnectionType(),
	})
}

func (s *HTTPServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Syncer.Flush(r.Context())
	switch {
	case errors.Is(err, domain.ErrFlushInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type breakerStatus struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

type statusResponse struct {
	Online         bool              `json:"online"`
	ConnectionType string            `json:"connection_type"`
	QueueSize      int               `json:"queue_size"`
	OfflineSize    int               `json:"offline_size"`
	DeadLetters    int               `json:"dead_letters"`
	Flushing       bool              `json:"flushing"`
	RateLimit      ratelimit.Metrics `json:"rate_limit"`
	Breaker        *breakerStatus    `json:"breaker,omitempty"`
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queued, err := s.deps.Queue.Size(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	buffered, err := s.deps.Buffer.Size(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	letters, err := s.deps.Queue.DeadLetters(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statusResponse{
		Online:         s.deps.Monitor.IsOnline(),
		ConnectionType: string(s.deps.Monitor.ConnectionType()),
		QueueSize:      queued,
		OfflineSize:    buffered,
		DeadLetters:    len(letters),
		Flushing:       s.deps.Syncer.Flushing(),
	}
	if s.deps.Limiter != nil {
		resp.RateLimit = s.deps.Limiter.Metrics()
	}
	if b := s.deps.Breaker; b != nil {
		resp.Breaker = &breakerStatus{Name: b.Name(), State: b.State(), ConsecutiveFailures: b.Counts().ConsecutiveFailures}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.deps.Queue.DeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (s *HTTPServer) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.deps.Queue.RequeueDeadLetter(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "dead letter not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "requeued"})
	}
}
