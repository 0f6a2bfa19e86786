package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"batch-dispatcher/internal/dispatch"
	"batch-dispatcher/internal/models"
	"batch-dispatcher/internal/ratelimit"
	"batch-dispatcher/internal/store"
	"batch-dispatcher/internal/telemetry"
)

// Recorder persists finished batches.
type Recorder interface {
	RecordBatch(ctx context.Context, batchID string, summary models.BatchSummary) error
	GetBatch(ctx context.Context, id string) (models.BatchRecord, error)
	ListBatches(ctx context.Context, limit int) ([]models.BatchRecord, error)
}

// Archiver uploads a finished batch summary and returns its location.
type Archiver interface {
	ArchiveSummary(ctx context.Context, batchID string, summary models.BatchSummary) (string, error)
}

// recentLimit bounds the in-memory batch history kept when no Recorder is set.
const recentLimit = 50

// Server wires HTTP handlers for the dispatch control API.
type Server struct {
	engine   *dispatch.Engine
	recorder Recorder
	archiver Archiver
	logger   *slog.Logger

	mu     sync.Mutex
	recent map[string]models.BatchRecord
	order  []string
}

// New constructs the API server. recorder and archiver may be nil.
func New(engine *dispatch.Engine, recorder Recorder, archiver Archiver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		recorder: recorder,
		archiver: archiver,
		logger:   logger,
		recent:   make(map[string]models.BatchRecord),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/identities", s.handleRegister)
	r.Get("/identities", s.handleIdentities)
	r.Post("/batches", s.handleRunBatch)
	r.Get("/batches", s.handleListBatches)
	r.Get("/batches/{id}", s.handleGetBatch)
	r.Get("/stats", s.handleStats)
	r.Get("/dlq", s.handleDLQ)
	r.Post("/reset", s.handleReset)
	return r
}

type registerRequest struct {
	Identities []models.Credentials `json:"identities"`
}

type registerResponse struct {
	Registered int      `json:"registered"`
	Errors     []string `json:"errors,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Identities) == 0 {
		writeError(w, http.StatusBadRequest, "identities is required")
		return
	}

	n, err := s.engine.RegisterIdentities(r.Context(), req.Identities)
	resp := registerResponse{Registered: n, Errors: splitJoined(err)}
	code := http.StatusCreated
	if n == 0 {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleIdentities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"identities": s.engine.Identities()})
}

type batchRequest struct {
	Payloads []models.Payload `json:"payloads"`
}

type batchResponse struct {
	BatchID string              `json:"batch_id"`
	Summary models.BatchSummary `json:"summary"`
	Archive string              `json:"archive,omitempty"`
}

// handleRunBatch assigns and runs a batch synchronously.
func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	jobs, err := s.engine.CreateJobs(req.Payloads)
	var verr *dispatch.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payloads", "issues": verr.Issues})
		return
	case errors.Is(err, dispatch.ErrNoActiveIdentities):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := s.engine.Run(r.Context(), jobs, nil)
	if errors.Is(err, dispatch.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := batchResponse{BatchID: store.NewBatchID(), Summary: summary}
	s.remember(models.BatchRecord{ID: resp.BatchID, Summary: summary})
	// persistence must not lose a finished batch if the client went away
	ctx := context.WithoutCancel(r.Context())
	if s.recorder != nil {
		if err := s.recorder.RecordBatch(ctx, resp.BatchID, summary); err != nil {
			s.logger.Error("record batch failed", slog.String("batch", resp.BatchID), slog.String("error", err.Error()))
		}
	}
	if s.archiver != nil {
		loc, err := s.archiver.ArchiveSummary(ctx, resp.BatchID, summary)
		if err != nil {
			s.logger.Error("archive batch failed", slog.String("batch", resp.BatchID), slog.String("error", err.Error()))
		}
		resp.Archive = loc
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) remember(rec models.BatchRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	if len(s.order) > recentLimit {
		delete(s.recent, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	rec, ok := s.recent[id]
	s.mu.Unlock()
	if ok {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if s.recorder == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	rec, err := s.recorder.GetBatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if s.recorder != nil {
		list, err := s.recorder.ListBatches(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batches": list})
		return
	}

	s.mu.Lock()
	list := make([]models.BatchRecord, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(list) < limit; i-- {
		list = append(list, s.recent[s.order[i]])
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"batches": list})
}

type statsResponse struct {
	dispatch.Stats
	Throttle []ratelimit.WindowStats `json:"throttle"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stats: s.engine.Stats()}
	for _, id := range s.engine.Identities() {
		ws, err := s.engine.Throttle().Stats(r.Context(), id.Address)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Throttle = append(resp.Throttle, ws)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDLQ returns the dead-letter contents (identity/job ids only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.Queue().DeadLetters(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Reset(r.Context())
	if errors.Is(err, dispatch.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func splitJoined(err error) []string {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
