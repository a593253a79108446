package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/OrrinLabs/tally/counter"
	"github.com/OrrinLabs/tally/models"
	"github.com/OrrinLabs/tally/pool"
	"github.com/OrrinLabs/tally/store"
)

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

// writeError maps domain errors onto statuses: conflicts and failed
// structural work are 409, missing or retired records 404, a store that
// cannot answer 503, bad requests 400, anything unclassified 500.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	var splitErr *pool.ErrSplitFailed
	var mergeErr *pool.ErrMergeConflict

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &splitErr), errors.As(err, &mergeErr):
		status = http.StatusConflict
	case store.IsConflict(err):
		status = http.StatusConflict
	case store.IsNotFound(err), store.IsRetired(err):
		status = http.StatusNotFound
	case store.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrInvalidBounds),
		errors.Is(err, pool.ErrInvalidSeedShards),
		errors.Is(err, pool.ErrInvalidSplitCount),
		errors.Is(err, pool.ErrSameShard),
		errors.Is(err, counter.ErrMissingCounterID):
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	reply := struct {
		Error string `json:"error"`
	}{Error: err.Error()}
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		s.logger.Error("encoding error response failed", "error", err)
	}
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if !s.validateToken(w, r) {
		return
	}

	var req models.CreateCounterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	lc, err := s.mgmt.CreateCounter(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("counter created", "counter", lc.ID, "shards", len(lc.ShardIDs))
	s.writeJSON(w, lc)
}

func (s *Service) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if !s.validateToken(w, r) {
		return
	}

	var req models.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Rejections are results, not errors: the caller gets a 200 with
	// the reason and decides whether to retry.
	result, err := s.ops.Apply(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, result)
}

func (s *Service) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if !s.validateToken(w, r) {
		return
	}

	counterID := r.URL.Query().Get("counter")
	if counterID == "" {
		http.Error(w, "Missing counter query parameter", http.StatusBadRequest)
		return
	}

	snapshot, err := s.mgmt.Aggregate(r.Context(), counterID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, snapshot)
}

func (s *Service) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if !s.validateToken(w, r) {
		return
	}

	var req models.RebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.CounterID == "" {
		http.Error(w, "Missing counter id", http.StatusBadRequest)
		return
	}

	summary, err := s.mgmt.Rebalance(r.Context(), req.CounterID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, summary)
}

func (s *Service) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if !s.validateToken(w, r) {
		return
	}

	ids, err := s.mgmt.ListCounters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	rsp := struct {
		Data []string `json:"data"`
	}{Data: ids}
	s.writeJSON(w, rsp)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if !s.validateToken(w, r) {
		return
	}

	counterID := r.URL.Query().Get("counter")
	if counterID == "" {
		http.Error(w, "Missing counter query parameter", http.StatusBadRequest)
		return
	}

	lc, err := s.mgmt.GetCounter(r.Context(), counterID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, lc)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if !s.validateToken(w, r) {
		return
	}

	var req models.DeleteCounterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.CounterID == "" {
		http.Error(w, "Missing counter id", http.StatusBadRequest)
		return
	}

	if err := s.mgmt.DeleteCounter(r.Context(), req.CounterID); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("counter deleted", "counter", req.CounterID)
	rsp := struct {
		Status string `json:"status"`
	}{Status: "ok"}
	s.writeJSON(w, rsp)
}

func (s *Service) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if !s.validateToken(w, r) {
		return
	}

	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	rsp := struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	s.writeJSON(w, rsp)
}
