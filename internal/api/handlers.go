package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// handleInvocations acts as a multiplexer: POST starts an invocation, other
// verbs are not allowed.
func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createInvocation(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleInvocationByID routes GET and DELETE for specific invocation IDs.
func (s *Server) handleInvocationByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/invocations/")
	if id == "" {
		http.Error(w, "invocation id missing", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getInvocation(w, id)
	case http.MethodDelete:
		s.cancelInvocation(w, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createInvocation handles POST /invocations. The body is the trigger event;
// an empty body is a scheduled run.
func (s *Server) createInvocation(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxEventBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		http.Error(w, "trigger event must be JSON", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	entry := &invocationEntry{
		status: &InvocationStatus{
			InvocationID: id,
			Status:       StateQueued,
			StartedAt:    time.Now().UTC(),
		},
		cancel: cancel,
	}

	s.mu.Lock()
	s.evict()
	s.invocations[id] = entry
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runInvocation(ctx, entry, body)

	writeJSON(w, http.StatusAccepted, InvocationResponse{InvocationID: id})
}

func (s *Server) runInvocation(ctx context.Context, entry *invocationEntry, body []byte) {
	defer s.wg.Done()
	defer entry.cancel()

	id := entry.status.InvocationID
	s.mu.Lock()
	if entry.status.Status == StateQueued {
		entry.status.Status = StateRunning
	}
	s.mu.Unlock()

	res, err := s.runner.RunWithID(ctx, id, body)

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.done = true
	entry.status.Result = res
	if entry.status.Status == StateCancelled {
		return
	}
	finished := time.Now().UTC()
	entry.status.FinishedAt = &finished
	if err != nil {
		s.log.Errorf("invocation %s failed: %v", id, err)
		entry.status.Status = StateError
		entry.status.Error = err.Error()
		if errors.Is(err, context.Canceled) {
			entry.status.Status = StateCancelled
		}
		return
	}
	entry.status.Status = StateFinished
}

// evict drops the oldest completed invocations until there is room for one
// more. Callers hold s.mu.
func (s *Server) evict() {
	if len(s.invocations) < s.maxEntries {
		return
	}
	var done []*invocationEntry
	for _, e := range s.invocations {
		if e.done {
			done = append(done, e)
		}
	}
	sort.Slice(done, func(i, j int) bool {
		return done[i].status.FinishedAt.Before(*done[j].status.FinishedAt)
	})
	for _, e := range done {
		if len(s.invocations) < s.maxEntries {
			break
		}
		delete(s.invocations, e.status.InvocationID)
	}
}

// getInvocation handles GET /invocations/{id}.
func (s *Server) getInvocation(w http.ResponseWriter, id string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.invocations[id]
	if !ok {
		http.Error(w, "invocation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry.status)
}

// cancelInvocation handles DELETE /invocations/{id}. Cancelling a finished
// invocation is a no-op.
func (s *Server) cancelInvocation(w http.ResponseWriter, id string) {
	s.mu.Lock()
	entry, ok := s.invocations[id]
	if ok && (entry.status.Status == StateQueued || entry.status.Status == StateRunning) {
		entry.status.Status = StateCancelled
		finished := time.Now().UTC()
		entry.status.FinishedAt = &finished
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "invocation not found", http.StatusNotFound)
		return
	}

	entry.cancel()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
