// Package api hosts invocations over HTTP: each POST starts one orchestrator
// run in the background and the registry keeps its status for polling.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"popsync/internal/orchestrator"

	"github.com/sirupsen/logrus"
)

// MaxEventBytes bounds the size of a trigger payload.
const MaxEventBytes = 1 << 20

// MaxInvocations bounds the registry. Once reached, the oldest completed
// invocations are forgotten to make room; running ones are always kept.
const MaxInvocations = 1000

// Runner executes one invocation under the given ID.
type Runner interface {
	RunWithID(ctx context.Context, id string, raw []byte) (*orchestrator.Result, error)
}

// Server encapsulates the HTTP server, router and invocation registry.
type Server struct {
	runner  Runner
	metrics http.Handler
	mux     *http.ServeMux
	log     *logrus.Entry

	mu          sync.RWMutex
	invocations map[string]*invocationEntry
	maxEntries  int
	wg          sync.WaitGroup
}

type invocationEntry struct {
	status *InvocationStatus
	cancel context.CancelFunc // allows cancellation via DELETE /invocations/{id}
	done   bool               // the runner has returned
}

// NewServer builds a server with logging and panic recovery middlewares.
// metrics may be nil, in which case /metrics is not served.
func NewServer(runner Runner, metrics http.Handler) *Server {
	s := &Server{
		runner:      runner,
		metrics:     metrics,
		mux:         http.NewServeMux(),
		log:         logrus.WithField("component", "api"),
		invocations: make(map[string]*invocationEntry),
		maxEntries:  MaxInvocations,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/invocations", s.handleInvocations)     // POST /invocations
	s.mux.HandleFunc("/invocations/", s.handleInvocationByID) // GET/DELETE /invocations/{id}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
}

// Handler returns the routed handler wrapped in the middlewares.
func (s *Server) Handler() http.Handler {
	return s.recoveryMiddleware(s.loggingMiddleware(s.mux))
}

// Run serves on port until ctx is cancelled, then shuts down gracefully,
// cancelling in-flight invocations that outlive the grace period.
func (s *Server) Run(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("HTTP server running on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.Wait(shutdownCtx)
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Wait blocks until every background invocation returned or ctx is done, in
// which case the remaining invocations are cancelled.
func (s *Server) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.mu.RLock()
		for _, e := range s.invocations {
			if e.cancel != nil {
				e.cancel()
			}
		}
		s.mu.RUnlock()
		<-done
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}

// recoveryMiddleware catches panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Errorf("panic recovered: %v", rec)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
