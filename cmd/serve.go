package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/dispatch"
	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/monitoring"
	"github.com/sells-group/archive-flow/internal/store"
)

var servePort int

// itemRunner is the dispatcher call the webhook handlers need.
type itemRunner interface {
	RunIDs(ctx context.Context, ids []string, strategy dispatch.Strategy) (*model.BatchResult, error)
}

type backlogCollector interface {
	Collect(ctx context.Context) (*monitoring.MetricsSnapshot, error)
}

// webhookServer triggers item runs from HTTP requests. Runs happen in the
// background; wait blocks until they finish. An item has at most one run in
// flight; a second request for it gets 409.
type webhookServer struct {
	ctx       context.Context
	store     store.Store
	runner    itemRunner
	collector backlogCollector
	strategy  dispatch.Strategy
	observe   func(ctx context.Context, res *model.BatchResult)

	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]bool
}

func (s *webhookServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/backlog", s.handleBacklog)
	r.Route("/webhook/items/{id}", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Post("/resume", s.handleResume)
	})
	r.Get("/items/{id}", s.handleGet)
	return r
}

func (s *webhookServer) handleGet(w http.ResponseWriter, r *http.Request) {
	item, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *webhookServer) handleBacklog(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		zap.L().Error("backlog snapshot failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "backlog unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *webhookServer) handleRun(w http.ResponseWriter, r *http.Request) {
	item, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !s.claim(w, item.ID) {
		return
	}
	s.start(item.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "item": item.ID})
}

func (s *webhookServer) handleResume(w http.ResponseWriter, r *http.Request) {
	item, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !s.claim(w, item.ID) {
		return
	}
	err := s.store.PatchFields(r.Context(), item.Handle, model.Fields{model.FieldStatus: model.StatusResumeProcessing})
	if err != nil {
		s.release(item.ID)
		zap.L().Error("webhook resume: set status", zap.String("item", item.ID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "could not update item status"})
		return
	}
	s.start(item.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "item": item.ID})
}

// lookup resolves the {id} path parameter, writing the error response
// itself when the item is missing or is a child.
func (s *webhookServer) lookup(w http.ResponseWriter, r *http.Request) (*model.WorkItem, bool) {
	id := chi.URLParam(r, "id")
	item, err := s.store.FindByID(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("item %s not found", id)})
		return nil, false
	case err != nil:
		zap.L().Error("webhook lookup failed", zap.String("item", id), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "store unavailable"})
		return nil, false
	case item.IsChild():
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": fmt.Sprintf("item %s is a child of %s", id, item.ParentID)})
		return nil, false
	}
	return item, true
}

// claim marks id as running, or writes 409 when a run is already in flight.
func (s *webhookServer) claim(w http.ResponseWriter, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("item %s is already running", id)})
		return false
	}
	if s.running == nil {
		s.running = make(map[string]bool)
	}
	s.running[id] = true
	return true
}

func (s *webhookServer) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// start runs a claimed item in the background and releases it when done.
func (s *webhookServer) start(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(id)
		res, err := s.runner.RunIDs(s.ctx, []string{id}, s.strategy)
		if err != nil {
			zap.L().Error("webhook run failed", zap.String("item", id), zap.Error(err))
			return
		}
		zap.L().Info("webhook run complete",
			zap.String("item", id),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
		)
		if s.observe != nil {
			s.observe(s.ctx, res)
		}
	}()
}

func (s *webhookServer) wait() {
	s.wg.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start webhook server for item runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Holding the run lock keeps run and poll from working the same
		// items while the server is up.
		unlock, err := acquireRunLock(cfg.Workflow.LockFile)
		if err != nil {
			return err
		}
		defer unlock()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		strategy, err := resolveStrategy("")
		if err != nil {
			return err
		}

		ws := &webhookServer{
			ctx:       ctx,
			store:     env.Store,
			runner:    env.Dispatcher,
			collector: env.Collector,
			strategy:  strategy,
			observe: func(ctx context.Context, res *model.BatchResult) {
				env.Checker.ObserveRun(ctx, res)
			},
		}
		go env.Checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           ws.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		ws.wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
