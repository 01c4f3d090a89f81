package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/generator"
	"github.com/prospect-labs/prospectd/internal/ledger"
	"github.com/prospect-labs/prospectd/internal/model"
	"github.com/prospect-labs/prospectd/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the generation API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(e, cfg.Server.AllowedOrigins),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the HTTP API. Authentication is out of scope here: the
// owner id is taken from the X-Owner-ID header set by the gateway in front
// of this service.
func newRouter(e *env, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Owner-ID"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireOwner)

		r.Post("/searches", handleCreateSearch(e.Store))
		r.Get("/searches", handleListSearches(e.Store))
		r.Delete("/searches/{id}", handleDeleteSearch(e.Store))
		r.Post("/searches/{id}/generate", handleGenerate(e.Generator))

		r.Get("/jobs", handleListJobs(e.Ledger))
		r.Get("/jobs/{id}", handleGetJob(e.Ledger))

		r.Get("/opportunities", handleListOpportunities(e.Store))
	})

	return r
}

type ctxKey int

const ownerKey ctxKey = iota

// requireOwner rejects requests without an owner identity.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		owner := req.Header.Get("X-Owner-ID")
		if owner == "" {
			writeError(w, http.StatusBadRequest, "X-Owner-ID header is required")
			return
		}
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), ownerKey, owner)))
	})
}

func ownerFrom(req *http.Request) string {
	owner, _ := req.Context().Value(ownerKey).(string)
	return owner
}

func handleCreateSearch(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Name       string   `json:"name"`
			Keywords   []string `json:"keywords"`
			Patterns   []string `json:"patterns"`
			Subreddits []string `json:"subreddits"`
			Platforms  []string `json:"platforms"`
			Mode       string   `json:"scraping_mode"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Name == "" || len(body.Keywords) == 0 {
			writeError(w, http.StatusBadRequest, "name and keywords are required")
			return
		}

		mode := model.ScrapingMode(body.Mode)
		if mode == "" {
			mode = model.ScrapingModeScheduled
		}

		s := &model.Search{
			OwnerID:    ownerFrom(req),
			Name:       body.Name,
			Keywords:   body.Keywords,
			Patterns:   body.Patterns,
			Subreddits: body.Subreddits,
			Platforms:  body.Platforms,
			Enabled:    true,
			Mode:       mode,
		}
		if err := st.CreateSearch(req.Context(), s); err != nil {
			zap.L().Error("create search failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "create search failed")
			return
		}
		writeJSON(w, http.StatusCreated, s)
	}
}

func handleListSearches(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		searches, err := st.ListSearches(req.Context(), ownerFrom(req))
		if err != nil {
			zap.L().Error("list searches failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list searches failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"searches": searches})
	}
}

func handleDeleteSearch(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := st.SoftDeleteSearch(req.Context(), ownerFrom(req), chi.URLParam(req, "id"))
		switch {
		case errors.Is(err, store.ErrSearchNotFound):
			writeError(w, http.StatusNotFound, "search not found")
		case err != nil:
			zap.L().Error("delete search failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "delete search failed")
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// handleGenerate enqueues a background generation job and returns 202 with
// the job id. The run is detached from the request context so a client
// disconnect cannot cancel it mid-pipeline.
func handleGenerate(gen *generator.Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Limit int  `json:"limit"`
			Force bool `json:"force"`
		}
		if req.Body != nil && req.ContentLength != 0 {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}

		genReq := generator.Request{
			OwnerID:  ownerFrom(req),
			SearchID: chi.URLParam(req, "id"),
			Limit:    body.Limit,
			Force:    body.Force,
		}

		rec, err := gen.Enqueue(req.Context(), genReq)
		if err != nil {
			zap.L().Error("enqueue generation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}

		go gen.Run(context.WithoutCancel(req.Context()), rec.ID, genReq)

		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": rec.ID,
			"status": string(rec.Status),
		})
	}
}

func handleGetJob(led ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rec, err := led.Get(req.Context(), chi.URLParam(req, "id"))
		switch {
		case errors.Is(err, ledger.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case err != nil:
			zap.L().Error("get job failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "get job failed")
		case rec.OwnerID != ownerFrom(req):
			// Do not leak other owners' job ids.
			writeError(w, http.StatusNotFound, "job not found")
		default:
			writeJSON(w, http.StatusOK, rec)
		}
	}
}

func handleListJobs(led ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recs, err := led.List(req.Context(), ownerFrom(req))
		if err != nil {
			zap.L().Error("list jobs failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list jobs failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": recs})
	}
}

func handleListOpportunities(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		filter := store.OpportunityFilter{
			SearchID: q.Get("search_id"),
			Status:   model.OpportunityStatus(q.Get("status")),
		}
		filter.Limit, _ = strconv.Atoi(q.Get("limit"))
		filter.Offset, _ = strconv.Atoi(q.Get("offset"))

		opps, err := st.ListOpportunities(req.Context(), ownerFrom(req), filter)
		if err != nil {
			zap.L().Error("list opportunities failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list opportunities failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"opportunities": opps})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
