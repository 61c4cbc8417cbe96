package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/igolaizola/songforge"
	"github.com/igolaizola/songforge/pkg/lyrics"
	"github.com/igolaizola/songforge/pkg/scheduler"
	"github.com/igolaizola/songforge/pkg/storage"
)

type Config struct {
	songforge.Config

	Addr        string
	Poll        time.Duration
	Stale       time.Duration
	Credentials map[string]string
}

// Service is the part of the songforge service exposed over http.
type Service interface {
	Enqueue(ctx context.Context, songID string) error
	IsActive(songID string) bool
	QueueDepth() int
	ActiveCount() int
	GenerateTextNow(ctx context.Context, prompt string, cfg lyrics.Config, temperature float64) (*lyrics.Result, error)
	ProviderConfig(ctx context.Context, owner string) (lyrics.Config, error)
}

// Serve runs the generation workers and the ops server until the context is
// cancelled.
func Serve(ctx context.Context, cfg *Config) error {
	log.Println("serve: server started")
	defer log.Println("serve: server ended")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := songforge.New(ctx, &cfg.Config)
	if err != nil {
		return fmt.Errorf("serve: couldn't create service: %w", err)
	}
	defer func() {
		if err := svc.Stop(context.Background()); err != nil {
			log.Printf("serve: couldn't stop service: %v\n", err)
		}
	}()

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	if len(cfg.Credentials) > 0 {
		mux.Use(middleware.BasicAuth("private", cfg.Credentials))
	}
	if cfg.Debug {
		mux.Use(middleware.Logger)
	}
	mux.Method(http.MethodGet, "/metrics", svc.Metrics().Handler())
	mux.Mount("/", NewHandler(svc))

	// Create server
	split := strings.Split(cfg.Addr, ":")
	if len(split) != 2 {
		return fmt.Errorf("serve: invalid address: %s", cfg.Addr)
	}
	host := split[0]
	port, err := strconv.Atoi(split[1])
	if err != nil {
		return fmt.Errorf("serve: invalid port: %s", split[1])
	}
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}
	go func() {
		note := fmt.Sprintf("http://%s:%d", host, port)
		if host == "" {
			note = fmt.Sprintf("all interfaces http://localhost:%d", port)
		}
		log.Printf("serve: listening on %s\n", note)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("serve: failed to start server: %v\n", err)
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("serve: couldn't shutdown server: %v\n", err)
		}
	}()

	// Resubmit songs left behind by a previous process, then keep polling
	// for songs created by other processes.
	poll := cfg.Poll
	if poll <= 0 {
		poll = time.Minute
	}
	reconcile := func() {
		if _, err := svc.Reconcile(ctx, cfg.Stale); err != nil {
			log.Printf("serve: %v\n", err)
		}
	}
	reconcile()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reconcile()
		}
	}
}

type previewRequest struct {
	Owner       string  `json:"owner"`
	Prompt      string  `json:"prompt"`
	Genre       string  `json:"genre"`
	Mood        string  `json:"mood"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Temperature float64 `json:"temperature"`
}

// NewHandler returns the http routes of the service.
func NewHandler(svc Service) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{
			"queue_depth": svc.QueueDepth(),
			"active":      svc.ActiveCount(),
		})
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		writeJSON(w, http.StatusOK, map[string]any{
			"id":     id,
			"active": svc.IsActive(id),
		})
	})

	r.Post("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := svc.Enqueue(r.Context(), id)
		var status int
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]any{
				"id":     id,
				"active": true,
			})
			return
		case errors.Is(err, storage.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, scheduler.ErrDuplicate):
			status = http.StatusConflict
		case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrStopped):
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]any{
			"id":     id,
			"active": svc.IsActive(id),
			"error":  err.Error(),
		})
	})

	r.Post("/lyrics", func(w http.ResponseWriter, r *http.Request) {
		var req previewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		prompt := req.Prompt
		if prompt == "" {
			if req.Title == "" {
				http.Error(w, "title or prompt is required", http.StatusBadRequest)
				return
			}
			prompt = lyrics.BuildPrompt(req.Genre, req.Mood, req.Title, req.Description)
		}
		temperature := req.Temperature
		if temperature == 0 {
			temperature = lyrics.DefaultTemperature
		}
		cfg, err := svc.ProviderConfig(r.Context(), req.Owner)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		res, err := svc.GenerateTextNow(r.Context(), prompt, cfg, temperature)
		switch {
		case errors.Is(err, lyrics.ErrInvalidParameter), errors.Is(err, lyrics.ErrMissingCredential):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("serve: couldn't encode response: %v\n", err)
	}
}
