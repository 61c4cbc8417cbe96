package songforge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/igolaizola/songforge/pkg/acestep"
	"github.com/igolaizola/songforge/pkg/filestore"
	"github.com/igolaizola/songforge/pkg/lyrics"
	"github.com/igolaizola/songforge/pkg/pipeline"
	"github.com/igolaizola/songforge/pkg/scheduler"
	"github.com/igolaizola/songforge/pkg/sound"
	"github.com/igolaizola/songforge/pkg/storage"
	"github.com/igolaizola/songforge/pkg/telemetry"
)

const defaultStopTimeout = 30 * time.Second

type Config struct {
	Debug   bool
	DBType  string
	DBConn  string
	FSType  string
	FSConn  string
	Proxy   string
	Migrate bool

	// Lyrics provider defaults
	LLMKind        string
	OpenAIKey      string
	CometKey       string
	CometEndpoint  string
	CustomEndpoint string
	LocalModel     string
	LlamaServer    string

	// Music generation and rendering
	MusicEndpoint string
	FFmpeg        string
	Bitrate       string
	Waveform      bool
	TempDir       string

	Workers     int
	QueueSize   int
	StopTimeout time.Duration
}

// Service owns the components of the generation pipeline of a process.
type Service struct {
	store     *storage.Store
	files     *filestore.Store
	factory   *lyrics.Factory
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	metrics   *telemetry.Metrics
	timeout   time.Duration
}

// New creates the service and starts its workers.
func New(ctx context.Context, cfg *Config) (*Service, error) {
	httpClient := &http.Client{
		Timeout: 2 * time.Minute,
	}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("songforge: invalid proxy URL: %w", err)
		}
		httpClient.Transport = &http.Transport{
			Proxy: http.ProxyURL(u),
		}
	}

	store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("songforge: couldn't create orm store: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("songforge: couldn't start orm store: %w", err)
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Stop()
			return nil, fmt.Errorf("songforge: couldn't migrate orm store: %w", err)
		}
	}

	files, err := filestore.New(cfg.FSType, cfg.FSConn, cfg.Proxy, cfg.Debug, store)
	if err != nil {
		_ = store.Stop()
		return nil, fmt.Errorf("songforge: couldn't create file storage: %w", err)
	}

	factory := lyrics.NewFactory(&lyrics.Defaults{
		Kind:           cfg.LLMKind,
		OpenAIKey:      cfg.OpenAIKey,
		CometKey:       cfg.CometKey,
		CometEndpoint:  cfg.CometEndpoint,
		CustomEndpoint: cfg.CustomEndpoint,
		LocalModel:     cfg.LocalModel,
		LlamaServer:    cfg.LlamaServer,
		Client:         httpClient,
		Debug:          cfg.Debug,
	})

	pl := pipeline.New(&pipeline.Config{
		Store:  store,
		Files:  files,
		Lyrics: factory,
		Music: acestep.New(&acestep.Config{
			Endpoint: cfg.MusicEndpoint,
			Debug:    cfg.Debug,
		}),
		Renderer: sound.New(&sound.Config{
			FFmpeg:   cfg.FFmpeg,
			Bitrate:  cfg.Bitrate,
			Waveform: cfg.Waveform,
			Debug:    cfg.Debug,
		}),
		TempDir: cfg.TempDir,
		Debug:   cfg.Debug,
	})

	metrics := telemetry.New()
	sched := scheduler.New(&scheduler.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Debug:     cfg.Debug,
		Metrics:   metrics,
	}, pl.Run)
	if err := sched.Start(ctx); err != nil {
		_ = store.Stop()
		return nil, fmt.Errorf("songforge: couldn't start scheduler: %w", err)
	}

	timeout := cfg.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	return &Service{
		store:     store,
		files:     files,
		factory:   factory,
		pipeline:  pl,
		scheduler: sched,
		metrics:   metrics,
		timeout:   timeout,
	}, nil
}

// Enqueue queues the generation of a song. It returns storage.ErrNotFound if
// the song doesn't exist and the scheduler errors if it is already active, the
// queue is full or the service is stopped.
func (s *Service) Enqueue(ctx context.Context, songID string) error {
	if _, err := s.store.GetSong(ctx, songID); err != nil {
		return fmt.Errorf("songforge: couldn't submit song %s: %w", songID, err)
	}
	return s.scheduler.Enqueue(pipeline.JobID(songID), songID)
}

// Submit queues the generation of a song and reports whether it was accepted.
func (s *Service) Submit(songID string) bool {
	if err := s.Enqueue(context.Background(), songID); err != nil {
		log.Printf("songforge: %v\n", err)
		return false
	}
	return true
}

// IsActive reports whether the song is queued or being generated.
func (s *Service) IsActive(songID string) bool {
	return s.scheduler.IsActive(pipeline.JobID(songID))
}

func (s *Service) QueueDepth() int {
	return s.scheduler.QueueDepth()
}

func (s *Service) ActiveCount() int {
	return s.scheduler.ActiveCount()
}

// GenerateTextNow generates lyrics synchronously, for previews.
func (s *Service) GenerateTextNow(ctx context.Context, prompt string, cfg lyrics.Config, temperature float64) (*lyrics.Result, error) {
	return s.factory.GenerateTextNow(ctx, cfg, prompt, temperature)
}

// Reconcile resubmits the songs stuck in generating state.
func (s *Service) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.pipeline.Reconcile(ctx, s.scheduler, olderThan)
}

// ProviderConfig returns the lyrics provider overrides of an owner.
func (s *Service) ProviderConfig(ctx context.Context, owner string) (lyrics.Config, error) {
	return s.pipeline.ProviderConfig(ctx, owner)
}

func (s *Service) Store() *storage.Store {
	return s.store
}

func (s *Service) Files() *filestore.Store {
	return s.files
}

func (s *Service) Metrics() *telemetry.Metrics {
	return s.metrics
}

// Stop waits for the running jobs until the context deadline, or the
// configured stop timeout, and releases the resources.
func (s *Service) Stop(ctx context.Context) error {
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	var errs []error
	if err := s.scheduler.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := s.factory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("songforge: couldn't stop local models: %w", err))
	}
	if err := s.store.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("songforge: couldn't stop orm store: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Println("songforge: stopped")
	return nil
}
