package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/igolaizola/songforge"
	"github.com/igolaizola/songforge/pkg/storage"
	"github.com/oklog/ulid/v2"
)

type Config struct {
	songforge.Config

	Input   string
	Owner   string
	Timeout time.Duration
	Poll    time.Duration
}

type input struct {
	Owner       string  `json:"owner" csv:"owner"`
	Title       string  `json:"title" csv:"title"`
	Genre       string  `json:"genre" csv:"genre"`
	Mood        string  `json:"mood" csv:"mood"`
	Description string  `json:"description" csv:"description"`
	Lyrics      string  `json:"lyrics" csv:"lyrics"`
	Duration    float32 `json:"duration" csv:"duration"`
	Temperature float32 `json:"temperature" csv:"temperature"`
}

// Run creates the songs of the input file and waits for their generation.
func Run(ctx context.Context, cfg *Config) error {
	log.Println("batch: process started")
	defer log.Println("batch: process ended")

	debug := func(format string, args ...interface{}) {
		if !cfg.Debug {
			return
		}
		format += "\n"
		log.Printf(format, args...)
	}

	inputs, err := load(cfg.Input)
	if err != nil {
		return err
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	poll := cfg.Poll
	if poll <= 0 {
		poll = time.Second
	}

	svc, err := songforge.New(ctx, &cfg.Config)
	if err != nil {
		return fmt.Errorf("batch: couldn't create service: %w", err)
	}
	defer func() {
		if err := svc.Stop(context.Background()); err != nil {
			log.Printf("batch: couldn't stop service: %v\n", err)
		}
	}()
	store := svc.Store()

	// Create songs
	var pending []string
	for _, in := range inputs {
		owner := in.Owner
		if owner == "" {
			owner = cfg.Owner
		}
		song := &storage.Song{
			ID:          ulid.Make().String(),
			Owner:       owner,
			Title:       in.Title,
			Genre:       in.Genre,
			Mood:        in.Mood,
			Description: in.Description,
			Lyrics:      in.Lyrics,
			Duration:    in.Duration,
			Temperature: in.Temperature,
			Status:      storage.Generating,
		}
		if err := store.SetSong(ctx, song); err != nil {
			return fmt.Errorf("batch: couldn't create song: %w", err)
		}
		debug("batch: created song %s (%s)", song.ID, song.Title)
		pending = append(pending, song.ID)
	}
	log.Printf("batch: created %d songs\n", len(pending))

	// Submit and wait, songs rejected by a full queue are retried
	var unsubmitted []string
	submit := func(ids []string) []string {
		var rest []string
		for _, id := range ids {
			if !svc.Submit(id) && !svc.IsActive(id) {
				rest = append(rest, id)
			}
		}
		return rest
	}
	unsubmitted = submit(pending)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	var completed, failed int
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("batch: %d songs unfinished: %w", len(pending), ctx.Err())
		case <-ticker.C:
		}
		unsubmitted = submit(unsubmitted)
		waiting := map[string]struct{}{}
		for _, id := range unsubmitted {
			waiting[id] = struct{}{}
		}
		var rest []string
		for _, id := range pending {
			if _, ok := waiting[id]; ok || svc.IsActive(id) {
				rest = append(rest, id)
				continue
			}
			song, err := store.GetSong(ctx, id)
			if err != nil {
				return fmt.Errorf("batch: couldn't get song %s: %w", id, err)
			}
			switch song.Status {
			case storage.Completed:
				completed++
				log.Printf("batch: song %s completed: %s\n", id, song.AudioFile)
			case storage.Failed:
				failed++
				log.Printf("batch: song %s failed: %s\n", id, song.ErrorMessage)
			default:
				rest = append(rest, id)
			}
		}
		pending = rest
		debug("batch: %d pending, %d queued, %d active", len(pending), svc.QueueDepth(), svc.ActiveCount())
	}
	log.Printf("batch: %d completed, %d failed\n", completed, failed)
	if failed > 0 {
		return fmt.Errorf("batch: %d songs failed", failed)
	}
	return nil
}

func load(file string) ([]*input, error) {
	if file == "" {
		return nil, fmt.Errorf("batch: input file is required")
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("batch: couldn't read input file: %w", err)
	}

	ext := filepath.Ext(file)
	var unmarshal func([]byte) ([]*input, error)
	switch ext {
	case ".json":
		unmarshal = func(b []byte) ([]*input, error) {
			var is []*input
			if err := json.Unmarshal(b, &is); err != nil {
				return nil, fmt.Errorf("couldn't unmarshal items: %w", err)
			}
			return is, nil
		}
	case ".csv":
		unmarshal = func(b []byte) ([]*input, error) {
			var is []*input
			if err := gocsv.UnmarshalBytes(b, &is); err != nil {
				return nil, fmt.Errorf("couldn't unmarshal items: %w", err)
			}
			return is, nil
		}
	default:
		return nil, fmt.Errorf("batch: unsupported input format: %s", ext)
	}
	inputs, err := unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("batch: couldn't unmarshal input: %w", err)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("batch: no inputs found in file")
	}
	for i, in := range inputs {
		if in.Title == "" {
			return nil, fmt.Errorf("batch: input %d has no title", i+1)
		}
	}
	return inputs, nil
}
