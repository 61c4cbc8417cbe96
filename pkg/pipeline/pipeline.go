package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/igolaizola/songforge/pkg/filestore"
	"github.com/igolaizola/songforge/pkg/lyrics"
	"github.com/igolaizola/songforge/pkg/music"
	"github.com/igolaizola/songforge/pkg/scheduler"
	"github.com/igolaizola/songforge/pkg/sound"
	"github.com/igolaizola/songforge/pkg/storage"
)

const jobPrefix = "song_"

// Store is the persistence used by the pipeline.
type Store interface {
	GetSong(ctx context.Context, id string) (*storage.Song, error)
	UpdateSong(ctx context.Context, v *storage.Song, fields ...string) error
	CountSongsByOwner(ctx context.Context, owner, upTo string) (int, error)
	ListSongs(ctx context.Context, page, size int, orderBy string, filter ...storage.Filter) ([]*storage.Song, error)
	GetSetting(ctx context.Context, id string) (*storage.Setting, error)
}

type Files interface {
	Upload(ctx context.Context, path, name string) error
}

type Lyrics interface {
	Provider(ctx context.Context, cfg lyrics.Config) (lyrics.Provider, error)
}

type Renderer interface {
	Render(ctx context.Context, samples [][]float32, sampleRate int, output string) (*sound.Render, error)
	FromFile(ctx context.Context, input, output string) (*sound.Render, error)
}

type Config struct {
	Store    Store
	Files    Files
	Lyrics   Lyrics
	Music    music.Generator
	Renderer Renderer
	// TempDir is where the audio is rendered before upload
	TempDir string
	Debug   bool
}

type Pipeline struct {
	store    Store
	files    Files
	lyrics   Lyrics
	music    music.Generator
	renderer Renderer
	tempDir  string
	debug    func(string, ...any)
}

func New(cfg *Config) *Pipeline {
	debug := func(string, ...any) {}
	if cfg.Debug {
		debug = func(format string, args ...any) {
			log.Printf(format+"\n", args...)
		}
	}
	return &Pipeline{
		store:    cfg.Store,
		files:    cfg.Files,
		lyrics:   cfg.Lyrics,
		music:    cfg.Music,
		renderer: cfg.Renderer,
		tempDir:  cfg.TempDir,
		debug:    debug,
	}
}

// JobID returns the scheduler job id of a song.
func JobID(songID string) string {
	return jobPrefix + songID
}

// Run is the scheduler handler. The job reference is the song id.
func (p *Pipeline) Run(ctx context.Context, job *scheduler.Job) error {
	return p.Generate(ctx, job.Ref)
}

// Generate takes the song through lyrics, music and render steps. The song
// ends up completed or failed, unless it is deleted meanwhile, in which case
// the returned error wraps storage.ErrNotFound.
func (p *Pipeline) Generate(ctx context.Context, id string) error {
	song, err := p.store.GetSong(ctx, id)
	if err != nil {
		return fmt.Errorf("pipeline: couldn't get song %s: %w", id, err)
	}
	log.Printf("pipeline: starting generation for song %s: %s\n", id, song.Title)

	song.Status = storage.Generating
	song.ErrorMessage = ""
	if err := p.store.UpdateSong(ctx, song, "status", "error_message"); err != nil {
		return fmt.Errorf("pipeline: couldn't mark song %s as generating: %w", id, err)
	}

	dir, err := os.MkdirTemp(p.tempDir, "song-")
	if err == nil {
		defer func() { _ = os.RemoveAll(dir) }()
		err = p.recoverGenerate(ctx, song, dir)
	} else {
		err = fmt.Errorf("pipeline: couldn't create temp dir: %w", err)
	}
	if err == nil {
		log.Printf("pipeline: song %s generated successfully\n", id)
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		log.Printf("pipeline: song %s was deleted during generation\n", id)
		return err
	}

	log.Printf("pipeline: error generating song %s: %v\n", id, err)
	song.Status = storage.Failed
	song.ErrorMessage = err.Error()
	if uerr := p.store.UpdateSong(ctx, song, "status", "error_message"); uerr != nil {
		return fmt.Errorf("%w (couldn't mark song as failed: %w)", err, uerr)
	}
	return err
}

// recoverGenerate runs generate turning a panic into an error, so the song
// still ends up failed.
func (p *Pipeline) recoverGenerate(ctx context.Context, song *storage.Song, dir string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pipeline: panic generating song %s: %v\n%s", song.ID, r, debug.Stack())
			err = fmt.Errorf("pipeline: panic: %v", r)
		}
	}()
	return p.generate(ctx, song, dir)
}

func (p *Pipeline) generate(ctx context.Context, song *storage.Song, dir string) error {
	// Lyrics
	if strings.TrimSpace(song.Lyrics) == "" {
		if err := p.writeLyrics(ctx, song); err != nil {
			return err
		}
	}

	// Music
	duration := float64(song.Duration)
	auto := duration <= 0
	if auto {
		duration = music.AutoDuration
	}
	p.debug("pipeline: generating music for song %s (duration %v)", song.ID, duration)
	res, err := p.music.Generate(ctx, &music.Request{
		Lyrics:      song.Lyrics,
		Genre:       song.Genre,
		Mood:        song.Mood,
		Description: song.Description,
		Duration:    duration,
		Temperature: float64(song.Temperature),
	})
	if err != nil {
		return fmt.Errorf("pipeline: couldn't generate music: %w", err)
	}

	// Render
	n, err := p.store.CountSongsByOwner(ctx, song.Owner, song.ID)
	if err != nil {
		return fmt.Errorf("pipeline: couldn't count songs: %w", err)
	}
	name := Filename(song.Owner, n, song.Title)
	output := filepath.Join(dir, name)
	var render *sound.Render
	switch {
	case len(res.Samples) > 0:
		render, err = p.renderer.Render(ctx, res.Samples, res.SampleRate, output)
	case res.Path != "":
		render, err = p.renderer.FromFile(ctx, res.Path, output)
	default:
		err = fmt.Errorf("%w: no audio in result", music.ErrGeneration)
	}
	if err != nil {
		return fmt.Errorf("pipeline: couldn't render audio: %w", err)
	}

	// Upload
	song.AudioFile = filestore.Song(name)
	if err := p.files.Upload(ctx, render.Path, song.AudioFile); err != nil {
		return fmt.Errorf("pipeline: couldn't upload audio: %w", err)
	}
	song.Waveform = ""
	if render.Waveform != "" {
		wf := filestore.Waveform(name)
		if err := p.files.Upload(ctx, render.Waveform, wf); err != nil {
			log.Printf("pipeline: couldn't upload waveform of song %s: %v\n", song.ID, err)
		} else {
			song.Waveform = wf
		}
	}

	song.Status = storage.Completed
	fields := []string{"audio_file", "waveform", "status"}
	if auto {
		d := render.Duration
		if d <= 0 {
			d = res.Duration
		}
		if d > 0 {
			song.Duration = float32(d)
			fields = append(fields, "duration")
		}
	}
	if err := p.store.UpdateSong(ctx, song, fields...); err != nil {
		return fmt.Errorf("pipeline: couldn't save song: %w", err)
	}
	return nil
}

func (p *Pipeline) writeLyrics(ctx context.Context, song *storage.Song) error {
	cfg, err := p.ProviderConfig(ctx, song.Owner)
	if err != nil {
		return err
	}
	provider, err := p.lyrics.Provider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("pipeline: couldn't create lyrics provider: %w", err)
	}
	temperature := float64(song.Temperature)
	if temperature <= 0 {
		temperature = lyrics.DefaultTemperature
	}
	prompt := lyrics.BuildPrompt(song.Genre, song.Mood, song.Title, song.Description)
	p.debug("pipeline: generating lyrics for song %s: %s", song.ID, prompt)
	res, err := provider.Generate(ctx, prompt, lyrics.DefaultMaxTokens, temperature)
	if err != nil {
		return fmt.Errorf("pipeline: couldn't generate lyrics: %w", err)
	}
	song.Lyrics = res.Lyrics
	fields := []string{"lyrics"}
	if res.Style != "" {
		song.Style = res.Style
		fields = append(fields, "style")
	}
	if err := p.store.UpdateSong(ctx, song, fields...); err != nil {
		return fmt.Errorf("pipeline: couldn't save lyrics: %w", err)
	}
	return nil
}

// ProviderConfig returns the lyrics provider overrides of the owner.
func (p *Pipeline) ProviderConfig(ctx context.Context, owner string) (lyrics.Config, error) {
	var cfg lyrics.Config
	if owner == "" {
		return cfg, nil
	}
	setting, err := p.store.GetSetting(ctx, storage.ProviderSettingID(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("pipeline: couldn't get provider setting: %w", err)
	}
	if err := json.Unmarshal([]byte(setting.Value), &cfg); err != nil {
		return cfg, fmt.Errorf("pipeline: invalid provider setting of %s: %w", owner, err)
	}
	return cfg, nil
}

// Reconcile resubmits songs left generating for longer than olderThan that
// no worker owns, such as those queued when the process stopped.
func (p *Pipeline) Reconcile(ctx context.Context, sched Submitter, olderThan time.Duration) (int, error) {
	limit := time.Now().UTC().Add(-olderThan)
	const size = 100

	// Collect first, submitted songs may change status while paginating
	var ids []string
	for page := 1; ; page++ {
		songs, err := p.store.ListSongs(ctx, page, size, "id asc",
			storage.Where("status = ?", storage.Generating),
			storage.Where("updated_at <= ?", limit),
		)
		if err != nil {
			return 0, fmt.Errorf("pipeline: couldn't list songs: %w", err)
		}
		for _, song := range songs {
			ids = append(ids, song.ID)
		}
		if len(songs) < size {
			break
		}
	}

	var n int
	for _, id := range ids {
		job := JobID(id)
		if sched.IsActive(job) {
			continue
		}
		if !sched.Submit(job, id) {
			continue
		}
		p.debug("pipeline: resubmitted song %s", id)
		n++
	}
	if n > 0 {
		log.Printf("pipeline: reconciled %d songs\n", n)
	}
	return n, nil
}

// Submitter queues jobs.
type Submitter interface {
	Submit(id, ref string) bool
	IsActive(id string) bool
}
