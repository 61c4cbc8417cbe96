package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/igolaizola/songforge/pkg/lyrics"
	"github.com/igolaizola/songforge/pkg/scheduler"
	"github.com/igolaizola/songforge/pkg/storage"
)

type fakeService struct {
	sync.Mutex
	songs   map[string]bool
	active  map[string]bool
	full    bool
	queued  int
	prompt  string
	owner   lyrics.Config
	lastCfg lyrics.Config
}

func (s *fakeService) Enqueue(ctx context.Context, id string) error {
	s.Lock()
	defer s.Unlock()
	if !s.songs[id] {
		return fmt.Errorf("songforge: couldn't submit song %s: %w", id, storage.ErrNotFound)
	}
	if s.active[id] {
		return fmt.Errorf("%w: %s", scheduler.ErrDuplicate, id)
	}
	if s.full {
		return fmt.Errorf("%w: %s", scheduler.ErrQueueFull, id)
	}
	s.active[id] = true
	s.queued++
	return nil
}

func (s *fakeService) IsActive(id string) bool {
	s.Lock()
	defer s.Unlock()
	return s.active[id]
}

func (s *fakeService) QueueDepth() int {
	s.Lock()
	defer s.Unlock()
	return s.queued
}

func (s *fakeService) ActiveCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.active)
}

func (s *fakeService) GenerateTextNow(ctx context.Context, prompt string, cfg lyrics.Config, temperature float64) (*lyrics.Result, error) {
	s.Lock()
	defer s.Unlock()
	s.prompt = prompt
	s.lastCfg = cfg
	if temperature > 2 {
		return nil, lyrics.ErrInvalidParameter
	}
	return &lyrics.Result{Lyrics: "la la", Style: "pop"}, nil
}

func (s *fakeService) ProviderConfig(ctx context.Context, owner string) (lyrics.Config, error) {
	if owner == "" {
		return lyrics.Config{}, nil
	}
	return s.owner, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("invalid json response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func TestHandler(t *testing.T) {
	svc := &fakeService{
		songs:  map[string]bool{"song_1": true, "song_2": true},
		active: map[string]bool{},
		owner:  lyrics.Config{Kind: lyrics.OpenAI, Key: "k"},
	}
	h := NewHandler(svc)

	if code, _ := do(t, h, http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Fatalf("GET /healthz = %d; want %d", code, http.StatusOK)
	}

	code, out := do(t, h, http.MethodGet, "/jobs/song_1", "")
	if code != http.StatusOK || out["active"] != false {
		t.Fatalf("GET /jobs = %d %v; want 200 inactive", code, out)
	}
	if code, _ := do(t, h, http.MethodPost, "/jobs/song_1", ""); code != http.StatusAccepted {
		t.Fatalf("POST /jobs = %d; want %d", code, http.StatusAccepted)
	}
	if code, _ := do(t, h, http.MethodPost, "/jobs/song_1", ""); code != http.StatusConflict {
		t.Fatalf("POST /jobs twice = %d; want %d", code, http.StatusConflict)
	}
	code, out = do(t, h, http.MethodGet, "/jobs/song_1", "")
	if code != http.StatusOK || out["active"] != true {
		t.Fatalf("GET /jobs = %d %v; want 200 active", code, out)
	}

	code, out = do(t, h, http.MethodPost, "/jobs/missing", "")
	if code != http.StatusNotFound || out["active"] != false {
		t.Fatalf("POST /jobs unknown = %d %v; want 404 inactive", code, out)
	}
	svc.full = true
	if code, _ := do(t, h, http.MethodPost, "/jobs/song_2", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("POST /jobs with full queue = %d; want %d", code, http.StatusServiceUnavailable)
	}

	code, out = do(t, h, http.MethodGet, "/status", "")
	if code != http.StatusOK || out["queue_depth"] != float64(1) || out["active"] != float64(1) {
		t.Fatalf("GET /status = %d %v; want 200 with 1 queued and 1 active", code, out)
	}
}

func TestLyricsPreview(t *testing.T) {
	svc := &fakeService{
		active: map[string]bool{},
		owner:  lyrics.Config{Kind: lyrics.OpenAI, Key: "k"},
	}
	h := NewHandler(svc)

	code, out := do(t, h, http.MethodPost, "/lyrics", `{"owner": "alice", "genre": "pop", "title": "Rain"}`)
	if code != http.StatusOK || out["lyrics"] != "la la" || out["style"] != "pop" {
		t.Fatalf("POST /lyrics = %d %v; want 200 with lyrics", code, out)
	}
	if want := lyrics.BuildPrompt("pop", "", "Rain", ""); svc.prompt != want {
		t.Fatalf("prompt = %q; want %q", svc.prompt, want)
	}
	if svc.lastCfg != svc.owner {
		t.Fatalf("config = %+v; want %+v", svc.lastCfg, svc.owner)
	}

	if code, _ := do(t, h, http.MethodPost, "/lyrics", `{"genre": "pop"}`); code != http.StatusBadRequest {
		t.Fatalf("POST /lyrics without title = %d; want %d", code, http.StatusBadRequest)
	}
	if code, _ := do(t, h, http.MethodPost, "/lyrics", `{"prompt": "x", "temperature": 3}`); code != http.StatusBadRequest {
		t.Fatalf("POST /lyrics invalid temperature = %d; want %d", code, http.StatusBadRequest)
	}
	if code, _ := do(t, h, http.MethodPost, "/lyrics", `{`); code != http.StatusBadRequest {
		t.Fatalf("POST /lyrics invalid json = %d; want %d", code, http.StatusBadRequest)
	}
}
