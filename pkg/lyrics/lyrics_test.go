package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func nodebug(string, ...any) {}

func TestBuildPrompt(t *testing.T) {
	tests := []struct {
		genre, mood, title, description string
		want                            string
	}{
		{"pop", "", "Rain", "", "Write song lyrics for a pop song. Title: Rain"},
		{"rock", "angry", "Fire", "", "Write song lyrics for a rock song with a angry mood. Title: Fire"},
		{"jazz", "calm", "Night", "smooth sax", "Write song lyrics for a jazz song with a calm mood. Title: Night\n\nStyle: smooth sax"},
	}
	for _, tt := range tests {
		got := BuildPrompt(tt.genre, tt.mood, tt.title, tt.description)
		if got != tt.want {
			t.Fatalf("BuildPrompt() = %q; want %q", got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Result
		err  error
	}{
		{"empty", "   ", Result{}, nil},
		{"json", `{"lyrics":"hello world","style":"pop"}`, Result{Lyrics: "hello world", Style: "pop"}, nil},
		{"fenced json", "```json\n{\"lyrics\":\"a\\nb\",\"style\":\"rock\"}\n```", Result{Lyrics: "a\nb", Style: "rock"}, nil},
		{"fenced", "```\n{\"lyrics\":\"x\"}\n```", Result{Lyrics: "x"}, nil},
		{"plain text", "Verse 1\nla la la", Result{Lyrics: "Verse 1\nla la la"}, nil},
		{"fenced text", "```\nla la\n```", Result{Lyrics: "la la"}, nil},
		{"doctype", "  <!DOCTYPE html><html></html>", Result{}, ErrResponseInvalid},
		{"html", "<HTML><body>error</body></HTML>", Result{}, ErrResponseInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parse(tt.in, nodebug)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("parse() err = %v; want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse() err = %v; want nil", err)
			}
			if *got != tt.want {
				t.Fatalf("parse() = %+v; want %+v", *got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if n, err := validate(0, 1); err != nil || n != DefaultMaxTokens {
		t.Fatalf("validate(0, 1) = %d, %v; want %d, nil", n, err, DefaultMaxTokens)
	}
	if n, err := validate(100, 2); err != nil || n != 100 {
		t.Fatalf("validate(100, 2) = %d, %v; want 100, nil", n, err)
	}
	for _, temp := range []float64{0, -1, 2.5} {
		if _, err := validate(100, temp); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("validate(100, %v) err = %v; want %v", temp, err, ErrInvalidParameter)
		}
	}
}

// chatServer returns a server answering chat completions with the content.
func chatServer(t *testing.T, content string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q; want /v1/chat/completions", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "test",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCustomProvider(t *testing.T) {
	srv := chatServer(t, "```json\n{\"lyrics\":\"sun is up\",\"style\":\"indie\"}\n```", nil)
	f := NewFactory(&Defaults{Kind: Custom, CustomEndpoint: srv.URL + "/v1"})

	// Custom providers accept an empty key
	p, err := f.Provider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Provider() err = %v; want nil", err)
	}
	got, err := p.Generate(context.Background(), "prompt", 0, 0.8)
	if err != nil {
		t.Fatalf("Generate() err = %v; want nil", err)
	}
	want := Result{Lyrics: "sun is up", Style: "indie"}
	if *got != want {
		t.Fatalf("Generate() = %+v; want %+v", *got, want)
	}
}

func TestHTMLResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<!DOCTYPE html><html><body>Login</body></html>"))
	}))
	defer srv.Close()

	f := NewFactory(&Defaults{})
	p, err := f.Provider(context.Background(), Config{Kind: Comet, Key: "key", Endpoint: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("Provider() err = %v; want nil", err)
	}
	_, err = p.Generate(context.Background(), "prompt", 0, 1)
	if !errors.Is(err, ErrResponseInvalid) {
		t.Fatalf("Generate() err = %v; want %v", err, ErrResponseInvalid)
	}
}

func TestHTMLContent(t *testing.T) {
	srv := chatServer(t, "<html>oops</html>", nil)
	f := NewFactory(&Defaults{})
	p, err := f.Provider(context.Background(), Config{Kind: Custom, Endpoint: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("Provider() err = %v; want nil", err)
	}
	if _, err := p.Generate(context.Background(), "prompt", 0, 1); !errors.Is(err, ErrResponseInvalid) {
		t.Fatalf("Generate() err = %v; want %v", err, ErrResponseInvalid)
	}
}

func TestMissingCredential(t *testing.T) {
	f := NewFactory(&Defaults{})
	for _, kind := range []string{OpenAI, Comet} {
		if _, err := f.Provider(context.Background(), Config{Kind: kind}); !errors.Is(err, ErrMissingCredential) {
			t.Fatalf("Provider(%s) err = %v; want %v", kind, err, ErrMissingCredential)
		}
	}

	// Defaults provide the key
	f = NewFactory(&Defaults{OpenAIKey: "sk-test"})
	if _, err := f.Provider(context.Background(), Config{Kind: OpenAI}); err != nil {
		t.Fatalf("Provider(openai) err = %v; want nil", err)
	}
}

func TestResolve(t *testing.T) {
	f := NewFactory(&Defaults{Kind: OpenAI, CometKey: "comet-key"})
	tests := []struct {
		in   Config
		want Config
	}{
		{Config{}, Config{Kind: OpenAI, Model: DefaultOpenAIModel}},
		{Config{Kind: Comet}, Config{Kind: Comet, Key: "comet-key", Model: DefaultCometModel, Endpoint: DefaultCometEndpoint}},
		{Config{Kind: Custom, Model: "llama3"}, Config{Kind: Custom, Model: "llama3", Endpoint: DefaultCustomEndpoint}},
		{Config{Kind: Local, Key: "x"}, Config{Kind: Local, Model: localModelName}},
	}
	for _, tt := range tests {
		got := f.Resolve(tt.in)
		if got != tt.want {
			t.Fatalf("Resolve(%+v) = %+v; want %+v", tt.in, got, tt.want)
		}
	}
}

func TestUnknownKind(t *testing.T) {
	f := NewFactory(&Defaults{})
	if _, err := f.Provider(context.Background(), Config{Kind: "nope"}); err == nil {
		t.Fatalf("Provider(nope) err = nil; want error")
	}
}

func TestLocalModelLoad(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.gguf")
	f := NewFactory(&Defaults{Kind: Local, LocalModel: missing})
	if _, err := f.Provider(context.Background(), Config{}); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("Provider(local) err = %v; want %v", err, ErrModelLoad)
	}

	f = NewFactory(&Defaults{Kind: Local, LocalModel: filepath.Join(t.TempDir()), LlamaServer: "songforge-missing-llama-server"})
	if _, err := f.Provider(context.Background(), Config{}); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("Provider(local) err = %v; want %v", err, ErrModelLoad)
	}
}

func TestLocalInstanceShared(t *testing.T) {
	var calls int32
	srv := chatServer(t, `{"lyrics":"local song","style":"lofi"}`, &calls)

	var starts, stops int32
	f := NewFactory(&Defaults{Kind: Local, LocalModel: "model.gguf"})
	f.start = func(ctx context.Context, bin, model string, timeout time.Duration) (*localServer, error) {
		atomic.AddInt32(&starts, 1)
		return &localServer{
			endpoint: srv.URL + "/v1",
			stop: func() error {
				atomic.AddInt32(&stops, 1)
				return nil
			},
		}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.GenerateTextNow(context.Background(), Config{}, "prompt", 1)
			if err != nil {
				t.Errorf("GenerateTextNow() err = %v; want nil", err)
				return
			}
			if got.Lyrics != "local song" {
				t.Errorf("GenerateTextNow().Lyrics = %q; want %q", got.Lyrics, "local song")
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&starts); n != 1 {
		t.Fatalf("starts = %d; want 1", n)
	}
	if n := atomic.LoadInt32(&calls); n != 5 {
		t.Fatalf("calls = %d; want 5", n)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() err = %v; want nil", err)
	}
	if n := atomic.LoadInt32(&stops); n != 1 {
		t.Fatalf("stops = %d; want 1", n)
	}
}

func TestLocalInstanceReload(t *testing.T) {
	var calls int32
	srv := chatServer(t, `{"lyrics":"local song"}`, &calls)

	var starts int32
	var dones []chan struct{}
	f := NewFactory(&Defaults{Kind: Local, LocalModel: "model.gguf"})
	f.start = func(ctx context.Context, bin, model string, timeout time.Duration) (*localServer, error) {
		atomic.AddInt32(&starts, 1)
		done := make(chan struct{})
		dones = append(dones, done)
		return &localServer{
			endpoint: srv.URL + "/v1",
			stop:     func() error { return nil },
			done:     done,
		}, nil
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.GenerateTextNow(ctx, Config{}, "prompt", 1); err != nil {
			t.Fatalf("GenerateTextNow() err = %v; want nil", err)
		}
	}
	if n := atomic.LoadInt32(&starts); n != 1 {
		t.Fatalf("starts = %d; want 1", n)
	}

	// The server crashes, the next request loads it again
	close(dones[0])
	if _, err := f.GenerateTextNow(ctx, Config{}, "prompt", 1); err != nil {
		t.Fatalf("GenerateTextNow() after exit err = %v; want nil", err)
	}
	if n := atomic.LoadInt32(&starts); n != 2 {
		t.Fatalf("starts = %d; want 2", n)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() err = %v; want nil", err)
	}
}
