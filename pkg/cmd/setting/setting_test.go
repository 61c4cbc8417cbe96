package setting

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/igolaizola/songforge/pkg/cmd/migrate"
	"github.com/igolaizola/songforge/pkg/lyrics"
	"github.com/igolaizola/songforge/pkg/storage"
)

func TestRun(t *testing.T) {
	ctx := context.Background()
	conn := filepath.Join(t.TempDir(), "songforge.db")
	if err := migrate.Run(ctx, &migrate.Config{DBType: "sqlite", DBConn: conn}); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		DBType: "sqlite",
		DBConn: conn,
		Owner:  "alice",
		Kind:   lyrics.Comet,
		Key:    "secret",
	}
	if err := Run(ctx, cfg); err != nil {
		t.Fatalf("Run() err = %v; want nil", err)
	}

	store, err := storage.New("sqlite", conn, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Stop() }()
	s, err := store.GetSetting(ctx, "llm/alice/config")
	if err != nil {
		t.Fatalf("GetSetting() err = %v; want nil", err)
	}
	var got lyrics.Config
	if err := json.Unmarshal([]byte(s.Value), &got); err != nil {
		t.Fatal(err)
	}
	want := lyrics.Config{Kind: lyrics.Comet, Key: "secret"}
	if got != want {
		t.Fatalf("config = %+v; want %+v", got, want)
	}

	cfg.Delete = true
	if err := Run(ctx, cfg); err != nil {
		t.Fatalf("Run() delete err = %v; want nil", err)
	}
	if _, err := store.GetSetting(ctx, "llm/alice/config"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetSetting() after delete err = %v; want %v", err, storage.ErrNotFound)
	}
}

func TestRunInvalid(t *testing.T) {
	ctx := context.Background()
	if err := Run(ctx, &Config{DBType: "sqlite", Kind: lyrics.Local}); err == nil {
		t.Fatalf("Run() without owner err = nil; want error")
	}
	if err := Run(ctx, &Config{DBType: "sqlite", Owner: "bob", Kind: "suno"}); err == nil {
		t.Fatalf("Run() with unknown kind err = nil; want error")
	}
}
