package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(filepath.Join(dir, "media"), false)

	src := filepath.Join(dir, "song.mp3")
	if err := os.WriteFile(src, []byte("audio"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Upload(ctx, src, "songs/alice - 01 - Rain.mp3"); err != nil {
		t.Fatalf("Upload() err = %v; want nil", err)
	}

	dst := filepath.Join(dir, "copy.mp3")
	if err := s.Download(ctx, dst, "songs/alice - 01 - Rain.mp3"); err != nil {
		t.Fatalf("Download() err = %v; want nil", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "audio" {
		t.Fatalf("content = %q; want %q", b, "audio")
	}

	if err := s.Delete(ctx, "songs/alice - 01 - Rain.mp3"); err != nil {
		t.Fatalf("Delete() err = %v; want nil", err)
	}
	if err := s.Delete(ctx, "songs/alice - 01 - Rain.mp3"); err != nil {
		t.Fatalf("Delete() twice err = %v; want nil", err)
	}
	if err := s.Download(ctx, dst, "songs/alice - 01 - Rain.mp3"); err == nil {
		t.Fatalf("Download() after delete err = nil; want error")
	}
}
