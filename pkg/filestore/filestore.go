package filestore

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/igolaizola/songforge/pkg/filestore/local"
	"github.com/igolaizola/songforge/pkg/filestore/s3"
	"github.com/igolaizola/songforge/pkg/filestore/tgstore"
	"github.com/igolaizola/songforge/pkg/storage"
)

type fs interface {
	Upload(ctx context.Context, path, name string) error
	Download(ctx context.Context, path, name string) error
	Delete(ctx context.Context, name string) error
}

// Store keeps the rendered artifacts under stable names.
type Store struct {
	fs fs
}

// New creates a file store. Connection strings by type:
//   - local: root directory
//   - s3: key:secret@bucket.region
//   - telegram: token@chat
func New(typ, conn, proxy string, debug bool, store *storage.Store) (*Store, error) {
	var fs fs
	switch typ {
	case "telegram":
		split := strings.Split(conn, "@")
		if len(split) != 2 {
			return nil, fmt.Errorf("filestore: invalid telegram connection string %q", conn)
		}
		chat, err := strconv.ParseInt(split[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("filestore: invalid telegram chat id %q: %w", split[1], err)
		}
		if store == nil {
			return nil, fmt.Errorf("filestore: telegram needs a database to keep file refs")
		}
		candidate, err := tgstore.New(split[0], chat, proxy, debug, store)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	case "s3":
		split := strings.Split(conn, "@")
		if len(split) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 connection string %q", conn)
		}
		auth := strings.Split(split[0], ":")
		if len(auth) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 auth string %q", conn)
		}
		loc := strings.Split(split[1], ".")
		if len(loc) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 location string %q", conn)
		}
		candidate, err := s3.New(auth[0], auth[1], loc[1], loc[0], debug)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	case "local", "":
		root := conn
		if root == "" {
			root = "media"
		}
		fs = local.New(root, debug)
	default:
		return nil, fmt.Errorf("filestore: unknown file storage type %q", typ)
	}
	return &Store{fs: fs}, nil
}

// Upload stores the local file under the name.
func (s *Store) Upload(ctx context.Context, path, name string) error {
	return s.fs.Upload(ctx, path, name)
}

// Download retrieves the named file into the local path.
func (s *Store) Download(ctx context.Context, path, name string) error {
	return s.fs.Download(ctx, path, name)
}

func (s *Store) Delete(ctx context.Context, name string) error {
	return s.fs.Delete(ctx, name)
}

// Song returns the stored name of a song audio file.
func Song(file string) string {
	return path.Join("songs", file)
}

// Waveform returns the stored name of a song waveform preview.
func Waveform(file string) string {
	return path.Join("waveforms", file+".png")
}
