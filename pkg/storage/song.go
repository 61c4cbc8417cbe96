package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Status values of a song generation.
const (
	Generating = "generating"
	Completed  = "completed"
	Failed     = "failed"
)

type Song struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Owner       string `gorm:"index;not null;default:''"`
	Title       string `gorm:"not null;default:''"`
	Lyrics      string `gorm:"not null;default:''"`
	Style       string `gorm:"not null;default:''"`
	Description string `gorm:"not null;default:''"`

	Genre       string  `gorm:"not null;default:'pop'"`
	Mood        string  `gorm:"not null;default:''"`
	Duration    float32 `gorm:"not null;default:0"`
	Temperature float32 `gorm:"not null;default:1"`

	AudioFile string `gorm:"not null;default:''"`
	Waveform  string `gorm:"not null;default:''"`

	Status       string `gorm:"index;not null;default:'generating'"`
	ErrorMessage string `gorm:"not null;default:''"`
}

func (s *Store) GetSong(ctx context.Context, id string) (*Song, error) {
	var v Song
	if err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get song %s: %w", id, err)
	}
	return &v, nil
}

func (s *Store) SetSong(ctx context.Context, v *Song) error {
	if err := s.db.WithContext(ctx).Save(v).Error; err != nil {
		return fmt.Errorf("storage: failed to set song %s: %w", v.ID, err)
	}
	return nil
}

// UpdateSong writes only the given fields of the song. It returns ErrNotFound
// if the song no longer exists.
func (s *Store) UpdateSong(ctx context.Context, v *Song, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	v.UpdatedAt = time.Now().UTC()
	fields = append(fields, "updated_at")
	res := s.db.WithContext(ctx).Model(v).Select(fields).Updates(v)
	if err := res.Error; err != nil {
		return fmt.Errorf("storage: failed to update song %s: %w", v.ID, err)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSong(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&Song{ID: id}, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("storage: failed to delete song %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListSongs(ctx context.Context, page, size int, orderBy string, filter ...Filter) ([]*Song, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * size
	vs := []*Song{}

	q := s.db.WithContext(ctx).Offset(offset).Limit(size)
	for _, f := range filter {
		q = q.Where(f.Query, f.Args...)
	}
	// Order by
	if orderBy != "" {
		q = q.Order(orderBy)
	}
	if err := q.Find(&vs).Error; err != nil {
		return nil, fmt.Errorf("storage: failed to list songs: %w", err)
	}
	return vs, nil
}

// CountSongsByOwner counts the songs of the owner whose id is lower or equal
// than upTo. An empty upTo counts all of them.
func (s *Store) CountSongsByOwner(ctx context.Context, owner, upTo string) (int, error) {
	q := s.db.WithContext(ctx).Model(&Song{}).Where("owner = ?", owner)
	if upTo != "" {
		q = q.Where("id <= ?", upTo)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("storage: failed to count songs of %s: %w", owner, err)
	}
	return int(n), nil
}
