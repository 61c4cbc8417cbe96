package setting

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/igolaizola/songforge/pkg/lyrics"
	"github.com/igolaizola/songforge/pkg/storage"
)

type Config struct {
	Debug  bool
	DBType string
	DBConn string

	Owner    string
	Kind     string
	Key      string
	Model    string
	Endpoint string
	Delete   bool
}

// Run stores the lyrics provider overrides of an owner.
func Run(ctx context.Context, cfg *Config) error {
	if cfg.Owner == "" {
		return fmt.Errorf("setting: owner is empty")
	}
	value, err := encode(cfg)
	if err != nil && !cfg.Delete {
		return err
	}

	store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
	if err != nil {
		return fmt.Errorf("setting: couldn't create orm store: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("setting: couldn't start orm store: %w", err)
	}
	defer func() { _ = store.Stop() }()

	id := storage.ProviderSettingID(cfg.Owner)
	if cfg.Delete {
		if err := store.DeleteSetting(ctx, id); err != nil {
			return fmt.Errorf("setting: couldn't delete provider config: %w", err)
		}
		log.Printf("setting: deleted %s\n", id)
		return nil
	}
	if err := store.SetSetting(ctx, &storage.Setting{
		ID:    id,
		Value: value,
	}); err != nil {
		return fmt.Errorf("setting: couldn't save provider config: %w", err)
	}
	log.Printf("setting: saved %s\n", id)
	return nil
}

func encode(cfg *Config) (string, error) {
	switch cfg.Kind {
	case "", lyrics.Local, lyrics.OpenAI, lyrics.Comet, lyrics.Custom:
	default:
		return "", fmt.Errorf("setting: unknown provider kind: %s", cfg.Kind)
	}
	b, err := json.Marshal(&lyrics.Config{
		Kind:     cfg.Kind,
		Key:      cfg.Key,
		Model:    cfg.Model,
		Endpoint: cfg.Endpoint,
	})
	if err != nil {
		return "", fmt.Errorf("setting: couldn't encode provider config: %w", err)
	}
	return string(b), nil
}
