package lyrics

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/igolaizola/songforge"
	"github.com/igolaizola/songforge/pkg/lyrics"
)

type Config struct {
	songforge.Config

	Owner       string
	Genre       string
	Mood        string
	Title       string
	Description string
	Prompt      string
	Temperature float64

	Kind     string
	Key      string
	Model    string
	Endpoint string
}

// Run generates lyrics synchronously and prints them.
func Run(ctx context.Context, cfg *Config) error {
	prompt := cfg.Prompt
	if prompt == "" {
		if cfg.Title == "" {
			return fmt.Errorf("lyrics: title or prompt is required")
		}
		prompt = lyrics.BuildPrompt(cfg.Genre, cfg.Mood, cfg.Title, cfg.Description)
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = lyrics.DefaultTemperature
	}

	svc, err := songforge.New(ctx, &cfg.Config)
	if err != nil {
		return fmt.Errorf("lyrics: couldn't create service: %w", err)
	}
	defer func() {
		if err := svc.Stop(context.Background()); err != nil {
			log.Printf("lyrics: couldn't stop service: %v\n", err)
		}
	}()

	var pcfg lyrics.Config
	if cfg.Owner != "" {
		pcfg, err = svc.ProviderConfig(ctx, cfg.Owner)
		if err != nil {
			return fmt.Errorf("lyrics: %w", err)
		}
	}
	pcfg = override(pcfg, lyrics.Config{
		Kind:     cfg.Kind,
		Key:      cfg.Key,
		Model:    cfg.Model,
		Endpoint: cfg.Endpoint,
	})

	res, err := svc.GenerateTextNow(ctx, prompt, pcfg, temperature)
	if err != nil {
		return fmt.Errorf("lyrics: couldn't generate lyrics: %w", err)
	}
	if res.Style != "" {
		fmt.Printf("Style: %s\n\n", res.Style)
	}
	fmt.Println(strings.TrimSpace(res.Lyrics))
	return nil
}

// override replaces the fields of base that are set in o.
func override(base, o lyrics.Config) lyrics.Config {
	if o.Kind != "" && o.Kind != base.Kind {
		// Values of another kind don't apply
		base = lyrics.Config{Kind: o.Kind}
	}
	if o.Key != "" {
		base.Key = o.Key
	}
	if o.Model != "" {
		base.Model = o.Model
	}
	if o.Endpoint != "" {
		base.Endpoint = o.Endpoint
	}
	return base
}
