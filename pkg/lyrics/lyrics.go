package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingCredential = errors.New("lyrics: missing api key")
	ErrResponseInvalid   = errors.New("lyrics: provider returned html instead of lyrics, check api key and endpoint")
	ErrResponseMalformed = errors.New("lyrics: response is not a json object")
	ErrModelLoad         = errors.New("lyrics: couldn't load local model")
	ErrInvalidParameter  = errors.New("lyrics: invalid parameter")
)

// Provider kinds
const (
	Local  = "local"
	OpenAI = "openai"
	Comet  = "comet"
	Custom = "custom"
)

const (
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.8
	maxTemperature     = 2.0
)

const systemPrompt = "You are a creative songwriter. Generate song lyrics based on the user's request. " +
	`Reply only with a JSON object with two keys: "lyrics" with the song lyrics and "style" with a short description of the musical style. ` +
	"Do not include the song title in the lyrics."

type Result struct {
	Lyrics string `json:"lyrics"`
	Style  string `json:"style"`
}

type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*Result, error)
}

// Config selects and configures a provider. Empty fields are filled with the
// factory defaults.
type Config struct {
	Kind     string `json:"kind,omitempty"`
	Key      string `json:"key,omitempty"`
	Model    string `json:"model,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// BuildPrompt builds the user prompt for a song.
func BuildPrompt(genre, mood, title, description string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write song lyrics for a %s song", genre)
	if mood != "" {
		fmt.Fprintf(&sb, " with a %s mood", mood)
	}
	fmt.Fprintf(&sb, ". Title: %s", title)
	if description != "" {
		fmt.Fprintf(&sb, "\n\nStyle: %s", description)
	}
	return sb.String()
}

func validate(maxTokens int, temperature float64) (int, error) {
	if !(temperature > 0 && temperature <= maxTemperature) {
		return 0, fmt.Errorf("%w: temperature %v not in (0, %v]", ErrInvalidParameter, temperature, maxTemperature)
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return maxTokens, nil
}

func isHTML(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	return strings.HasPrefix(text, "<!doctype") || strings.HasPrefix(text, "<html")
}

// clean removes markdown code fences around the response.
func clean(text string) string {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, "```json"):
		text = strings.TrimPrefix(text, "```json")
	case strings.HasPrefix(text, "```"):
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// parse converts the raw model output into a result. Output that isn't a
// json object is used as plain lyrics.
func parse(text string, debug func(string, ...any)) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return &Result{}, nil
	}
	if isHTML(text) {
		return nil, ErrResponseInvalid
	}
	cleaned := clean(text)
	var r Result
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		debug("%v: %v", ErrResponseMalformed, err)
		return &Result{Lyrics: cleaned}, nil
	}
	r.Lyrics = strings.TrimSpace(r.Lyrics)
	r.Style = strings.TrimSpace(r.Style)
	if r.Lyrics == "" && r.Style == "" {
		debug("%v: no lyrics nor style keys", ErrResponseMalformed)
		return &Result{Lyrics: cleaned}, nil
	}
	return &r, nil
}
