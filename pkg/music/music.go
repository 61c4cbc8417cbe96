package music

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrGeneration = errors.New("music: generation failed")

// AutoDuration lets the model decide the duration based on the lyrics.
const AutoDuration = -1.0

type Request struct {
	Lyrics      string
	Genre       string
	Mood        string
	Description string
	// Duration in seconds, AutoDuration for automatic
	Duration    float64
	Temperature float64
}

// Result holds either raw samples or the path of a file already written by
// the model.
type Result struct {
	Samples    [][]float32
	SampleRate int
	Path       string
	// Duration reported by the model in seconds, zero if unknown
	Duration float64
	Message  string
}

type Generator interface {
	Generate(ctx context.Context, req *Request) (*Result, error)
}

// Prompt builds the textual prompt given to the music model.
func Prompt(req *Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Genre: %s", req.Genre)
	if req.Mood != "" {
		fmt.Fprintf(&sb, "\nMood: %s", req.Mood)
	}
	if req.Description != "" {
		fmt.Fprintf(&sb, "\nStyle: %s", req.Description)
	}
	fmt.Fprintf(&sb, "\nLyrics: %s", req.Lyrics)
	return sb.String()
}
