package sound

import (
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

const missingFFmpeg = "songforge-missing-ffmpeg"

func sine(channels, frames int) [][]float32 {
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
		for i := range out[c] {
			out[c][i] = float32(0.5 * math.Sin(float64(i)/10))
		}
	}
	return out
}

func transpose(in [][]float32) [][]float32 {
	out := make([][]float32, len(in[0]))
	for i := range out {
		out[i] = make([]float32, len(in))
		for c := range in {
			out[i][c] = in[c][i]
		}
	}
	return out
}

func TestInterleave(t *testing.T) {
	stereo := sine(2, 1000)
	tests := []struct {
		name     string
		samples  [][]float32
		channels int
		frames   int
	}{
		{"channel-major stereo", stereo, 2, 1000},
		{"sample-major stereo", transpose(stereo), 2, 1000},
		{"mono row", sine(1, 500), 1, 500},
		{"mono column", transpose(sine(1, 500)), 1, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, channels, frames, err := interleave(tt.samples)
			if err != nil {
				t.Fatalf("interleave() err = %v; want nil", err)
			}
			if channels != tt.channels {
				t.Fatalf("channels = %d; want %d", channels, tt.channels)
			}
			if frames != tt.frames {
				t.Fatalf("frames = %d; want %d", frames, tt.frames)
			}
			if len(data) != channels*frames {
				t.Fatalf("len(data) = %d; want %d", len(data), channels*frames)
			}
		})
	}

	// Both layouts of the same signal produce the same pcm stream
	a, _, _, _ := interleave(stereo)
	b, _, _, _ := interleave(transpose(stereo))
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("data[%d] = %d; want %d", i, b[i], a[i])
		}
	}

	if _, _, _, err := interleave(nil); err == nil {
		t.Fatalf("interleave(nil) err = nil; want error")
	}
	wide := make([][]float32, 20)
	for i := range wide {
		wide[i] = make([]float32, 20)
	}
	if _, _, _, err := interleave(wide); err == nil {
		t.Fatalf("interleave(20x20) err = nil; want error")
	}
}

func TestToPCM16(t *testing.T) {
	tests := []struct {
		in   float32
		want int
	}{
		{0, 0},
		{1, 32767},
		{-1, -32767},
		{3, 32767},
		{-7, -32767},
		{float32(math.NaN()), 0},
	}
	for _, tt := range tests {
		if got := toPCM16(tt.in); got != tt.want {
			t.Fatalf("toPCM16(%v) = %d; want %d", tt.in, got, tt.want)
		}
	}
}

func TestRenderWithoutFFmpeg(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := New(&Config{FFmpeg: missingFFmpeg, Waveform: true})

	rate := 8000
	output := filepath.Join(dir, "songs", "song.mp3")
	got, err := r.Render(ctx, sine(2, rate*2), rate, output)
	if err != nil {
		t.Fatalf("Render() err = %v; want nil", err)
	}
	if got.Format != WAV {
		t.Fatalf("Render().Format = %q; want %q", got.Format, WAV)
	}
	if got.Path != output {
		t.Fatalf("Render().Path = %q; want %q", got.Path, output)
	}
	if got.Duration != 2 {
		t.Fatalf("Render().Duration = %v; want 2", got.Duration)
	}
	if got.Waveform == "" {
		t.Fatalf("Render().Waveform is empty")
	}
	if _, err := os.Stat(got.Waveform); err != nil {
		t.Fatalf("waveform stat err = %v; want nil", err)
	}

	d, err := Duration(output)
	if err != nil {
		t.Fatalf("Duration() err = %v; want nil", err)
	}
	if math.Abs(d-2) > 0.01 {
		t.Fatalf("Duration() = %v; want 2", d)
	}

	// No temporary files are left behind
	entries, err := os.ReadDir(filepath.Dir(output))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".wav" {
			t.Fatalf("temporary file %s left behind", e.Name())
		}
	}
}

func TestRenderFailingTranscoder(t *testing.T) {
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false binary not available")
	}
	r := New(&Config{FFmpeg: bin})
	output := filepath.Join(t.TempDir(), "song.mp3")
	_, err = r.Render(context.Background(), sine(1, 100), 8000, output)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("Render() err = %v; want %v", err, ErrRender)
	}
}

func TestRenderInvalidInput(t *testing.T) {
	r := New(&Config{FFmpeg: missingFFmpeg})
	output := filepath.Join(t.TempDir(), "song.mp3")
	if _, err := r.Render(context.Background(), nil, 8000, output); !errors.Is(err, ErrRender) {
		t.Fatalf("Render(nil) err = %v; want %v", err, ErrRender)
	}
	if _, err := r.Render(context.Background(), sine(1, 100), 0, output); !errors.Is(err, ErrRender) {
		t.Fatalf("Render(rate 0) err = %v; want %v", err, ErrRender)
	}
}

func TestFromFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := New(&Config{FFmpeg: missingFFmpeg})

	// Produce a wav file to be picked up
	src := filepath.Join(dir, "model.wav")
	data, channels, _, err := interleave(sine(1, 4000))
	if err != nil {
		t.Fatal(err)
	}
	if err := writeWAV(src, data, channels, 4000); err != nil {
		t.Fatal(err)
	}

	output := filepath.Join(dir, "out", "song.mp3")
	got, err := r.FromFile(ctx, src, output)
	if err != nil {
		t.Fatalf("FromFile() err = %v; want nil", err)
	}
	if got.Format != WAV {
		t.Fatalf("FromFile().Format = %q; want %q", got.Format, WAV)
	}
	if math.Abs(got.Duration-1) > 0.01 {
		t.Fatalf("FromFile().Duration = %v; want 1", got.Duration)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source file still exists")
	}
}
