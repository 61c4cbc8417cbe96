package sound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/igolaizola/songforge/pkg/sound/ffmpeg"
)

var ErrRender = errors.New("sound: render failed")

const DefaultBitrate = "192k"

// Output formats
const (
	MP3 = "mp3"
	WAV = "wav"
)

type Config struct {
	FFmpeg   string
	Bitrate  string
	Waveform bool
	Debug    bool
}

type Renderer struct {
	ffmpeg   *ffmpeg.FFmpeg
	bitrate  string
	waveform bool
	debug    bool
}

// Render is the result of materializing audio into a file.
type Render struct {
	Path   string
	Format string
	// Duration in seconds
	Duration float64
	// Waveform is the path of the waveform preview, if any
	Waveform string
}

func New(cfg *Config) *Renderer {
	bitrate := cfg.Bitrate
	if bitrate == "" {
		bitrate = DefaultBitrate
	}
	return &Renderer{
		ffmpeg:   ffmpeg.New(cfg.FFmpeg),
		bitrate:  bitrate,
		waveform: cfg.Waveform,
		debug:    cfg.Debug,
	}
}

func (r *Renderer) log(format string, args ...interface{}) {
	if !r.debug {
		return
	}
	format += "\n"
	log.Printf(format, args...)
}

// Render writes the samples to the output file as mp3. If ffmpeg isn't
// available the output keeps the wav encoding and the format is reported as
// such.
func (r *Renderer) Render(ctx context.Context, samples [][]float32, sampleRate int, output string) (*Render, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrRender, sampleRate)
	}
	data, channels, frames, err := interleave(samples)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRender, err)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, fmt.Errorf("sound: couldn't create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(output), "render-*.wav")
	if err != nil {
		return nil, fmt.Errorf("sound: couldn't create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := writeWAV(tmpPath, data, channels, sampleRate); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRender, err)
	}

	render := &Render{
		Path:     output,
		Duration: float64(frames) / float64(sampleRate),
	}
	if r.ffmpeg.Available() {
		if err := r.ffmpeg.ToMP3(ctx, tmpPath, output, r.bitrate); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRender, err)
		}
		render.Format = MP3
	} else {
		log.Println("sound: ffmpeg not available, keeping wav output")
		_ = os.Remove(output)
		if err := os.Rename(tmpPath, output); err != nil {
			return nil, fmt.Errorf("sound: couldn't move wav file: %w", err)
		}
		render.Format = WAV
	}
	r.log("sound: rendered %s (%s, %d channels, %.2fs)", output, render.Format, channels, render.Duration)

	if r.waveform {
		png := output + ".png"
		if err := plotWave(png, filepath.Base(output), mono(data, channels), sampleRate); err != nil {
			log.Println(err)
		} else {
			render.Waveform = png
		}
	}
	return render, nil
}

// FromFile moves an already rendered file to the output path and probes its
// duration.
func (r *Renderer) FromFile(ctx context.Context, input, output string) (*Render, error) {
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, fmt.Errorf("sound: couldn't create output dir: %w", err)
	}
	if input != output {
		if err := move(input, output); err != nil {
			return nil, err
		}
	}
	format := MP3
	if strings.EqualFold(filepath.Ext(input), ".wav") {
		format = WAV
	}
	d, err := Duration(output)
	if err != nil {
		// Some encoders write files the probes can't read
		log.Println(err)
	}
	r.log("sound: moved %s to %s (%s, %.2fs)", input, output, format, d)
	return &Render{
		Path:     output,
		Format:   format,
		Duration: d,
	}, nil
}

// Duration returns the duration in seconds of a mp3 or wav file.
func Duration(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("sound: couldn't read %s: %w", path, err)
	}
	if isWAV(b) {
		dec := wav.NewDecoder(bytes.NewReader(b))
		if !dec.IsValidFile() {
			return 0, fmt.Errorf("sound: invalid wav file %s", path)
		}
		d, err := dec.Duration()
		if err != nil {
			return 0, fmt.Errorf("sound: couldn't get wav duration: %w", err)
		}
		return d.Seconds(), nil
	}

	dec, err := mp3.NewDecoder(bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("sound: couldn't decode mp3: %w", err)
	}
	rate := dec.SampleRate()
	if rate <= 0 {
		return 0, fmt.Errorf("sound: invalid mp3 sample rate %d", rate)
	}
	// Decoded stream is always 16-bit stereo
	frames := dec.Length() / 4
	d := time.Duration(float64(frames) / float64(rate) * float64(time.Second))
	return d.Seconds(), nil
}

func isWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across devices, fall back to copy
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("sound: couldn't open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("sound: couldn't create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("sound: couldn't copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("sound: couldn't close %s: %w", dst, err)
	}
	_ = in.Close()
	_ = os.Remove(src)
	return nil
}
