package sound

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// maxChannels is the highest channel count accepted in a sample buffer.
const maxChannels = 8

var errLayout = errors.New("sound: unsupported sample layout")

// interleave converts a sample buffer into interleaved 16-bit PCM values.
// The buffer can be channel-major ([channels][frames]) or sample-major
// ([frames][channels]); mono may come as [1][n] or [n][1].
func interleave(samples [][]float32) ([]int, int, int, error) {
	if len(samples) == 0 || len(samples[0]) == 0 {
		return nil, 0, 0, fmt.Errorf("%w: empty buffer", errLayout)
	}

	outer, inner := len(samples), len(samples[0])
	if outer <= maxChannels && inner >= outer {
		// Channel-major, ragged channels are cut to the shortest one
		channels := outer
		frames := inner
		for _, ch := range samples[1:] {
			if len(ch) < frames {
				frames = len(ch)
			}
		}
		if frames == 0 {
			return nil, 0, 0, fmt.Errorf("%w: empty channel", errLayout)
		}
		data := make([]int, 0, frames*channels)
		for i := 0; i < frames; i++ {
			for c := 0; c < channels; c++ {
				data = append(data, toPCM16(samples[c][i]))
			}
		}
		return data, channels, frames, nil
	}

	if inner > maxChannels {
		return nil, 0, 0, fmt.Errorf("%w: %dx%d", errLayout, outer, inner)
	}

	// Sample-major
	channels := inner
	frames := outer
	data := make([]int, 0, frames*channels)
	for i, frame := range samples {
		if len(frame) != channels {
			return nil, 0, 0, fmt.Errorf("%w: frame %d has %d channels, want %d", errLayout, i, len(frame), channels)
		}
		for _, v := range frame {
			data = append(data, toPCM16(v))
		}
	}
	return data, channels, frames, nil
}

func toPCM16(v float32) int {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		f = 0
	case f > 1:
		f = 1
	case f < -1:
		f = -1
	}
	return int(math.Round(f * math.MaxInt16))
}

// writeWAV writes interleaved 16-bit samples to a wav file.
func writeWAV(path string, data []int, channels, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sound: couldn't create wav file: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("sound: couldn't write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("sound: couldn't close wav encoder: %w", err)
	}
	return nil
}

// mono averages interleaved samples into a single normalized channel.
func mono(data []int, channels int) []float64 {
	if channels <= 0 {
		return nil
	}
	out := make([]float64, 0, len(data)/channels)
	for i := 0; i+channels <= len(data); i += channels {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(data[i+c])
		}
		out = append(out, sum/float64(channels)/32768.0)
	}
	return out
}
