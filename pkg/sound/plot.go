package sound

import (
	"fmt"
	"os"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const plotWindow = 50 * time.Millisecond

// resample reduces the samples to a min and max value per window.
func resample(samples []float64, rate int, window time.Duration) []float64 {
	windowLength := int(float64(rate) * window.Seconds())
	if windowLength < 1 {
		windowLength = 1
	}

	var resampled []float64
	for i := 0; i < len(samples); i += windowLength {
		end := i + windowLength
		if end > len(samples) {
			end = len(samples)
		}
		var min, max float64
		for _, v := range samples[i:end] {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		resampled = append(resampled, min, max)
	}
	return resampled
}

// plotWave writes a png waveform preview of the mono samples.
func plotWave(path, name string, samples []float64, rate int) error {
	data := resample(samples, rate, plotWindow)

	p := plot.New()
	p.Y.Min = -1
	p.Y.Max = 1
	d := time.Duration(float64(len(samples)) / float64(rate) * float64(time.Second)).Round(time.Second)
	p.Title.Text = fmt.Sprintf("%s %s", name, d)
	p.X.Label.Text = "time"
	p.Y.Label.Text = "amplitude"

	// Each window contributes two points
	step := plotWindow.Seconds() / 2
	pts := make(plotter.XYs, len(data))
	for i, v := range data {
		pts[i].X = float64(i) * step
		pts[i].Y = v
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("sound: couldn't create line plotter: %w", err)
	}
	l.LineStyle.Width = vg.Points(1)
	p.Add(l)

	c, err := p.WriterTo(8*vg.Inch, 2*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("sound: couldn't create plot: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sound: couldn't create plot file: %w", err)
	}
	defer f.Close()
	if _, err := c.WriteTo(f); err != nil {
		return fmt.Errorf("sound: couldn't write plot: %w", err)
	}
	return nil
}
