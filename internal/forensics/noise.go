package forensics

import (
	"fmt"
	"math"

	"github.com/Brownie44l1/receipt-forensics/internal/imaging"
)

// NoiseDetector measures high-frequency texture with a 3x3 Laplacian.
// Camera sensors leave grain; generated images are often unnaturally smooth.
type NoiseDetector struct {
	cfg NoiseConfig
}

func NewNoiseDetector(cfg NoiseConfig) *NoiseDetector {
	return &NoiseDetector{cfg: cfg}
}

func (d *NoiseDetector) Name() string { return "noise" }

func (d *NoiseDetector) Detect(img *imaging.Image) (Signal, error) {
	rgba := img.RGB()
	b := rgba.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return Signal{}, fmt.Errorf("image too small for noise analysis: %dx%d", w, h)
	}

	gray := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := rgba.RGBAAt(b.Min.X+x, b.Min.Y+y)
			gray[y*w+x] = 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
		}
	}

	var sum, sumSq, sumAbs float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			lap := gray[i-w] + gray[i+w] + gray[i-1] + gray[i+1] - 4*gray[i]
			sum += lap
			sumSq += lap * lap
			sumAbs += math.Abs(lap)
			n++
		}
	}

	mean := sum / float64(n)
	variance := math.Max(sumSq/float64(n)-mean*mean, 0)
	suspicious := variance < d.cfg.MinVariance

	signal := Signal{
		Name:       d.Name(),
		Suspicious: flag(suspicious),
		Score:      round3(variance),
		Metadata: map[string]any{
			"variance": round3(variance),
			"mean_abs": round3(sumAbs / float64(n)),
			"method":   "laplacian",
		},
	}
	if suspicious {
		signal.Flags = []string{"Noise texture too uniform"}
	}
	return signal, nil
}
