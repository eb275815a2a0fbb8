package forensics

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"

	"github.com/Brownie44l1/receipt-forensics/internal/imaging"
)

const (
	elaEnhance  = 10
	elaMaxError = 50.0
)

// ELADetector re-encodes the image as JPEG and measures how unevenly the
// pixels change. Edited regions tend to recompress differently from the rest.
type ELADetector struct {
	cfg ELAConfig
}

func NewELADetector(cfg ELAConfig) *ELADetector {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultConfig().ELA.Quality
	}
	return &ELADetector{cfg: cfg}
}

func (d *ELADetector) Name() string { return "ela" }

func (d *ELADetector) Detect(img *imaging.Image) (Signal, error) {
	original := img.RGB()
	bounds := original.Bounds()
	if bounds.Empty() {
		return Signal{}, fmt.Errorf("empty image")
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, original, &jpeg.Options{Quality: d.cfg.Quality}); err != nil {
		return Signal{}, fmt.Errorf("failed to re-encode image: %w", err)
	}
	decoded, err := jpeg.Decode(&buf)
	if err != nil {
		return Signal{}, fmt.Errorf("failed to decode re-encoded image: %w", err)
	}
	recompressed := image.NewRGBA(bounds)
	draw.Draw(recompressed, bounds, decoded, decoded.Bounds().Min, draw.Src)

	var sum, sumSq, enhanced, maxDiff float64
	n := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			a := original.RGBAAt(x, y)
			b := recompressed.RGBAAt(x, y)
			for _, diff := range [3]float64{
				absDiff(a.R, b.R),
				absDiff(a.G, b.G),
				absDiff(a.B, b.B),
			} {
				sum += diff
				sumSq += diff * diff
				enhanced += math.Min(diff*elaEnhance, 255)
				maxDiff = math.Max(maxDiff, diff)
				n++
			}
		}
	}

	mean := sum / float64(n)
	std := math.Sqrt(math.Max(sumSq/float64(n)-mean*mean, 0))
	confidence := math.Min(enhanced/float64(n)/elaMaxError, 1)
	suspicious := std > d.cfg.StdThreshold

	signal := Signal{
		Name:       d.Name(),
		Suspicious: flag(suspicious),
		Score:      round3(confidence),
		Metadata: map[string]any{
			"mean":             round3(mean),
			"max":              round3(maxDiff),
			"std":              round3(std),
			"quality":          d.cfg.Quality,
			"confidence_score": round3(confidence),
		},
	}
	if suspicious {
		signal.Flags = []string{"Inconsistent compression artifacts (ELA)"}
	}
	return signal, nil
}

func absDiff(a, b uint8) float64 {
	if a > b {
		return float64(a - b)
	}
	return float64(b - a)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
