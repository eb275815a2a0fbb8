package forensics

import (
	"errors"
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/receipt-forensics/internal/imaging"
)

type stubDetector struct {
	name       string
	suspicious bool
	flags      []string
	err        error
	panics     bool
}

func (s stubDetector) Name() string { return s.name }

func (s stubDetector) Detect(*imaging.Image) (Signal, error) {
	if s.panics {
		panic("detector blew up")
	}
	if s.err != nil {
		return Signal{}, s.err
	}
	return Signal{Name: s.name, Suspicious: flag(s.suspicious), Flags: s.flags}, nil
}

func blankImage() *imaging.Image {
	return &imaging.Image{Format: "png", Decoded: image.NewRGBA(image.Rect(0, 0, 4, 4))}
}

func TestRunAll_AllClean(t *testing.T) {
	o := NewOrchestrator(nil,
		stubDetector{name: "ela"},
		stubDetector{name: "metadata"},
		stubDetector{name: "noise"},
	)

	v := o.RunAll(blankImage())

	assert.Equal(t, 0, v.FlagCount)
	assert.Equal(t, TierClean, v.Tier)
	assert.Equal(t, "Clean", v.Tier.String())
	assert.Len(t, v.Signals, 3)
	assert.Empty(t, v.Flags())
}

func TestRunAll_TwoFlags(t *testing.T) {
	o := NewOrchestrator(nil,
		stubDetector{name: "ela", suspicious: false},
		stubDetector{name: "metadata", suspicious: true, flags: []string{"Software tag indicates editing: Adobe Photoshop"}},
		stubDetector{name: "noise", suspicious: true, flags: []string{"Noise texture too uniform"}},
	)

	v := o.RunAll(blankImage())

	assert.Equal(t, 2, v.FlagCount)
	assert.Equal(t, TierSuspicious, v.Tier)
	assert.Equal(t, []string{"Software tag indicates editing: Adobe Photoshop", "Noise texture too uniform"}, v.Flags())
}

func TestRunAll_FailureCombinations(t *testing.T) {
	names := []string{"ela", "metadata", "noise"}

	// every subset of failing detectors against every subset of suspicious ones
	for failMask := 0; failMask < 8; failMask++ {
		for suspMask := 0; suspMask < 8; suspMask++ {
			t.Run(fmt.Sprintf("fail=%03b/susp=%03b", failMask, suspMask), func(t *testing.T) {
				var detectors []Detector
				want := 0
				for i, name := range names {
					d := stubDetector{name: name, suspicious: suspMask&(1<<i) != 0}
					if failMask&(1<<i) != 0 {
						if i%2 == 0 {
							d.err = errors.New("decoder failure")
						} else {
							d.panics = true
						}
					} else if d.suspicious {
						want++
					}
					detectors = append(detectors, d)
				}

				v := NewOrchestrator(nil, detectors...).RunAll(blankImage())

				require.Len(t, v.Signals, 3)
				assert.Equal(t, want, v.FlagCount)
				assert.Equal(t, TierFor(want, 3), v.Tier)
				for i, s := range v.Signals {
					assert.Equal(t, names[i], s.Name)
					failed := failMask&(1<<i) != 0
					assert.Equal(t, !failed, s.Available())
					if failed {
						assert.Contains(t, s.Report()["error"], "failed")
						assert.Nil(t, s.Report()["suspicious"])
					}
				}
			})
		}
	}
}

func TestRunAll_FailureDoesNotStopOthers(t *testing.T) {
	o := NewOrchestrator(nil,
		stubDetector{name: "ela", panics: true},
		stubDetector{name: "metadata", suspicious: true},
		stubDetector{name: "noise", err: errors.New("too small")},
	)

	v := o.RunAll(blankImage())

	assert.Equal(t, 1, v.FlagCount)
	assert.Equal(t, TierSlightlySuspicious, v.Tier)
	meta, ok := v.Signal("metadata")
	require.True(t, ok)
	assert.True(t, meta.Flagged())
	noise, _ := v.Signal("noise")
	assert.Equal(t, "detector noise failed: too small", noise.Metadata["error"])
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		flags, total int
		want         Tier
	}{
		{0, 3, TierClean},
		{1, 3, TierSlightlySuspicious},
		{2, 3, TierSuspicious},
		{3, 3, TierHighlySuspicious},
		{0, 5, TierClean},
		{2, 5, TierSlightlySuspicious},
		{4, 5, TierSuspicious},
		{5, 5, TierHighlySuspicious},
		{1, 2, TierSlightlySuspicious},
		{2, 2, TierHighlySuspicious},
		{1, 1, TierHighlySuspicious},
		{0, 0, TierClean},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFor(tt.flags, tt.total), "flags=%d total=%d", tt.flags, tt.total)
	}
}

func TestSignalReport(t *testing.T) {
	s := Signal{Name: "ela", Suspicious: flag(false), Metadata: map[string]any{"std": 1.5}}

	report := s.Report()

	assert.Equal(t, false, report["suspicious"])
	assert.Equal(t, 1.5, report["std"])
	_, mutated := s.Metadata["suspicious"]
	assert.False(t, mutated)
}
