// Package forensics runs the digital-forensics detectors over one image and
// folds their flags into a severity tier.
package forensics

import (
	"fmt"

	"github.com/Brownie44l1/receipt-forensics/internal/imaging"
)

// Detector produces one forensic signal from one image.
type Detector interface {
	Name() string
	Detect(img *imaging.Image) (Signal, error)
}

// Signal is one detector's finding. A nil Suspicious means the detector
// failed and the signal is unavailable.
type Signal struct {
	Name       string
	Suspicious *bool
	Score      float64
	Flags      []string
	Metadata   map[string]any
}

func (s Signal) Available() bool { return s.Suspicious != nil }

// Flagged is true only for a detector that ran and found something.
func (s Signal) Flagged() bool { return s.Suspicious != nil && *s.Suspicious }

// Report is the wire form: the detector metadata plus "suspicious", and
// "error" for a failed detector.
func (s Signal) Report() map[string]any {
	out := make(map[string]any, len(s.Metadata)+1)
	for k, v := range s.Metadata {
		out[k] = v
	}
	if s.Suspicious == nil {
		out["suspicious"] = nil
	} else {
		out["suspicious"] = *s.Suspicious
	}
	return out
}

func flag(b bool) *bool { return &b }

// DetectorFailure is contained by the orchestrator and never fails a request.
type DetectorFailure struct {
	Detector string
	Err      error
}

func (e *DetectorFailure) Error() string {
	return fmt.Sprintf("detector %s failed: %v", e.Detector, e.Err)
}

func (e *DetectorFailure) Unwrap() error { return e.Err }

func (e *DetectorFailure) Kind() string { return "DetectorFailure" }

// Tier is a coarse bucket of how many detectors flagged the image.
type Tier int

const (
	TierClean Tier = iota
	TierSlightlySuspicious
	TierSuspicious
	TierHighlySuspicious
	TierUnavailable
)

func (t Tier) String() string {
	switch t {
	case TierClean:
		return "Clean"
	case TierSlightlySuspicious:
		return "Slightly suspicious"
	case TierSuspicious:
		return "Suspicious"
	case TierHighlySuspicious:
		return "Highly suspicious"
	default:
		return "Unavailable"
	}
}

// TierFor maps a flag count out of total detectors to a tier.
func TierFor(flags, total int) Tier {
	switch {
	case flags <= 0:
		return TierClean
	case flags >= total:
		return TierHighlySuspicious
	case total > 2 && flags == total-1:
		return TierSuspicious
	default:
		return TierSlightlySuspicious
	}
}

// Verdict is the orchestrator output for one image.
type Verdict struct {
	Signals   []Signal
	FlagCount int
	Tier      Tier
}

// Unavailable is the verdict reported when forensics is switched off.
func Unavailable() Verdict {
	return Verdict{Tier: TierUnavailable}
}

func (v Verdict) Signal(name string) (Signal, bool) {
	for _, s := range v.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return Signal{}, false
}

// Flags lists the human-readable flags of every available signal, in
// detector order.
func (v Verdict) Flags() []string {
	var out []string
	for _, s := range v.Signals {
		if s.Available() {
			out = append(out, s.Flags...)
		}
	}
	return out
}
