// Package verdict merges forensic signals and the ensemble result into the
// single verdict returned to callers.
package verdict

import (
	"fmt"
	"math"
	"strings"

	"github.com/Brownie44l1/receipt-forensics/internal/forensics"
	"github.com/Brownie44l1/receipt-forensics/internal/model"
)

type Label string

const (
	LabelAuthentic       Label = "Authentic"
	LabelLikelyAuthentic Label = "Likely authentic"
	LabelSuspicious      Label = "Suspicious"
	LabelManipulated     Label = "Manipulated"
)

type Mode string

const (
	ModeFull          Mode = "full"
	ModeForensicsOnly Mode = "forensics-only"
)

// KeywordWeight adds Weight to the forensics-only risk score when any flag
// mentions Keyword.
type KeywordWeight struct {
	Keyword string  `yaml:"keyword"`
	Weight  float64 `yaml:"weight"`
}

// Policy holds the forensics-only scoring constants.
type Policy struct {
	KeywordWeights      []KeywordWeight `yaml:"keyword_weights"`
	CompressionDetector string          `yaml:"compression_detector"`
	CompressionWeight   float64         `yaml:"compression_weight"`
	ManipulatedCutoff   float64         `yaml:"manipulated_cutoff"`
}

func DefaultPolicy() Policy {
	return Policy{
		KeywordWeights: []KeywordWeight{
			{Keyword: "edited", Weight: 0.3},
			{Keyword: "gps", Weight: 0.1},
		},
		CompressionDetector: "ela",
		CompressionWeight:   0.6,
		ManipulatedCutoff:   0.6,
	}
}

// Final is the only externally observable artifact of a request.
type Final struct {
	Label       Label
	RiskScore   float64
	Explanation string
	Mode        Mode
	Forensics   forensics.Verdict
	Ensemble    *model.EnsembleResult
}

type Aggregator struct {
	policy Policy
}

func New(policy Policy) *Aggregator {
	if policy.CompressionDetector == "" {
		policy.CompressionDetector = DefaultPolicy().CompressionDetector
	}
	return &Aggregator{policy: policy}
}

// Decide uses the ensemble for the headline label when it is present and
// falls back to weighted forensic scoring otherwise.
func (a *Aggregator) Decide(f forensics.Verdict, ensemble *model.EnsembleResult) Final {
	if ensemble == nil {
		return a.forensicsOnly(f)
	}

	label := LabelAuthentic
	switch {
	case ensemble.NeedsReview:
		label = LabelSuspicious
	case ensemble.Label == model.LabelFake:
		label = LabelManipulated
	}

	final := Final{
		Label:     label,
		RiskScore: clamp(ensemble.FakeProb),
		Mode:      ModeFull,
		Forensics: f,
		Ensemble:  ensemble,
	}
	final.Explanation = a.explainFull(final)
	return final
}

// CompressionScore is the compression-artifact detector's own confidence,
// zero when it is unavailable.
func (a *Aggregator) CompressionScore(f forensics.Verdict) float64 {
	s, ok := f.Signal(a.policy.CompressionDetector)
	if !ok || !s.Available() {
		return 0
	}
	return s.Score
}

func (a *Aggregator) forensicsOnly(f forensics.Verdict) Final {
	flags := f.Flags()
	risk := 0.0
	for _, kw := range a.policy.KeywordWeights {
		if mentions(flags, kw.Keyword) {
			risk += kw.Weight
		}
	}
	compression := a.CompressionScore(f)
	risk = clamp(risk + compression*a.policy.CompressionWeight)

	label := LabelLikelyAuthentic
	if risk >= a.policy.ManipulatedCutoff {
		label = LabelManipulated
	}

	final := Final{
		Label:     label,
		RiskScore: risk,
		Mode:      ModeForensicsOnly,
		Forensics: f,
	}
	if label == LabelManipulated {
		final.Explanation = fmt.Sprintf(
			"The image shows indicators of possible manipulation. Forensic flags detected: %s. ELA confidence score: %.2f.",
			listFlags(flags), compression)
	} else {
		final.Explanation = fmt.Sprintf(
			"No strong forensic indicators of manipulation were detected. Forensic flags detected: %s. ELA confidence score: %.2f.",
			listFlags(flags), compression)
	}
	return final
}

func (a *Aggregator) explainFull(final Final) string {
	e := final.Ensemble
	var b strings.Builder
	fmt.Fprintf(&b, "Ensemble predicts %s with confidence %.2f (%d/%d models agree)",
		e.Label, e.Confidence, e.Agreeing(), len(e.Votes))
	if e.NeedsReview {
		b.WriteString("; flagged for review")
	}
	fmt.Fprintf(&b, ". Forensic verdict: %s. Forensic flags detected: %s. ELA confidence score: %.2f.",
		final.Forensics.Tier, listFlags(final.Forensics.Flags()), a.CompressionScore(final.Forensics))
	return b.String()
}

func mentions(flags []string, keyword string) bool {
	keyword = strings.ToLower(keyword)
	for _, f := range flags {
		if strings.Contains(strings.ToLower(f), keyword) {
			return true
		}
	}
	return false
}

func listFlags(flags []string) string {
	if len(flags) == 0 {
		return "none"
	}
	return strings.Join(flags, ", ")
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
