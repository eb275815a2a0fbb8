package forensics

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/receipt-forensics/internal/imaging"
)

// Orchestrator runs every detector with per-detector failure isolation.
type Orchestrator struct {
	detectors []Detector
	log       *logrus.Entry
}

func NewOrchestrator(log *logrus.Entry, detectors ...Detector) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{detectors: detectors, log: log}
}

// NewDefault wires the compression-artifact, metadata and noise detectors.
func NewDefault(cfg Config, log *logrus.Entry) *Orchestrator {
	return NewOrchestrator(log,
		NewELADetector(cfg.ELA),
		NewMetadataDetector(cfg.Metadata),
		NewNoiseDetector(cfg.Noise),
	)
}

func (o *Orchestrator) Total() int { return len(o.detectors) }

// RunAll never fails. A detector that errors or panics yields an unavailable
// signal carrying the failure reason.
func (o *Orchestrator) RunAll(img *imaging.Image) Verdict {
	verdict := Verdict{Signals: make([]Signal, 0, len(o.detectors))}

	for _, d := range o.detectors {
		res := run(d, img)
		if res.err != nil {
			o.log.WithField("detector", d.Name()).WithError(res.err).Warn("detector unavailable")
			res.signal = Signal{
				Name:     d.Name(),
				Metadata: map[string]any{"error": res.err.Error()},
			}
		}
		if res.signal.Flagged() {
			verdict.FlagCount++
		}
		verdict.Signals = append(verdict.Signals, res.signal)
	}

	verdict.Tier = TierFor(verdict.FlagCount, len(o.detectors))
	return verdict
}

type result struct {
	signal Signal
	err    error
}

func run(d Detector, img *imaging.Image) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = result{err: &DetectorFailure{Detector: d.Name(), Err: fmt.Errorf("panic: %v", r)}}
		}
	}()

	signal, err := d.Detect(img)
	if err != nil {
		return result{err: &DetectorFailure{Detector: d.Name(), Err: err}}
	}
	if signal.Name == "" {
		signal.Name = d.Name()
	}
	return result{signal: signal}
}
