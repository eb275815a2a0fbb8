package model

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const DefaultReviewThreshold = 0.75

// probability pairs further than this from 1 are rejected
const probabilityTolerance = 1e-3

// Scorer runs every registry member over one image and soft-votes the result.
type Scorer struct {
	registry        *Registry
	reviewThreshold float64
	parallel        bool
}

func NewScorer(registry *Registry, reviewThreshold float64, parallel bool) *Scorer {
	return &Scorer{
		registry:        registry,
		reviewThreshold: reviewThreshold,
		parallel:        parallel,
	}
}

// Score preprocesses img once and runs the ensemble. Any member failure
// fails the whole call with an *InferenceError.
func (s *Scorer) Score(ctx context.Context, img image.Image) (*EnsembleResult, error) {
	return s.ScoreTensor(ctx, Preprocess(img))
}

// ScoreTensor runs the ensemble over an already preprocessed input.
func (s *Scorer) ScoreTensor(ctx context.Context, input []float32) (*EnsembleResult, error) {
	members := s.registry.Members()
	votes := make([]Vote, len(members))

	if s.parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, m := range members {
			i, m := i, m
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				v, err := runMember(m, input)
				if err != nil {
					return err
				}
				votes[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, asInferenceError(err)
		}
	} else {
		for i, m := range members {
			if err := ctx.Err(); err != nil {
				return nil, asInferenceError(err)
			}
			v, err := runMember(m, input)
			if err != nil {
				return nil, err
			}
			votes[i] = v
		}
	}

	return SoftVote(votes, s.reviewThreshold), nil
}

// SoftVote averages the per-model probability pairs. Ties go to Real.
func SoftVote(votes []Vote, reviewThreshold float64) *EnsembleResult {
	var realSum, fakeSum float64
	for _, v := range votes {
		realSum += v.RealProb
		fakeSum += v.FakeProb
	}
	n := float64(len(votes))
	result := &EnsembleResult{
		RealProb: realSum / n,
		FakeProb: fakeSum / n,
		Votes:    append([]Vote(nil), votes...),
	}

	result.Label = LabelReal
	result.Confidence = result.RealProb
	if result.FakeProb > result.RealProb {
		result.Label = LabelFake
		result.Confidence = result.FakeProb
	}
	result.NeedsReview = result.Confidence < reviewThreshold
	return result
}

func runMember(m Member, input []float32) (vote Vote, err error) {
	stage := "feature extraction"
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithStack(&InferenceError{Model: m.Name, Stage: stage, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	features, err := m.Extractor.Extract(input)
	if err != nil {
		return Vote{}, errors.WithStack(&InferenceError{Model: m.Name, Stage: stage, Err: err})
	}

	stage = "classification"
	realProb, fakeProb, err := m.Classifier.PredictProba(features)
	if err != nil {
		return Vote{}, errors.WithStack(&InferenceError{Model: m.Name, Stage: stage, Err: err})
	}
	if err := checkProbabilities(realProb, fakeProb); err != nil {
		return Vote{}, errors.WithStack(&InferenceError{Model: m.Name, Stage: stage, Err: err})
	}

	return Vote{Model: m.Name, RealProb: realProb, FakeProb: fakeProb}, nil
}

func checkProbabilities(realProb, fakeProb float64) error {
	for _, p := range []float64{realProb, fakeProb} {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("probability %v out of range", p)
		}
	}
	if math.Abs(realProb+fakeProb-1) > probabilityTolerance {
		return fmt.Errorf("probabilities sum to %v, want 1", realProb+fakeProb)
	}
	return nil
}

func asInferenceError(err error) error {
	var ie *InferenceError
	if errors.As(err, &ie) {
		return err
	}
	return errors.WithStack(&InferenceError{Stage: "call", Err: err})
}
