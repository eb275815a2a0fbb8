// Package modeltest provides in-memory ensemble members for tests.
package modeltest

import (
	"fmt"
	"sync/atomic"

	"github.com/Brownie44l1/receipt-forensics/internal/model"
)

// Extractor returns a fixed-length feature vector derived from the input.
type Extractor struct {
	Err   error
	Panic bool
	Calls atomic.Int64
}

func (e *Extractor) Extract(input []float32) ([]float32, error) {
	e.Calls.Add(1)
	if e.Panic {
		panic("extractor exploded")
	}
	if e.Err != nil {
		return nil, e.Err
	}
	var sum float32
	for _, v := range input {
		sum += v
	}
	return []float32{sum, float32(len(input))}, nil
}

// Classifier returns fixed probabilities.
type Classifier struct {
	RealProb float64
	FakeProb float64
	Err      error
	Calls    atomic.Int64
}

func (c *Classifier) PredictProba(features []float32) (float64, float64, error) {
	c.Calls.Add(1)
	if c.Err != nil {
		return 0, 0, c.Err
	}
	if len(features) == 0 {
		return 0, 0, fmt.Errorf("no features")
	}
	return c.RealProb, c.FakeProb, nil
}

// Member builds a member voting (realProb, 1-realProb).
func Member(name string, realProb float64) model.Member {
	return model.Member{
		Name:       name,
		Extractor:  &Extractor{},
		Classifier: &Classifier{RealProb: realProb, FakeProb: 1 - realProb},
	}
}

// Registry builds a registry whose members vote the given p_real values, in
// order, named model0, model1, ...
func Registry(realProbs ...float64) *model.Registry {
	members := make([]model.Member, len(realProbs))
	for i, p := range realProbs {
		members[i] = Member(fmt.Sprintf("model%d", i), p)
	}
	reg, err := model.NewRegistry(members...)
	if err != nil {
		panic(err)
	}
	return reg
}
