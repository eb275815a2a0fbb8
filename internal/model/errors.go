package model

import (
	"fmt"
	"strings"
)

// ModelLoadError is fatal: the worker refuses to serve without every artifact.
type ModelLoadError struct {
	Dir     string
	Missing []string
	Err     error
}

func (e *ModelLoadError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("missing model files in %s: %s", e.Dir, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("failed to load models from %s: %v", e.Dir, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

func (e *ModelLoadError) Kind() string { return "ModelLoadError" }

// InferenceError fails the whole ensemble call for one request.
type InferenceError struct {
	Model string
	Stage string
	Err   error
}

func (e *InferenceError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("ensemble %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("model %s: %s failed: %v", e.Model, e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func (e *InferenceError) Kind() string { return "InferenceError" }
