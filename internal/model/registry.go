package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// FeatureExtractor maps one normalized image tensor to a feature vector.
type FeatureExtractor interface {
	Extract(input []float32) ([]float32, error)
}

// Classifier maps a feature vector to (p_real, p_fake).
type Classifier interface {
	PredictProba(features []float32) (realProb, fakeProb float64, err error)
}

// Member is one extractor/classifier pipeline of the ensemble.
type Member struct {
	Name       string
	Extractor  FeatureExtractor
	Classifier Classifier
}

// Registry holds the loaded ensemble. It is read-only after construction and
// safe to share across concurrent inference calls.
type Registry struct {
	members []Member
	closers []func()
}

// NewRegistry builds a registry from already-loaded members, in vote order.
func NewRegistry(members ...Member) (*Registry, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("registry needs at least one model")
	}
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m.Name == "" || m.Extractor == nil || m.Classifier == nil {
			return nil, fmt.Errorf("incomplete model %q", m.Name)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("duplicate model %q", m.Name)
		}
		seen[m.Name] = true
	}
	return &Registry{members: append([]Member(nil), members...)}, nil
}

func (r *Registry) Members() []Member {
	return append([]Member(nil), r.members...)
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.members))
	for i, m := range r.members {
		names[i] = m.Name
	}
	return names
}

// Close releases model resources. Only call it at process exit.
func (r *Registry) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// ArtifactPaths returns the feature extractor and classifier files for name.
func ArtifactPaths(dir, name string) (extractor, classifier string) {
	return filepath.Join(dir, "cnn_"+name+".onnx"), filepath.Join(dir, "xgb_"+name+".onnx")
}

// CheckArtifacts reports every missing artifact at once.
func CheckArtifacts(dir string, specs []Spec) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return errors.WithStack(&ModelLoadError{Dir: dir, Err: fmt.Errorf("model directory not found")})
	}

	var missing []string
	for _, spec := range specs {
		extractor, classifier := ArtifactPaths(dir, spec.Name)
		for _, path := range []string{extractor, classifier} {
			if _, err := os.Stat(path); err != nil {
				missing = append(missing, filepath.Base(path))
			}
		}
	}
	if len(missing) > 0 {
		return errors.WithStack(&ModelLoadError{Dir: dir, Missing: missing})
	}
	return nil
}

// LoadOptions configure Load.
type LoadOptions struct {
	Dir         string
	LibraryPath string
	Models      []Spec
}

// Load validates all artifacts, then opens one extractor and one classifier
// session per model. It must run once per process.
func Load(opts LoadOptions) (*Registry, error) {
	if len(opts.Models) == 0 {
		return nil, errors.WithStack(&ModelLoadError{Dir: opts.Dir, Err: fmt.Errorf("no models configured")})
	}
	if err := CheckArtifacts(opts.Dir, opts.Models); err != nil {
		return nil, err
	}

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.WithStack(&ModelLoadError{Dir: opts.Dir,
				Err: fmt.Errorf("failed to initialize ONNX environment: %w", err)})
		}
	}

	reg := &Registry{}
	reg.closers = append(reg.closers, func() { ort.DestroyEnvironment() })

	for _, spec := range opts.Models {
		spec = spec.WithDefaults()
		extractorPath, classifierPath := ArtifactPaths(opts.Dir, spec.Name)

		extractor, err := NewOnnxExtractor(extractorPath, spec)
		if err != nil {
			reg.Close()
			return nil, errors.WithStack(&ModelLoadError{Dir: opts.Dir, Err: err})
		}
		reg.closers = append(reg.closers, extractor.Close)

		classifier, err := NewOnnxClassifier(classifierPath, spec)
		if err != nil {
			reg.Close()
			return nil, errors.WithStack(&ModelLoadError{Dir: opts.Dir, Err: err})
		}
		reg.closers = append(reg.closers, classifier.Close)

		reg.members = append(reg.members, Member{Name: spec.Name, Extractor: extractor, Classifier: classifier})
	}

	return reg, nil
}
