package model

// Label is the ensemble class. The order matches the classifier output
// columns: index 0 is p_real, index 1 is p_fake.
type Label int

const (
	LabelReal Label = iota
	LabelFake
)

func (l Label) String() string {
	if l == LabelFake {
		return "AI/Fake"
	}
	return "Real"
}

// Spec describes one ensemble member and the tensor contract of its two
// ONNX artifacts.
type Spec struct {
	Name             string  `yaml:"name"`
	FeatureShape     []int64 `yaml:"feature_shape"`
	ExtractorInput   string  `yaml:"extractor_input"`
	ExtractorOutput  string  `yaml:"extractor_output"`
	ClassifierInput  string  `yaml:"classifier_input"`
	ClassifierOutput string  `yaml:"classifier_output"`
}

// FeatureSize is the flattened length of the extractor output.
func (s Spec) FeatureSize() int64 {
	n := int64(1)
	for _, d := range s.FeatureShape {
		n *= d
	}
	return n
}

// WithDefaults fills empty tensor names.
func (s Spec) WithDefaults() Spec {
	if s.ExtractorInput == "" {
		s.ExtractorInput = "input"
	}
	if s.ExtractorOutput == "" {
		s.ExtractorOutput = "features"
	}
	if s.ClassifierInput == "" {
		s.ClassifierInput = "input"
	}
	if s.ClassifierOutput == "" {
		s.ClassifierOutput = "probabilities"
	}
	return s
}

// DefaultSpecs are the three CNN backbones the classifiers were trained on,
// each with the classification head removed.
func DefaultSpecs() []Spec {
	return []Spec{
		Spec{Name: "resnet34", FeatureShape: []int64{1, 512, 1, 1}}.WithDefaults(),
		Spec{Name: "efficientnet_b0", FeatureShape: []int64{1, 1280, 1, 1}}.WithDefaults(),
		Spec{Name: "mobilenet_v2", FeatureShape: []int64{1, 1280, 7, 7}}.WithDefaults(),
	}
}

// Vote is one member's class probabilities for one image.
type Vote struct {
	Model    string
	RealProb float64
	FakeProb float64
}

func (v Vote) Label() Label {
	if v.FakeProb > v.RealProb {
		return LabelFake
	}
	return LabelReal
}

// EnsembleResult is the soft-vote outcome. Confidence is always the averaged
// probability of Label.
type EnsembleResult struct {
	Label       Label
	Confidence  float64
	RealProb    float64
	FakeProb    float64
	NeedsReview bool
	Votes       []Vote
}

// VoteLabels maps each member to its own argmax label.
func (r *EnsembleResult) VoteLabels() map[string]string {
	out := make(map[string]string, len(r.Votes))
	for _, v := range r.Votes {
		out[v.Model] = v.Label().String()
	}
	return out
}

// Agreeing counts members whose own label equals the ensemble label.
func (r *EnsembleResult) Agreeing() int {
	n := 0
	for _, v := range r.Votes {
		if v.Label() == r.Label {
			n++
		}
	}
	return n
}
