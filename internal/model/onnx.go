package model

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// OnnxExtractor runs a headless CNN and returns the flattened feature map.
// Tensors are allocated per call, so concurrent calls share only the session.
type OnnxExtractor struct {
	session     *ort.DynamicAdvancedSession
	inputShape  ort.Shape
	outputShape ort.Shape
}

func NewOnnxExtractor(modelPath string, spec Spec) (*OnnxExtractor, error) {
	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{spec.ExtractorInput}, []string{spec.ExtractorOutput}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", modelPath, err)
	}

	return &OnnxExtractor{
		session:     session,
		inputShape:  ort.NewShape(InputShape...),
		outputShape: ort.NewShape(spec.FeatureShape...),
	}, nil
}

func (e *OnnxExtractor) Extract(input []float32) ([]float32, error) {
	if int64(len(input)) != e.inputShape.FlattenedSize() {
		return nil, fmt.Errorf("expected %d input values, got %d", e.inputShape.FlattenedSize(), len(input))
	}

	inputTensor, err := ort.NewTensor(e.inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](e.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, fmt.Errorf("feature extraction failed: %w", err)
	}

	features := make([]float32, len(outputTensor.GetData()))
	copy(features, outputTensor.GetData())
	return features, nil
}

func (e *OnnxExtractor) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
}

// OnnxClassifier runs a gradient-boosted classifier exported to ONNX with
// its probability output shaped [1, 2].
type OnnxClassifier struct {
	session     *ort.DynamicAdvancedSession
	inputShape  ort.Shape
	outputShape ort.Shape
}

func NewOnnxClassifier(modelPath string, spec Spec) (*OnnxClassifier, error) {
	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{spec.ClassifierInput}, []string{spec.ClassifierOutput}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", modelPath, err)
	}

	return &OnnxClassifier{
		session:     session,
		inputShape:  ort.NewShape(1, spec.FeatureSize()),
		outputShape: ort.NewShape(1, 2),
	}, nil
}

func (c *OnnxClassifier) PredictProba(features []float32) (float64, float64, error) {
	if int64(len(features)) != c.inputShape.FlattenedSize() {
		return 0, 0, fmt.Errorf("expected %d features, got %d", c.inputShape.FlattenedSize(), len(features))
	}

	inputTensor, err := ort.NewTensor(c.inputShape, features)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](c.outputShape)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := c.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return 0, 0, fmt.Errorf("classification failed: %w", err)
	}

	probs := outputTensor.GetData()
	return float64(probs[0]), float64(probs[1]), nil
}

func (c *OnnxClassifier) Close() {
	if c.session != nil {
		c.session.Destroy()
	}
}
