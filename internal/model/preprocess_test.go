package model_test

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/receipt-forensics/internal/model"
)

func TestPreprocess_LayoutAndNormalization(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 128, A: 255})
		}
	}

	data := model.Preprocess(img)

	plane := model.ImageSize * model.ImageSize
	require.Len(t, data, 3*plane)
	assert.InDelta(t, (1.0-0.485)/0.229, data[0], 1e-4)
	assert.InDelta(t, (0.0-0.456)/0.224, data[plane], 1e-4)
	assert.InDelta(t, (128.0/255.0-0.406)/0.225, data[2*plane+plane-1], 1e-4)
}

func TestPreprocess_OffsetBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(5, 5, 25, 25))
	for y := 5; y < 25; y++ {
		for x := 5; x < 25; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}

	data := model.Preprocess(img)
	assert.InDelta(t, (10.0/255.0-0.485)/0.229, data[0], 1e-4)
}
