package model

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

// The classifiers were trained on features from 224x224 ImageNet-normalized
// inputs. These values are part of the model contract.
const ImageSize = 224

var (
	InputShape = []int64{1, 3, ImageSize, ImageSize}

	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess converts an image into the planar CHW float32 layout the
// feature extractors expect.
func Preprocess(img image.Image) []float32 {
	resized := resize.Resize(ImageSize, ImageSize, img, resize.Bilinear)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	inputData := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			px := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)

			pixelIndex := y*width + x
			inputData[pixelIndex] = normalize(px.R, 0)
			inputData[plane+pixelIndex] = normalize(px.G, 1)
			inputData[2*plane+pixelIndex] = normalize(px.B, 2)
		}
	}

	return inputData
}

func normalize(v uint8, channel int) float32 {
	return (float32(v)/255.0 - channelMean[channel]) / channelStd[channel]
}
