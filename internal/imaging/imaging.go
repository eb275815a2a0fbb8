// Package imaging reads and decodes uploaded receipt images.
package imaging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels bounds decoded images. Each detector holds a few full
// frame copies, so this caps per-request memory at a few hundred MiB.
const DefaultMaxPixels = 40_000_000

var (
	ErrEmpty    = errors.New("image file is empty")
	ErrTooLarge = errors.New("image file exceeds size limit")
)

// Image is one decoded upload. It is built per request and never shared.
type Image struct {
	Path    string
	Bytes   []byte
	Format  string
	Decoded image.Image
}

// Load reads path and decodes it. maxBytes and maxPixels <= 0 disable the
// respective checks.
func Load(path string, maxBytes, maxPixels int64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, path, maxBytes)
	}

	img, err := DecodeLimited(data, maxPixels)
	if err != nil {
		return nil, err
	}
	img.Path = path
	return img, nil
}

// Decode decodes in-memory image bytes without a pixel limit.
func Decode(data []byte) (*Image, error) {
	return DecodeLimited(data, 0)
}

// DecodeLimited reads the header first and refuses images with more than
// maxPixels pixels before any pixel buffer is allocated.
func DecodeLimited(data []byte, maxPixels int64) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if maxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode image header: %w", err)
		}
		if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
			return nil, fmt.Errorf("%w: %dx%d is more than %d pixels", ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
		}
	}
	decoded, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return &Image{
		Bytes:   data,
		Format:  format,
		Decoded: decoded,
	}, nil
}

// Digest is the hex SHA-256 of the raw file bytes.
func (img *Image) Digest() string {
	sum := sha256.Sum256(img.Bytes)
	return hex.EncodeToString(sum[:])
}

// RGB returns the pixels with alpha dropped, as an opaque RGBA image
// anchored at (0,0). Colour channels keep their straight values, so a
// transparent pixel reads as its stored colour.
func (img *Image) RGB() *image.RGBA {
	b := img.Decoded.Bounds()
	if rgba, ok := img.Decoded.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Opaque() {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if o, ok := img.Decoded.(interface{ Opaque() bool }); ok && o.Opaque() {
		draw.Draw(dst, dst.Bounds(), img.Decoded, b.Min, draw.Src)
		return dst
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.Decoded.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			dst.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}
