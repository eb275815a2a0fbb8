package imaging

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(t.TempDir(), "receipt.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writePNG(t, 8, 6)

	img, err := Load(path, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "png", img.Format)
	assert.Equal(t, path, img.Path)
	assert.Equal(t, 8, img.Decoded.Bounds().Dx())
	assert.Len(t, img.Digest(), 64)

	rgb := img.RGB()
	assert.Equal(t, image.Rect(0, 0, 8, 6), rgb.Bounds())
}

func TestLoad_TooLarge(t *testing.T) {
	path := writePNG(t, 8, 6)

	_, err := Load(path, 10, 0)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.jpg"), 0, 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Decode([]byte("definitely not an image"))
	assert.Error(t, err)
}

// pngHeader is a PNG signature plus an IHDR chunk for a grayscale w x h
// image. It carries no pixel data, so only the header can be decoded.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 0, 17)
	ihdr = append(ihdr, "IHDR"...)
	ihdr = binary.BigEndian.AppendUint32(ihdr, w)
	ihdr = binary.BigEndian.AppendUint32(ihdr, h)
	ihdr = append(ihdr, 8, 0, 0, 0, 0)

	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, 13)
	out = append(out, ihdr...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(ihdr))
}

func TestLoad_TooManyPixels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.png")
	require.NoError(t, os.WriteFile(path, pngHeader(20000, 20000), 0o644))

	_, err := Load(path, 32<<20, DefaultMaxPixels)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Contains(t, err.Error(), "20000x20000")

	path = writePNG(t, 8, 6)
	_, err = Load(path, 0, 47)
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = Load(path, 0, 48)
	assert.NoError(t, err)
}

func TestRGB_DropsAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(2, 3, 4, 5))
	src.SetNRGBA(2, 3, color.NRGBA{R: 200, G: 100, B: 50, A: 0})
	src.SetNRGBA(3, 3, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	src.SetNRGBA(2, 4, color.NRGBA{R: 1, G: 2, B: 3, A: 255})

	rgb := (&Image{Decoded: src}).RGB()

	assert.Equal(t, image.Rect(0, 0, 2, 2), rgb.Bounds())
	assert.Equal(t, color.RGBA{R: 200, G: 100, B: 50, A: 255}, rgb.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, rgb.RGBAAt(1, 0))
	assert.Equal(t, color.RGBA{R: 1, G: 2, B: 3, A: 255}, rgb.RGBAAt(0, 1))
	assert.True(t, rgb.Opaque())
}
