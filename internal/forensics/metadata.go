package forensics

import (
	"bytes"
	"image"
	"image/color"
	"strings"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/Brownie44l1/receipt-forensics/internal/imaging"
)

// MetadataDetector inspects EXIF. Phone captures carry device metadata;
// generated or re-saved images usually do not, and editors stamp the
// Software tag.
type MetadataDetector struct {
	keywords []string
}

func NewMetadataDetector(cfg MetadataConfig) *MetadataDetector {
	keywords := make([]string, 0, len(cfg.EditingKeywords))
	for _, k := range cfg.EditingKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &MetadataDetector{keywords: keywords}
}

func (d *MetadataDetector) Name() string { return "metadata" }

func (d *MetadataDetector) Detect(img *imaging.Image) (Signal, error) {
	bounds := img.Decoded.Bounds()
	meta := map[string]any{
		"format":       img.Format,
		"mode":         colorMode(img.Decoded),
		"size":         []int{bounds.Dx(), bounds.Dy()},
		"has_exif":     false,
		"has_gps":      false,
		"software":     nil,
		"device_make":  nil,
		"device_model": nil,
		"datetime":     nil,
	}
	signal := Signal{Name: d.Name(), Metadata: meta}

	x, err := exif.Decode(bytes.NewReader(img.Bytes))
	if x == nil || (err != nil && exif.IsCriticalError(err)) {
		signal.Suspicious = flag(true)
		signal.Score = 1
		signal.Flags = []string{"EXIF metadata missing"}
		return signal, nil
	}

	meta["has_exif"] = true
	software := tagString(x, exif.Software)
	meta["software"] = nullable(software)
	meta["device_make"] = nullable(tagString(x, exif.Make))
	meta["device_model"] = nullable(tagString(x, exif.Model))
	meta["datetime"] = nullable(tagString(x, exif.DateTime))

	suspicious := false
	if software != "" && d.editedWith(software) {
		suspicious = true
		meta["suspicious_reason"] = "Software tag indicates editing: " + software
		signal.Flags = append(signal.Flags, "Image edited with "+software)
	}
	if _, _, err := x.LatLong(); err == nil {
		meta["has_gps"] = true
		signal.Flags = append(signal.Flags, "GPS coordinates embedded")
	}

	signal.Suspicious = flag(suspicious)
	if suspicious {
		signal.Score = 1
	}
	return signal, nil
}

func (d *MetadataDetector) editedWith(software string) bool {
	lower := strings.ToLower(software)
	for _, k := range d.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func tagString(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// colorMode names the decoded colour model the way image tooling usually
// reports it: L, I;16, P, RGB, RGBA, CMYK or A.
func colorMode(img image.Image) string {
	m := img.ColorModel()
	if _, ok := m.(color.Palette); ok {
		return "P"
	}
	switch m {
	case color.GrayModel:
		return "L"
	case color.Gray16Model:
		return "I;16"
	case color.YCbCrModel:
		return "RGB"
	case color.CMYKModel:
		return "CMYK"
	case color.AlphaModel, color.Alpha16Model:
		return "A"
	case color.RGBAModel, color.RGBA64Model:
		// decoders use premultiplied RGBA for colour images without alpha
		if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
			return "RGB"
		}
		return "RGBA"
	case color.NRGBAModel, color.NRGBA64Model, color.NYCbCrAModel:
		return "RGBA"
	default:
		return "unknown"
	}
}
