package assets

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
)

// Encoded is a re-encoded image ready for upload.
type Encoded struct {
	Data         []byte
	Width        int
	Height       int
	SourceFormat string
}

// Reencode decodes raw, fits it within maxDim on both axes, flattens any
// transparency onto white and encodes it as JPEG at the given quality.
func Reencode(raw []byte, maxDim, quality int) (*Encoded, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unsupported image: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}

	b := img.Bounds()
	if maxDim > 0 && (b.Dx() > maxDim || b.Dy() > maxDim) {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
		b = img.Bounds()
	}
	flat := imaging.Overlay(imaging.New(b.Dx(), b.Dy(), color.White), img, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return &Encoded{
		Data:         buf.Bytes(),
		Width:        b.Dx(),
		Height:       b.Dy(),
		SourceFormat: format,
	}, nil
}

// AssetID is the first 16 hex digits of sha256(data || conceptCode).
// The same image under the same code always gets the same id.
func AssetID(data []byte, conceptCode string) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(conceptCode))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Asset types, derived from the name of the sheet an image sits on.
const (
	TypePhoto     = "photo"
	TypeGenerator = "generator"
	TypeSketch    = "sketch"
	TypeOther     = "other"
)

var typeKeywords = []struct {
	assetType string
	words     []string
}{
	{TypePhoto, []string{"foto", "photo", "imagen", "image"}},
	{TypeGenerator, []string{"generador", "generator", "numeros generadores"}},
	{TypeSketch, []string{"croquis", "plano", "sketch", "dibujo", "drawing"}},
}

// ClassifySheet maps a sheet name to an asset type.
func ClassifySheet(name string) string {
	lower := strings.ToLower(name)
	for _, k := range typeKeywords {
		for _, w := range k.words {
			if strings.Contains(lower, w) {
				return k.assetType
			}
		}
	}
	return TypeOther
}

// ValidType reports whether t is a known asset type.
func ValidType(t string) bool {
	switch t {
	case TypePhoto, TypeGenerator, TypeSketch, TypeOther:
		return true
	}
	return false
}
