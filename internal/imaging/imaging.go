// Package imaging recognizes, decodes and vectorizes the image files a
// dataset may hold.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// ErrDecode indicates bytes that are not a decodable image.
var ErrDecode = errors.New("cannot decode image")

// Extensions lists the recognized image file extensions, lower case.
var Extensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp"}

// IsImage reports whether name carries a recognized image extension,
// compared case-insensitively.
func IsImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// MaxPixels bounds the width times height of an image Decode accepts.
// Decoders allocate the full pixel buffer from the header alone, so larger
// claims are refused before decoding.
const MaxPixels = 50_000_000

// Decode decodes an image in any recognized format.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrDecode, cfg.Width, cfg.Height, MaxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// DecodeFile reads and decodes the image at path.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Features scales img to size x size and returns its RGB channels as a
// channel-major vector normalised to [-1, 1].
func Features(img image.Image, size int) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := dst.PixOffset(x, y)
			p := y*size + x
			out[p] = float32(dst.Pix[i])/127.5 - 1
			out[plane+p] = float32(dst.Pix[i+1])/127.5 - 1
			out[2*plane+p] = float32(dst.Pix[i+2])/127.5 - 1
		}
	}
	return out
}
