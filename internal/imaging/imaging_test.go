package imaging

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func solidPNG(t *testing.T, c color.Color, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIsImage(t *testing.T) {
	for _, name := range []string{"a.png", "b.JPG", "c.jpeg", "d.Gif", "e.bmp"} {
		require.True(t, IsImage(name), name)
	}
	for _, name := range []string{"a.txt", "b", "c.png.zip", ".png.", "d.webp"} {
		require.False(t, IsImage(name), name)
	}
}

func TestDecode(t *testing.T) {
	img, err := Decode(solidPNG(t, color.White, 4, 3))
	require.NoError(t, err)
	require.Equal(t, 4, img.Bounds().Dx())

	_, err = Decode([]byte("not an image"))
	require.ErrorIs(t, err, ErrDecode)

	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrDecode)
}

func TestFeatures(t *testing.T) {
	img, err := Decode(solidPNG(t, color.RGBA{R: 255, G: 0, B: 255, A: 255}, 10, 7))
	require.NoError(t, err)

	f := Features(img, 4)
	require.Len(t, f, 3*16)
	require.InDelta(t, 1.0, f[0], 0.02)
	require.InDelta(t, -1.0, f[16], 0.02)
	require.InDelta(t, 1.0, f[32], 0.02)
}

// pngHeader returns a PNG signature and IHDR chunk claiming w x h RGBA
// pixels, with no pixel data behind it.
func pngHeader(w, h uint32) []byte {
	var ihdr bytes.Buffer
	ihdr.WriteString("IHDR")
	_ = binary.Write(&ihdr, binary.BigEndian, w)
	_ = binary.Write(&ihdr, binary.BigEndian, h)
	ihdr.Write([]byte{8, 6, 0, 0, 0})

	var out bytes.Buffer
	out.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&out, binary.BigEndian, uint32(ihdr.Len()-4))
	out.Write(ihdr.Bytes())
	_ = binary.Write(&out, binary.BigEndian, crc32.ChecksumIEEE(ihdr.Bytes()))
	return out.Bytes()
}

func TestDecode_RefusesOversizedImageBeforeAllocating(t *testing.T) {
	data := pngHeader(16000, 16000)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := Decode(data)
	runtime.ReadMemStats(&after)

	require.ErrorIs(t, err, ErrDecode)
	require.ErrorContains(t, err, "pixel limit")
	require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}

func TestDecode_SmallHeaderPassesSizeCheck(t *testing.T) {
	_, err := Decode(pngHeader(4, 4))
	require.ErrorIs(t, err, ErrDecode)
	require.NotContains(t, err.Error(), "pixel limit")
}
