package statsy

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(size int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func rgbaAt(img image.Image, x, y int) color.RGBA {
	r, g, b, a := img.At(x, y).RGBA()
	return color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}
}

func TestLoadWarBackground_Default(t *testing.T) {
	t.Parallel()
	bg, err := LoadWarBackground("")
	require.NoError(t, err)
	assert.Equal(t, image.Pt(1500, 622), bg.Bounds().Size())
}

func TestLoadWarBackground_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bg.png")
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1600, 700))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	bg, err := LoadWarBackground(path)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(1600, 700), bg.Bounds().Size())

	_, err = LoadWarBackground(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o600))
	_, err = LoadWarBackground(bad)
	assert.Error(t, err)
}

func TestNewWarBannerCompositor_TooSmall(t *testing.T) {
	t.Parallel()
	_, err := NewWarBannerCompositor(image.NewRGBA(image.Rect(0, 0, 800, 600)))
	assert.ErrorContains(t, err, "too small")

	_, err = NewWarBannerCompositor(nil)
	assert.Error(t, err)
}

func TestWarBannerCompositor_Compose(t *testing.T) {
	t.Parallel()
	bgColor := color.RGBA{G: 128, A: 255}
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}

	compositor, err := NewWarBannerCompositor(solidImage(1500, bgColor))
	require.NoError(t, err)

	// the clan badge is already box-sized, the opponent's is scaled up
	data, err := compositor.Compose(solidImage(clanBadgeBox.Dx(), red), solidImage(64, blue))
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(1500, 1500), img.Bounds().Size())

	center := func(r image.Rectangle) image.Point {
		return image.Pt((r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2)
	}
	c := center(clanBadgeBox)
	assert.Equal(t, red, rgbaAt(img, c.X, c.Y))
	o := center(opponentBadgeBox)
	scaled := rgbaAt(img, o.X, o.Y)
	assert.InDelta(t, blue.B, scaled.B, 2)
	assert.InDelta(t, blue.R, scaled.R, 2)
	assert.InDelta(t, blue.G, scaled.G, 2)

	assert.Equal(t, bgColor, rgbaAt(img, 5, 5))
	assert.Equal(t, bgColor, rgbaAt(img, 750, 300))
	assert.Equal(t, bgColor, rgbaAt(img, 750, 1000))
}

func TestWarBannerCompositor_BadgesStayInBoxes(t *testing.T) {
	t.Parallel()
	bgColor := color.RGBA{G: 128, A: 255}
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}

	compositor, err := NewWarBannerCompositor(solidImage(1500, bgColor))
	require.NoError(t, err)
	data, err := compositor.Compose(solidImage(clanBadgeBox.Dx(), red), solidImage(64, blue))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	assertNear := func(t *testing.T, want color.RGBA, p image.Point) {
		t.Helper()
		got := rgbaAt(img, p.X, p.Y)
		assert.InDelta(t, want.R, got.R, 2, p.String())
		assert.InDelta(t, want.G, got.G, 2, p.String())
		assert.InDelta(t, want.B, got.B, 2, p.String())
	}

	tests := []struct {
		name  string
		box   image.Rectangle
		badge color.RGBA
	}{
		{name: "clan", box: clanBadgeBox, badge: red},
		{name: "opponent", box: opponentBadgeBox, badge: blue},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				minX, minY := tc.box.Min.X, tc.box.Min.Y
				maxX, maxY := tc.box.Max.X-1, tc.box.Max.Y-1
				midY := (minY + maxY) / 2

				// corners of the box are covered by the badge
				for _, p := range []image.Point{
					image.Pt(minX, minY),
					image.Pt(maxX, minY),
					image.Pt(minX, maxY),
					image.Pt(maxX, maxY),
				} {
					assertNear(t, tc.badge, p)
				}

				// the first pixel past each edge is background
				for _, p := range []image.Point{
					image.Pt(minX-1, minY),
					image.Pt(maxX+1, midY),
					image.Pt(minX, minY-1),
					image.Pt(maxX, maxY+1),
				} {
					assert.Equal(t, bgColor, rgbaAt(img, p.X, p.Y), p.String())
				}
			},
		)
	}
}

func TestWarBannerCompositor_TransparentBadge(t *testing.T) {
	t.Parallel()
	bgColor := color.RGBA{R: 10, G: 20, B: 30, A: 255}
	compositor, err := NewWarBannerCompositor(solidImage(1500, bgColor))
	require.NoError(t, err)

	data, err := compositor.Compose(solidImage(64, color.RGBA{}), nil)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, bgColor, rgbaAt(img, 300, 300))
	assert.Equal(t, bgColor, rgbaAt(img, 1200, 300))
}
