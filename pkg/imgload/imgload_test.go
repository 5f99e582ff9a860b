package imgload

import (
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, filename string, img image.Image) {
	f, err := os.Create(filename)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func writeJPEG(t *testing.T, filename string, img image.Image) {
	f, err := os.Create(filename)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 95}))
}

func writeGIF(t *testing.T, filename string, frames ...color.Color) {
	anim := &gif.GIF{}
	for _, c := range frames {
		pal := color.Palette{color.Black, c}
		frame := image.NewPaletted(image.Rect(0, 0, 5, 3), pal)
		for i := range frame.Pix {
			frame.Pix[i] = 1
		}
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, 10)
	}
	f, err := os.Create(filename)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, gif.EncodeAll(f, anim))
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()

	jpgFile := filepath.Join(dir, "a.jpg")
	writeJPEG(t, jpgFile, solid(16, 8, color.RGBA{200, 100, 50, 255}))
	img, err := Load(jpgFile)
	require.NoError(t, err)
	require.Equal(t, 3, img.NChan())
	require.Equal(t, 16, img.Width)
	require.Equal(t, 8, img.Height)

	pngFile := filepath.Join(dir, "b.png")
	writePNG(t, pngFile, solid(7, 9, color.RGBA{10, 20, 30, 255}))
	img, err = Load(pngFile)
	require.NoError(t, err)
	require.Equal(t, 7, img.Width)
	require.Equal(t, 9, img.Height)
	require.Equal(t, []byte{10, 20, 30}, img.Pixels[0:3])

	// Only the first frame of an animation is used
	gifFile := filepath.Join(dir, "c.gif")
	writeGIF(t, gifFile, color.RGBA{255, 0, 0, 255}, color.RGBA{0, 0, 255, 255})
	img, err = Load(gifFile)
	require.NoError(t, err)
	require.Equal(t, 5, img.Width)
	require.Equal(t, 3, img.Height)
	require.Equal(t, []byte{255, 0, 0}, img.Pixels[0:3])
}

func TestUndecodable(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "junk.jpg")
	require.NoError(t, os.WriteFile(filename, []byte("this is not an image"), 0644))
	_, err := Load(filename)
	require.True(t, errors.Is(err, ErrUndecodable))

	_, err = Load(filepath.Join(t.TempDir(), "missing.jpg"))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestPackCHW(t *testing.T) {
	// 2x1 image: pixel 0 = (1,2,3), pixel 1 = (4,5,6)
	img := cimg.NewImage(2, 1, cimg.PixelFormatRGB)
	copy(img.Pixels, []byte{1, 2, 3, 4, 5, 6})

	dst := make([]float32, 6)
	require.NoError(t, PackCHW(dst, img, ChannelOrderRGB))
	require.Equal(t, []float32{1, 4, 2, 5, 3, 6}, dst)

	require.NoError(t, PackCHW(dst, img, ChannelOrderBGR))
	require.Equal(t, []float32{3, 6, 2, 5, 1, 4}, dst)

	require.Error(t, PackCHW(make([]float32, 5), img, ChannelOrderRGB))
}

func TestFit(t *testing.T) {
	img := cimg.NewImage(8, 6, cimg.PixelFormatRGB)
	require.Same(t, img, Fit(img, 8, 6))
	resized := Fit(img, 4, 3)
	require.Equal(t, 4, resized.Width)
	require.Equal(t, 3, resized.Height)
	require.Equal(t, 3, resized.NChan())
}

func TestLoadBatch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.gif")
	writePNG(t, a, solid(10, 10, color.RGBA{0, 0, 255, 255}))
	writeGIF(t, b, color.RGBA{255, 0, 0, 255})

	batch, err := LoadBatch([]string{a, b}, 3, 4, 4, ChannelOrderBGR)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3, 4, 4}, batch.Shape)
	require.Equal(t, 2*3*4*4, len(batch.Data))

	// Blue image: in BGR order, plane 0 is blue
	first := batch.Item(0)
	require.InDelta(t, 255, first[0], 2)
	require.InDelta(t, 0, first[2*16], 2)

	// Red image: plane 2 is red
	second := batch.Item(1)
	require.InDelta(t, 0, second[0], 2)
	require.InDelta(t, 255, second[2*16], 2)

	_, err = LoadBatch([]string{a}, 1, 4, 4, ChannelOrderBGR)
	require.Error(t, err)
}

func TestParseChannelOrder(t *testing.T) {
	o, err := ParseChannelOrder("RGB")
	require.NoError(t, err)
	require.Equal(t, ChannelOrderRGB, o)
	_, err = ParseChannelOrder("yuv")
	require.Error(t, err)
}
