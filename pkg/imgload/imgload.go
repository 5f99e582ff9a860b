// Package imgload reads images from disk and packs them into NCHW batch tensors
package imgload

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/classifier/pkg/nn"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrUndecodable = errors.New("Neither the primary nor the fallback decoder can read this file")

// ChannelOrder is the order in which color planes are written into the tensor
type ChannelOrder string

const (
	ChannelOrderBGR ChannelOrder = "bgr"
	ChannelOrderRGB ChannelOrder = "rgb"
)

func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch ChannelOrder(strings.ToLower(s)) {
	case ChannelOrderBGR:
		return ChannelOrderBGR, nil
	case ChannelOrderRGB:
		return ChannelOrderRGB, nil
	}
	return "", fmt.Errorf("Unknown channel order '%v'. Use 'bgr' or 'rgb'", s)
}

// Load an image file as 24-bit RGB.
// The primary codec is libjpeg-turbo. If that fails, we fall back to the Go decoders,
// which also understand GIF (first frame), PNG, BMP, TIFF and WebP.
func Load(filename string) (*cimg.Image, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Decode(raw, filename)
}

// Decode an in-memory image. name is only used in error messages.
func Decode(raw []byte, name string) (*cimg.Image, error) {
	img, primaryErr := cimg.Decompress(raw)
	if primaryErr == nil {
		if img.NChan() == 3 {
			return img, nil
		}
		return img.ToRGB(), nil
	}
	fallback, fallbackErr := decodeFallback(raw)
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w: %v (%v, %v)", ErrUndecodable, name, primaryErr, fallbackErr)
	}
	return fromImage(fallback), nil
}

func decodeFallback(raw []byte) (image.Image, error) {
	// Animated GIFs are read in full, and we keep the first frame
	if bytes.HasPrefix(raw, []byte("GIF8")) {
		anim, err := gif.DecodeAll(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		if len(anim.Image) == 0 {
			return nil, errors.New("GIF has no frames")
		}
		return anim.Image[0], nil
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	return img, err
}

// Convert any Go image into a packed RGB cimg.Image. Alpha is discarded.
func fromImage(src image.Image) *cimg.Image {
	b := src.Bounds()
	dst := cimg.NewImage(b.Dx(), b.Dy(), cimg.PixelFormatRGB)
	for y := 0; y < dst.Height; y++ {
		row := dst.Pixels[y*dst.Stride:]
		for x := 0; x < dst.Width; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			row[x*3] = uint8(r >> 8)
			row[x*3+1] = uint8(g >> 8)
			row[x*3+2] = uint8(bl >> 8)
		}
	}
	return dst
}

// Fit returns img resized to width x height, or img itself if it already has that size
func Fit(img *cimg.Image, width, height int) *cimg.Image {
	if img.Width == width && img.Height == height {
		return img
	}
	return cimg.ResizeNew(img, width, height, nil)
}

// PackCHW writes an RGB image into dst as planar float32 (HWC to CHW).
// dst must hold exactly 3*Width*Height values.
func PackCHW(dst []float32, img *cimg.Image, order ChannelOrder) error {
	if img.NChan() != 3 {
		return fmt.Errorf("Expected a 3 channel image, but image has %v channels", img.NChan())
	}
	plane := img.Width * img.Height
	if len(dst) != 3*plane {
		return fmt.Errorf("Tensor holds %v values, but a %vx%v image needs %v", len(dst), img.Width, img.Height, 3*plane)
	}
	// Plane index of the source R, G and B bytes
	planeOf := [3]int{0, 1, 2}
	if order == ChannelOrderBGR {
		planeOf = [3]int{2, 1, 0}
	}
	for y := 0; y < img.Height; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < img.Width; x++ {
			p := y*img.Width + x
			dst[planeOf[0]*plane+p] = float32(row[x*3])
			dst[planeOf[1]*plane+p] = float32(row[x*3+1])
			dst[planeOf[2]*plane+p] = float32(row[x*3+2])
		}
	}
	return nil
}

// LoadBatch loads each file, fits it to the network input, and stacks the results into one
// [len(filenames), channels, height, width] blob.
func LoadBatch(filenames []string, channels, height, width int, order ChannelOrder) (*nn.Blob, error) {
	if channels != 3 {
		return nil, fmt.Errorf("Network expects %v input channels, but only 3 channel images are supported", channels)
	}
	batch := nn.NewBlob(int64(len(filenames)), int64(channels), int64(height), int64(width))
	for i, filename := range filenames {
		img, err := Load(filename)
		if err != nil {
			return nil, err
		}
		img = Fit(img, width, height)
		if err := PackCHW(batch.Item(i), img, order); err != nil {
			return nil, fmt.Errorf("%v: %w", filename, err)
		}
	}
	return batch, nil
}
