package inference

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// PrepareInput resizes img to width x height and packs it as interleaved
// RGB bytes in NHWC order, the layout of TensorFlow object detection
// exports.
//
// Arguments:
//   - img: The image to prepare.
//   - width: The model input width.
//   - height: The model input height.
//
// Returns:
//   - []uint8: width*height*3 bytes.
//   - error: If the target size is not positive or img is empty.
func PrepareInput(img image.Image, width, height int) ([]uint8, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid input size %dx%d", width, height)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("cannot prepare an empty image")
	}

	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		img = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
		b = img.Bounds()
	}

	data := make([]uint8, 0, width*height*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			data = append(data, uint8(r>>8), uint8(g>>8), uint8(bl>>8))
		}
	}
	return data, nil
}

// ToFloat32 widens NHWC bytes for models with a float input, keeping the
// [0, 255] range.
func ToFloat32(data []uint8) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return out
}
