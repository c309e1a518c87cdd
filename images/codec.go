package images

import (
	"image"
	"io"
	"os"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	// Registers the WebP decoder with image.Decode, which imaging.Open uses.
	_ "golang.org/x/image/webp"
)

// DefaultJPEGQuality is the quality used when SaveOptions leaves it unset.
const DefaultJPEGQuality = 95

var webpEncode = func(w io.Writer, img image.Image, quality float32) error {
	return webp.Encode(w, img, &webp.Options{Quality: quality})
}

// SaveOptions tunes the encoders used by Save.
type SaveOptions struct {
	// JPEGQuality is the JPEG (and lossy WebP) quality in [1,100].
	JPEGQuality int `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// Load decodes the image at path.
//
// Arguments:
//   - path: Path to a JPEG, PNG, BMP, TIFF, GIF or WebP file.
//
// Returns:
//   - image.Image: The decoded image.
//   - ImageFormat: The format inferred from the file extension.
//   - error: If the file cannot be opened or decoded.
func Load(path string) (image.Image, ImageFormat, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, FormatUnknown, errors.Wrapf(err, "failed to decode image %s", path)
	}
	if img.Bounds().Empty() {
		return nil, FormatUnknown, errors.Errorf("image %s has no pixels", path)
	}
	return img, FormatFromPath(path), nil
}

// Save encodes img to path, picking the encoder from the path extension.
//
// Arguments:
//   - path: Destination file; its extension selects the format.
//   - img: The image to encode.
//   - opts: Encoder options.
//
// Returns:
//   - error: If the format is unsupported or writing fails.
func Save(path string, img image.Image, opts SaveOptions) error {
	quality := opts.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	switch FormatFromPath(path) {
	case FormatWebP:
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "failed to create %s", path)
		}
		if err := webpEncode(f, img, float32(quality)); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return errors.Wrapf(err, "failed to encode webp %s", path)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(path)
			return errors.Wrapf(err, "failed to close %s", path)
		}
		return nil
	case FormatUnknown:
		return errors.Errorf("unsupported output format for %s", path)
	default:
		if err := imaging.Save(img, path, imaging.JPEGQuality(quality)); err != nil {
			return errors.Wrapf(err, "failed to write %s", path)
		}
		return nil
	}
}
