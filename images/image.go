// Package images - Image definition for processing utilities.
package images

import (
	"path/filepath"
	"strings"
)

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
	// FormatBMP is the BMP image format.
	FormatBMP ImageFormat = "bmp"
	// FormatTIFF is the TIFF image format.
	FormatTIFF ImageFormat = "tiff"
	// FormatGIF is the GIF image format.
	FormatGIF ImageFormat = "gif"
	// FormatUnknown is returned for extensions the codec does not handle.
	FormatUnknown ImageFormat = ""
)

// FormatFromPath infers the image format from a file extension.
//
// Arguments:
//   - path: A file path or name.
//
// Returns:
//   - ImageFormat: The matching format, or FormatUnknown.
func FormatFromPath(path string) ImageFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return FormatJPEG
	case ".png":
		return FormatPNG
	case ".webp":
		return FormatWebP
	case ".bmp":
		return FormatBMP
	case ".tif", ".tiff":
		return FormatTIFF
	case ".gif":
		return FormatGIF
	default:
		return FormatUnknown
	}
}
