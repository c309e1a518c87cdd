// Package images - Image geometry, codecs and helpers for the detection pipeline.
package images

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Rect is a lightweight pixel-space bounding box.
type Rect struct {
	// X2,Y2 are exclusive (like image.Rectangle).
	X1, Y1, X2, Y2 int
}

// Dx returns the width of the rectangle.
func (r Rect) Dx() int { return r.X2 - r.X1 }

// Dy returns the height of the rectangle.
func (r Rect) Dy() int { return r.Y2 - r.Y1 }

// Empty reports whether the rectangle contains no pixels.
func (r Rect) Empty() bool { return r.X1 >= r.X2 || r.Y1 >= r.Y2 }

// CalculateIoU returns the Intersection over Union of two pixel rectangles.
//
// The intersection corners are the max of the top-left corners and the min of
// the bottom-right corners. Non-overlapping (or merely touching) rectangles
// have an IoU of 0.
//
// Arguments:
//   - r: The first rectangle.
//   - o: The other rectangle to compare against.
//
// Returns:
//   - float32: A value between 0.0 and 1.0.
//
// Example Usage:
// ```go
//
//	rect1 := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	rect2 := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	iou := CalculateIoU(rect1, rect2) // 25 / 175 = 0.142857
//
// ```
func CalculateIoU(r, o Rect) float32 {
	ix1 := max(r.X1, o.X1)
	iy1 := max(r.Y1, o.Y1)
	ix2 := min(r.X2, o.X2)
	iy2 := min(r.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0.0
	}
	interArea := interW * interH

	// Union(A, B) = Area(A) + Area(B) - Intersection(A, B)
	areaR := (r.X2 - r.X1) * (r.Y2 - r.Y1)
	areaO := (o.X2 - o.X1) * (o.Y2 - o.Y1)
	unionArea := areaR + areaO - interArea

	return float32(interArea) / float32(unionArea)
}

// Box is a bounding box in normalized [0,1] image coordinates, stored in the
// (ymin, xmin, ymax, xmax) order emitted by TensorFlow object detection models.
//
// A Box carries no pixel dimensions; it is denormalized against the target
// image at render time.
type Box struct {
	YMin, XMin, YMax, XMax float32
}

// NewBox builds a Box from a (ymin, xmin, ymax, xmax) tuple.
func NewBox(b [4]float32) Box {
	return Box{YMin: b[0], XMin: b[1], YMax: b[2], XMax: b[3]}
}

// Clamp returns a copy of b with every coordinate limited to [0,1].
func (b Box) Clamp() Box {
	return Box{
		YMin: clamp01(b.YMin),
		XMin: clamp01(b.XMin),
		YMax: clamp01(b.YMax),
		XMax: clamp01(b.XMax),
	}
}

// Area returns the normalized area of b, 0 for inverted boxes.
func (b Box) Area() float32 {
	return math32.Max(0, b.XMax-b.XMin) * math32.Max(0, b.YMax-b.YMin)
}

// IoU returns the Intersection over Union of two normalized boxes.
func (b Box) IoU(o Box) float32 {
	iw := math32.Min(b.XMax, o.XMax) - math32.Max(b.XMin, o.XMin)
	ih := math32.Min(b.YMax, o.YMax) - math32.Max(b.YMin, o.YMin)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// ToRect denormalizes b against an image of the given pixel size. The box is
// clamped to the image first, so the result always lies inside
// Rect{0, 0, width, height}.
//
// Arguments:
//   - width: The image width in pixels.
//   - height: The image height in pixels.
//
// Returns:
//   - Rect: The pixel-space rectangle.
func (b Box) ToRect(width, height int) Rect {
	c := b.Clamp()
	w, h := float32(width), float32(height)
	return Rect{
		X1: int(math32.Round(c.XMin * w)),
		Y1: int(math32.Round(c.YMin * h)),
		X2: int(math32.Round(c.XMax * w)),
		Y2: int(math32.Round(c.YMax * h)),
	}
}

func (b Box) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f, %.3f)", b.YMin, b.XMin, b.YMax, b.XMax)
}

func clamp01(v float32) float32 {
	return math32.Min(1, math32.Max(0, v))
}
