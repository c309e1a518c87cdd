// Package postprocess - Decoding of raw detector output into renderable detections.
package postprocess

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/batch-detect/images"
)

// ErrContractViolation is returned when a detector hands back output that
// breaks the RawDetections length invariant.
var ErrContractViolation = errors.New("detector output violates the raw detections contract")

// RawDetections is the fixed-size, per-image output of a detection model.
//
// Boxes, Classes and Scores are parallel slices and may be padded past Count;
// entries at index >= Count must be ignored.
type RawDetections struct {
	// Boxes holds (ymin, xmin, ymax, xmax) tuples in normalized [0,1] coordinates.
	Boxes [][4]float32 `json:"boxes" yaml:"boxes"`
	// Classes holds zero-based class ids.
	Classes []int `json:"classes" yaml:"classes"`
	// Scores holds confidences in [0,1].
	Scores []float32 `json:"scores" yaml:"scores"`
	// Count is the number of valid entries.
	Count int `json:"count" yaml:"count"`
}

// Validate checks len(Boxes) == len(Classes) == len(Scores) >= Count >= 0.
//
// Returns:
//   - error: ErrContractViolation wrapped with the offending lengths.
func (r RawDetections) Validate() error {
	if len(r.Boxes) != len(r.Classes) || len(r.Boxes) != len(r.Scores) {
		return errors.Wrapf(ErrContractViolation, "length mismatch: boxes=%d classes=%d scores=%d",
			len(r.Boxes), len(r.Classes), len(r.Scores))
	}
	if r.Count < 0 || r.Count > len(r.Boxes) {
		return errors.Wrapf(ErrContractViolation, "count %d outside [0, %d]", r.Count, len(r.Boxes))
	}
	return nil
}

// Detection is one decoded, renderable instance.
type Detection struct {
	// Box is the normalized bounding box.
	Box images.Box `json:"box" yaml:"box"`
	// Label is the display string, or the decimal ClassID when unknown.
	Label string `json:"label" yaml:"label"`
	// Score is the model confidence.
	Score float32 `json:"score" yaml:"score"`
	// ClassID is the offset id used for the label lookup.
	ClassID int `json:"class_id" yaml:"class_id"`
	// UnknownLabel is set when ClassID was absent from the category index.
	UnknownLabel bool `json:"unknown_label,omitempty" yaml:"unknown_label,omitempty"`
}
