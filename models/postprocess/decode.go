package postprocess

import (
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nvr-ai/batch-detect/images"
)

const (
	// DefaultScoreThreshold is the minimum confidence kept by default.
	DefaultScoreThreshold = 0.30
	// DefaultMaxBoxes caps the detections decoded per image by default.
	DefaultMaxBoxes = 200
	// DefaultLabelIDOffset maps zero-based model class ids onto a one-based label map.
	DefaultLabelIDOffset = 1
)

// LabelLookup resolves a class id to a display label.
type LabelLookup interface {
	Lookup(id int) (string, bool)
}

// NMSConfig defines parameters for the optional Non-Maximum Suppression pass.
type NMSConfig struct {
	// IoUThreshold is the overlap above which a lower ranked box is dropped.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// ClassAware suppresses only boxes that share a class id.
	ClassAware bool `json:"class_aware" yaml:"class_aware"`
}

// Config holds the decoding parameters.
type Config struct {
	// ScoreThreshold drops entries whose score is strictly below it or NaN.
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold"`
	// MaxBoxes caps the number of accepted entries.
	MaxBoxes int `json:"max_boxes" yaml:"max_boxes"`
	// LabelIDOffset is added to every raw class id before the label lookup.
	LabelIDOffset int `json:"label_id_offset" yaml:"label_id_offset"`
	// SortByScore stable-sorts entries by descending score before filtering.
	// Off by default: model order is trusted to be confidence-descending.
	SortByScore bool `json:"sort_by_score" yaml:"sort_by_score"`
	// NMS enables greedy suppression of overlapping entries when non-nil.
	NMS *NMSConfig `json:"nms,omitempty" yaml:"nms,omitempty"`
}

// DefaultConfig returns the decoding defaults of the batch tool.
func DefaultConfig() Config {
	return Config{
		ScoreThreshold: DefaultScoreThreshold,
		MaxBoxes:       DefaultMaxBoxes,
		LabelIDOffset:  DefaultLabelIDOffset,
	}
}

// Validate checks the parameter ranges.
func (c Config) Validate() error {
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return errors.Errorf("score threshold %v outside [0, 1]", c.ScoreThreshold)
	}
	if c.MaxBoxes < 0 {
		return errors.Errorf("max boxes must not be negative, got %d", c.MaxBoxes)
	}
	if c.NMS != nil && (c.NMS.IoUThreshold <= 0 || c.NMS.IoUThreshold > 1) {
		return errors.Errorf("nms iou threshold %v outside (0, 1]", c.NMS.IoUThreshold)
	}
	return nil
}

// Decoder turns RawDetections into an ordered slice of Detection.
//
// A Decoder holds no mutable state and may be shared between goroutines as
// long as its LabelLookup is safe for concurrent reads.
type Decoder struct {
	config Config
	labels LabelLookup
}

// NewDecoder creates a decoder.
//
// Arguments:
//   - config: The decoding parameters.
//   - labels: The category index used to resolve class ids.
//
// Returns:
//   - *Decoder: The decoder.
//   - error: If the config is out of range or labels is nil.
func NewDecoder(config Config, labels LabelLookup) (*Decoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if labels == nil {
		return nil, errors.New("decoder requires a label lookup")
	}
	return &Decoder{config: config, labels: labels}, nil
}

// Config returns the decoding parameters.
func (d *Decoder) Config() Config {
	return d.config
}

// Decode filters, caps and labels one image's raw detections.
//
// Entries 0..Count-1 are visited in model order (or by descending score when
// SortByScore is set). Entries scoring below the threshold are skipped, and
// iteration stops once MaxBoxes entries have been accepted. A class id missing
// from the label lookup yields a Detection labelled with the decimal id and
// UnknownLabel set.
//
// Arguments:
//   - raw: The detector output for one image.
//
// Returns:
//   - []Detection: At most MaxBoxes detections, never nil.
//   - error: ErrContractViolation when raw is malformed.
func (d *Decoder) Decode(raw RawDetections) ([]Detection, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	out := make([]Detection, 0, min(raw.Count, d.config.MaxBoxes))
	if d.config.MaxBoxes == 0 {
		return out, nil
	}

	for _, i := range d.order(raw) {
		score := raw.Scores[i]
		// NaN fails every comparison and is dropped here.
		if !(score >= d.config.ScoreThreshold) {
			continue
		}

		classID := raw.Classes[i] + d.config.LabelIDOffset
		box := images.NewBox(raw.Boxes[i])
		if d.suppressed(out, box, classID) {
			continue
		}

		label, ok := d.labels.Lookup(classID)
		if !ok {
			label = strconv.Itoa(classID)
		}
		out = append(out, Detection{
			Box:          box,
			Label:        label,
			Score:        score,
			ClassID:      classID,
			UnknownLabel: !ok,
		})
		if len(out) == d.config.MaxBoxes {
			break
		}
	}

	return out, nil
}

// order returns the indices to visit.
func (d *Decoder) order(raw RawDetections) []int {
	idx := make([]int, raw.Count)
	for i := range idx {
		idx[i] = i
	}
	if d.config.SortByScore {
		sort.SliceStable(idx, func(a, b int) bool {
			return raw.Scores[idx[a]] > raw.Scores[idx[b]]
		})
	}
	return idx
}

// suppressed reports whether box overlaps an already accepted detection by
// more than the NMS threshold.
func (d *Decoder) suppressed(accepted []Detection, box images.Box, classID int) bool {
	if d.config.NMS == nil {
		return false
	}
	for _, a := range accepted {
		if d.config.NMS.ClassAware && a.ClassID != classID {
			continue
		}
		if a.Box.IoU(box) > d.config.NMS.IoUThreshold {
			return true
		}
	}
	return false
}
