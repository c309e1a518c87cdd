package labels

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// BuiltinPrefix selects a compiled-in label set in Load, e.g. "builtin:coco".
const BuiltinPrefix = "builtin:"

// cocoNames is the TensorFlow Object Detection API mscoco label map. Index i
// holds the name for id i+1; empty entries are ids the map skips.
var cocoNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat", "traffic light",
	"fire hydrant", "", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse", "sheep",
	"cow", "elephant", "bear", "zebra", "giraffe", "", "backpack", "umbrella", "", "",
	"handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "", "dining table", "", "", "toilet",
	"", "tv", "laptop", "mouse", "remote", "keyboard", "cell phone", "microwave", "oven", "toaster",
	"sink", "refrigerator", "", "book", "clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

// vocNames is the 20 Pascal VOC classes, ids from 1.
var vocNames = []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa", "train", "tvmonitor",
}

var builtins = map[string][]string{
	"coco": cocoNames,
	"voc":  vocNames,
}

// BuiltinNames returns the names accepted by Builtin.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtin returns a compiled-in label set. Both sets are one-based.
func Builtin(name string) (*CategoryIndex, error) {
	names, ok := builtins[strings.ToLower(name)]
	if !ok {
		return nil, errors.Wrapf(ErrMalformedLabelMap, "unknown builtin label set %q (have %s)",
			name, strings.Join(BuiltinNames(), ", "))
	}

	categories := make([]Category, 0, len(names))
	for i, n := range names {
		if n != "" {
			categories = append(categories, Category{ID: i + 1, Name: n})
		}
	}
	return NewCategoryIndex(categories)
}
