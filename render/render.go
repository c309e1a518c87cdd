// Package render draws decoded detections onto images.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/nvr-ai/batch-detect/images"
	"github.com/nvr-ai/batch-detect/models/postprocess"
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Defaults for Options.
const (
	DefaultLineThickness = 4
	DefaultFontSize      = 14
	DefaultAgnosticColor = "#FF8C00"
)

// Options controls how detections are drawn.
type Options struct {
	// LineThickness is the box outline width in pixels.
	LineThickness int `json:"line_thickness" yaml:"line_thickness"`
	// FontSize is the label text size in points.
	FontSize float64 `json:"font_size" yaml:"font_size"`
	// AgnosticMode draws every box in Color instead of a per-class colour.
	AgnosticMode bool `json:"agnostic" yaml:"agnostic"`
	// Color is the hex colour used in agnostic mode.
	Color string `json:"color" yaml:"color"`
	// ReverseDrawOrder paints the last detection first, so the first
	// (highest ranked) one ends up on top.
	ReverseDrawOrder bool `json:"reverse_draw_order" yaml:"reverse_draw_order"`
	// ShowLabels includes the label in the strip.
	ShowLabels bool `json:"show_labels" yaml:"show_labels"`
	// ShowScores includes the rounded percentage in the strip.
	ShowScores bool `json:"show_scores" yaml:"show_scores"`
}

// DefaultOptions returns the standard visualization settings.
func DefaultOptions() Options {
	return Options{
		LineThickness: DefaultLineThickness,
		FontSize:      DefaultFontSize,
		Color:         DefaultAgnosticColor,
		ShowLabels:    true,
		ShowScores:    true,
	}
}

// Renderer overlays detections on images. It holds no per-image state and
// may be shared between goroutines.
type Renderer struct {
	opts     Options
	agnostic color.Color
	face     *truetype.Options
}

// New validates opts and creates a renderer.
func New(opts Options) (*Renderer, error) {
	if opts.LineThickness <= 0 {
		return nil, errors.Errorf("line thickness must be positive, got %d", opts.LineThickness)
	}
	if opts.FontSize <= 0 {
		return nil, errors.Errorf("font size must be positive, got %v", opts.FontSize)
	}
	if opts.Color == "" {
		opts.Color = DefaultAgnosticColor
	}
	c, err := colorful.Hex(opts.Color)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid agnostic color %q", opts.Color)
	}
	return &Renderer{
		opts:     opts,
		agnostic: c.Clamped(),
		face:     &truetype.Options{Size: opts.FontSize},
	}, nil
}

// Options returns the renderer settings.
func (r *Renderer) Options() Options {
	return r.opts
}

// Render returns a copy of img with every detection drawn on it.
//
// Boxes are denormalized against img's size and clamped to it. The input is
// never modified and the output always has the same dimensions.
//
// Arguments:
//   - img: The source image.
//   - detections: Decoded detections in decode order.
//
// Returns:
//   - *image.RGBA: The annotated copy, with bounds starting at (0, 0).
func (r *Renderer) Render(img image.Image, detections []postprocess.Detection) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	if len(detections) == 0 {
		return out
	}

	dc := gg.NewContextForRGBA(out)
	dc.SetFontFace(truetype.NewFace(font, r.face))

	for i := range detections {
		det := detections[i]
		if r.opts.ReverseDrawOrder {
			det = detections[len(detections)-1-i]
		}
		r.drawDetection(dc, det, b.Dx(), b.Dy())
	}
	return out
}

func (r *Renderer) drawDetection(dc *gg.Context, det postprocess.Detection, width, height int) {
	rect := det.Box.ToRect(width, height)
	c := r.colorFor(det.ClassID)

	drawRectangle(dc, rect, c, float64(r.opts.LineThickness))

	text := FormatLabel(det, r.opts.ShowLabels, r.opts.ShowScores)
	if text == "" {
		return
	}

	tw, th := dc.MeasureString(text)
	margin := math.Ceil(th / 4)
	stripH := th + 2*margin
	stripW := tw + 2*margin

	// Above the box when there is room, otherwise inside its top edge.
	top := float64(rect.Y1) - stripH
	if top < 0 {
		top = float64(rect.Y1)
	}
	left := float64(rect.X1)

	dc.SetColor(c)
	dc.DrawRectangle(left, top, stripW, stripH)
	dc.Fill()

	dc.SetColor(color.Black)
	dc.DrawStringAnchored(text, left+margin, top+stripH-margin, 0, 0)
}

func drawRectangle(dc *gg.Context, rect images.Rect, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(rect.X1), float64(rect.Y1), float64(rect.Dx()), float64(rect.Dy()))
	dc.Stroke()
}

func (r *Renderer) colorFor(classID int) color.Color {
	if r.opts.AgnosticMode {
		return r.agnostic
	}
	return ColorFor(classID)
}

// goldenRatioConjugate spreads consecutive hues far apart.
const goldenRatioConjugate = 0.618033988749895

// ColorFor returns the palette colour for a class id. The mapping is stable
// across runs.
func ColorFor(classID int) color.Color {
	hue := math.Mod(float64(classID)*goldenRatioConjugate, 1)
	if hue < 0 {
		hue++
	}
	return colorful.Hsv(hue*360, 0.85, 0.95).Clamped()
}

// FormatLabel builds the strip text, e.g. "cat: 90%".
func FormatLabel(det postprocess.Detection, showLabel, showScore bool) string {
	pct := int(math.Round(100 * float64(det.Score)))
	switch {
	case showLabel && showScore:
		return fmt.Sprintf("%s: %d%%", det.Label, pct)
	case showLabel:
		return det.Label
	case showScore:
		return fmt.Sprintf("%d%%", pct)
	default:
		return ""
	}
}
