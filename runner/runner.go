// Package runner drives the detection pipeline across an image directory.
package runner

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/batch-detect/images"
	"github.com/nvr-ai/batch-detect/models/postprocess"
	"github.com/nvr-ai/batch-detect/profiler"
	"github.com/nvr-ai/batch-detect/render"
	"github.com/nvr-ai/batch-detect/store"
	"github.com/nvr-ai/batch-detect/util"
)

// Stage names recorded by the profiler.
const (
	StageLoad   = "load"
	StageInfer  = "infer"
	StageDecode = "decode"
	StageRender = "render"
	StageSave   = "save"
	StageImage  = "image"
)

// DefaultInferTimeout bounds a single Detector.Infer call.
const DefaultInferTimeout = 30 * time.Second

// Options configures a Runner.
type Options struct {
	InputDir   string
	OutputDir  string
	Extensions []string
	// InferTimeout bounds each Infer call; zero means DefaultInferTimeout.
	InferTimeout time.Duration
	// Deadline bounds the whole batch; zero means none.
	Deadline time.Duration
	// Workers is the number of images processed concurrently; values below 1 mean 1.
	Workers int
	Save    images.SaveOptions
	// RunID identifies the batch in logs and the sink; generated when empty.
	RunID string

	// ModelDir and Backend are recorded on the sink's run row.
	ModelDir string
	Backend  string
}

// Result is the outcome for one input file.
type Result struct {
	File       util.ImageFile
	OutputPath string
	Width      int
	Height     int
	Detections []postprocess.Detection
	Elapsed    time.Duration
	// Err is nil on success.
	Err error
}

// Detector is the part of detector.Detector the runner calls.
type Detector interface {
	Infer(ctx context.Context, img image.Image) (postprocess.RawDetections, error)
}

// Option customizes a Runner.
type Option func(*Runner)

// WithSink records every result in sink.
func WithSink(sink store.Sink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithProgress writes one progress line per image to w.
func WithProgress(w io.Writer) Option {
	return func(r *Runner) { r.progress = w }
}

// WithProfiler records stage timings in p instead of a fresh profiler.
func WithProfiler(p *profiler.Profiler) Option {
	return func(r *Runner) { r.prof = p }
}

// Runner processes an image directory with one detector, decoder and renderer.
type Runner struct {
	opts     Options
	detector Detector
	decoder  *postprocess.Decoder
	renderer *render.Renderer
	logger   *zap.SugaredLogger

	sink     store.Sink
	progress io.Writer
	prof     *profiler.Profiler

	// reportMu serializes progress lines and sink writes across workers.
	reportMu sync.Mutex
}

// New creates a Runner. The detector, decoder and renderer are shared by all
// workers and must be safe for concurrent use.
func New(
	opts Options,
	det Detector,
	dec *postprocess.Decoder,
	ren *render.Renderer,
	logger *zap.SugaredLogger,
	options ...Option,
) (*Runner, error) {
	if det == nil || dec == nil || ren == nil {
		return nil, errors.New("detector, decoder and renderer are required")
	}
	if opts.InputDir == "" || opts.OutputDir == "" {
		return nil, errors.New("input and output directories are required")
	}
	if opts.InferTimeout <= 0 {
		opts.InferTimeout = DefaultInferTimeout
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = util.DefaultExtensions
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	r := &Runner{
		opts:     opts,
		detector: det,
		decoder:  dec,
		renderer: ren,
		logger:   logger.With("run_id", opts.RunID),
		progress: io.Discard,
		prof:     profiler.New(),
	}
	for _, o := range options {
		o(r)
	}
	return r, nil
}

// RunID returns the batch identifier.
func (r *Runner) RunID() string {
	return r.opts.RunID
}

// Run processes every matching file in the input directory. Per-image failures
// are recorded in the Summary and never stop the batch; the returned error is
// a StartupFatal *Error when the batch could not start.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()

	if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
		return Summary{}, newError(StartupFatal, r.opts.OutputDir, errors.Wrap(err, "failed to create output directory"))
	}
	files, err := util.ListImageFiles(r.opts.InputDir, r.opts.Extensions)
	if err != nil {
		return Summary{}, newError(StartupFatal, r.opts.InputDir, err)
	}

	if r.sink != nil {
		run := store.Run{
			ID:        r.opts.RunID,
			StartedAt: start,
			ModelDir:  r.opts.ModelDir,
			Backend:   r.opts.Backend,
			InputDir:  r.opts.InputDir,
		}
		if err := r.sink.StartRun(ctx, run); err != nil {
			return Summary{}, newError(StartupFatal, "results sink", err)
		}
	}

	if r.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Deadline)
		defer cancel()
	}

	r.logger.Infow("starting batch", "images", len(files), "input_dir", r.opts.InputDir, "workers", r.opts.Workers)

	results := make([]Result, len(files))
	if r.opts.Workers == 1 {
		for i, f := range files {
			results[i] = r.process(ctx, f)
			r.report(ctx, results[i])
		}
	} else {
		// Progress lines follow completion order; results keep input order.
		g := new(errgroup.Group)
		g.SetLimit(r.opts.Workers)
		for i, f := range files {
			g.Go(func() error {
				results[i] = r.process(ctx, f)
				r.report(ctx, results[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	summary := newSummary(r.opts.RunID, results, time.Since(start), r.prof.Stages())
	r.logger.Infow("batch complete",
		"processed", summary.Processed,
		"failed", summary.Failed,
		"elapsed", summary.Elapsed,
	)
	return summary, nil
}

// process runs the pipeline for one file. It never panics.
func (r *Runner) process(ctx context.Context, f util.ImageFile) (res Result) {
	res.File = f
	defer r.prof.StartOperation(StageImage)()
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	if err := ctx.Err(); err != nil {
		res.Err = newError(Canceled, f.Name, err)
		return res
	}

	stop := r.prof.StartOperation(StageLoad)
	img, format, err := images.Load(f.Path)
	stop()
	if err != nil {
		res.Err = newError(PerImageIO, f.Name, err)
		return res
	}
	bounds := img.Bounds()
	res.Width, res.Height = bounds.Dx(), bounds.Dy()

	stop = r.prof.StartOperation(StageInfer)
	raw, err := r.infer(ctx, img)
	stop()
	if err != nil {
		res.Err = inferenceError(f.Name, err)
		return res
	}

	stop = r.prof.StartOperation(StageDecode)
	dets, err := r.decoder.Decode(raw)
	stop()
	if err != nil {
		res.Err = newError(ContractViolation, f.Name, err)
		return res
	}
	res.Detections = dets
	r.prof.RecordMetric("detections", float64(len(dets)))

	for _, d := range dets {
		if d.UnknownLabel {
			r.logger.Warnw("unknown label",
				"image", f.Name,
				"class_id", d.ClassID,
				"kind", UnknownLabel.String(),
			)
		}
	}

	stop = r.prof.StartOperation(StageRender)
	annotated := r.renderer.Render(img, dets)
	stop()

	out := filepath.Join(r.opts.OutputDir, f.Name)
	stop = r.prof.StartOperation(StageSave)
	err = images.Save(out, annotated, r.opts.Save)
	stop()
	if err != nil {
		res.Err = newError(PerImageIO, f.Name, err)
		return res
	}
	res.OutputPath = out

	r.logger.Debugw("image processed",
		"image", f.Name,
		"format", format,
		"detections", len(dets),
		"elapsed", time.Since(start),
	)
	return res
}

type inferResult struct {
	raw postprocess.RawDetections
	err error
}

// infer calls the detector under the per-image timeout. A detector that
// ignores its context is abandoned once the timeout passes.
func (r *Runner) infer(ctx context.Context, img image.Image) (postprocess.RawDetections, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.InferTimeout)
	defer cancel()

	done := make(chan inferResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Errorw("detector panic", "panic", p, "stack", string(debug.Stack()))
				done <- inferResult{err: errors.Errorf("detector panic: %v", p)}
			}
		}()
		raw, err := r.detector.Infer(ctx, img)
		done <- inferResult{raw: raw, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return postprocess.RawDetections{}, res.err
		}
		if err := res.raw.Validate(); err != nil {
			return postprocess.RawDetections{}, err
		}
		return res.raw, nil
	case <-ctx.Done():
		return postprocess.RawDetections{}, errors.Wrap(ctx.Err(), "inference did not finish")
	}
}

// report writes the progress line, logs failures and forwards the result to the sink.
func (r *Runner) report(ctx context.Context, res Result) {
	r.reportMu.Lock()
	defer r.reportMu.Unlock()

	if res.Err != nil {
		fmt.Fprintf(r.progress, "processing %s... failed: %v\n", res.File.Name, reason(res.Err))
		r.logger.Errorw("image failed",
			"image", res.File.Name,
			"kind", KindOf(res.Err).String(),
			"error", res.Err,
		)
	} else {
		fmt.Fprintf(r.progress, "processing %s... done (%d detections)\n", res.File.Name, len(res.Detections))
	}

	if r.sink == nil {
		return
	}
	rec := store.ImageRecord{
		RunID:      r.opts.RunID,
		Filename:   res.File.Name,
		OutputPath: res.OutputPath,
		Width:      res.Width,
		Height:     res.Height,
		Elapsed:    res.Elapsed,
		Detections: res.Detections,
	}
	if res.Err != nil {
		rec.Err = res.Err.Error()
	}
	// The batch context may already be past its deadline; the record still lands.
	if err := r.sink.RecordImage(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warnw("failed to record result", "image", res.File.Name, "error", err)
	}
}
