// Package main is the batch-detect command: it runs an object detection model
// over a directory of images and writes annotated copies.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nvr-ai/batch-detect/config"
	"github.com/nvr-ai/batch-detect/detector"
	"github.com/nvr-ai/batch-detect/inference"
	"github.com/nvr-ai/batch-detect/labels"
	"github.com/nvr-ai/batch-detect/logging"
	"github.com/nvr-ai/batch-detect/models/postprocess"
	"github.com/nvr-ai/batch-detect/profiler"
	"github.com/nvr-ai/batch-detect/render"
	"github.com/nvr-ai/batch-detect/runner"
	"github.com/nvr-ai/batch-detect/store"
)

const (
	flagConfig         = "config"
	flagEnvFile        = "env-file"
	flagModelDir       = "model-dir"
	flagBackend        = "backend"
	flagProvider       = "execution-provider"
	flagORTLib         = "onnxruntime-lib"
	flagLabelMap       = "label-map"
	flagInputDir       = "input-dir"
	flagOutputDir      = "output-dir"
	flagExtensions     = "ext"
	flagScoreThreshold = "score-threshold"
	flagMaxBoxes       = "max-boxes"
	flagLabelIDOffset  = "label-id-offset"
	flagSortByScore    = "sort-by-score"
	flagNMSThreshold   = "nms-threshold"
	flagWorkers        = "workers"
	flagInferTimeout   = "infer-timeout"
	flagDeadline       = "deadline"
	flagResultsDB      = "results-db"
	flagFailOnError    = "fail-on-error"
	flagAgnostic       = "agnostic"
	flagReverseDraw    = "reverse-draw-order"
	flagDebug          = "debug"
)

// Exit codes.
const (
	exitFailures = 1
	exitStartup  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(os.Stdout, runBatch)
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return exitStartup
}

// batchAction runs one configured batch.
type batchAction func(ctx context.Context, cfg config.Config, stdout io.Writer) error

func newApp(stdout io.Writer, action batchAction) *cli.App {
	return &cli.App{
		Name:            "batch-detect",
		Usage:           "draw object detections onto every image in a directory",
		HideHelpCommand: true,
		Writer:          stdout,
		Flags:           flags(),
		// main maps errors to exit codes.
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), exitStartup)
			}
			return action(c.Context, cfg, c.App.Writer)
		},
		Commands: []*cli.Command{
			{
				Name:  "labels",
				Usage: "print the label map",
				Flags: flags(),
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return cli.Exit(err.Error(), exitStartup)
					}
					return printLabels(cfg.LabelMap, c.App.Writer)
				},
			},
			{
				Name:  "backends",
				Usage: "list the detector backends",
				Action: func(c *cli.Context) error {
					for _, b := range detector.Backends() {
						fmt.Fprintln(c.App.Writer, b)
					}
					return nil
				},
			},
		},
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, Usage: "load configuration from `FILE`"},
		&cli.StringSliceFlag{Name: flagEnvFile, Value: cli.NewStringSlice(".env"), Usage: "dotenv `FILE`s to read"},
		&cli.StringFlag{Name: flagModelDir, Usage: "exported model `DIR`"},
		&cli.StringFlag{Name: flagBackend, Usage: "detector backend (opencv, onnx)"},
		&cli.StringFlag{Name: flagProvider, Usage: "onnx execution provider (cpu, cuda, coreml, openvino)"},
		&cli.StringFlag{Name: flagORTLib, Usage: "onnxruntime shared library `PATH`"},
		&cli.StringFlag{Name: flagLabelMap, Usage: "label map `FILE` (.pbtxt, .yaml, .json, .txt)"},
		&cli.StringFlag{Name: flagInputDir, Aliases: []string{"i"}, Usage: "input image `DIR`"},
		&cli.StringFlag{Name: flagOutputDir, Aliases: []string{"o"}, Usage: "output image `DIR`"},
		&cli.StringSliceFlag{Name: flagExtensions, Usage: "image extensions to process"},
		&cli.Float64Flag{Name: flagScoreThreshold, Usage: "minimum detection score"},
		&cli.IntFlag{Name: flagMaxBoxes, Usage: "maximum boxes drawn per image"},
		&cli.IntFlag{Name: flagLabelIDOffset, Usage: "added to model class ids before label lookup"},
		&cli.BoolFlag{Name: flagSortByScore, Usage: "sort detections by score before capping"},
		&cli.Float64Flag{Name: flagNMSThreshold, Usage: "IoU threshold for non-maximum suppression (0 disables)"},
		&cli.IntFlag{Name: flagWorkers, Usage: "images processed concurrently"},
		&cli.DurationFlag{Name: flagInferTimeout, Usage: "timeout for a single inference"},
		&cli.DurationFlag{Name: flagDeadline, Usage: "deadline for the whole batch (0 = none)"},
		&cli.StringFlag{Name: flagResultsDB, Usage: "record results in this SQLite `FILE`"},
		&cli.BoolFlag{Name: flagFailOnError, Usage: "exit non-zero when any image fails"},
		&cli.BoolFlag{Name: flagAgnostic, Usage: "draw every box in one colour"},
		&cli.BoolFlag{Name: flagReverseDraw, Usage: "draw the highest ranked box last"},
		&cli.BoolFlag{Name: flagDebug, Aliases: []string{"vvv"}, Usage: "enable debug logging"},
	}
}

// loadConfig merges the config file, dotenv files and environment, then
// applies the flags that were set explicitly.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig), c.StringSlice(flagEnvFile)...)
	if err != nil {
		return config.Config{}, err
	}
	applyFlags(c, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	strs := map[string]*string{
		flagModelDir:  &cfg.ModelDir,
		flagBackend:   &cfg.Backend,
		flagProvider:  &cfg.ExecutionProvider,
		flagORTLib:    &cfg.ONNXRuntimeLib,
		flagLabelMap:  &cfg.LabelMap,
		flagInputDir:  &cfg.InputDir,
		flagOutputDir: &cfg.OutputDir,
		flagResultsDB: &cfg.ResultsDB,
	}
	for name, p := range strs {
		if c.IsSet(name) {
			*p = c.String(name)
		}
	}

	ints := map[string]*int{
		flagMaxBoxes:      &cfg.MaxBoxes,
		flagLabelIDOffset: &cfg.LabelIDOffset,
		flagWorkers:       &cfg.Workers,
	}
	for name, p := range ints {
		if c.IsSet(name) {
			*p = c.Int(name)
		}
	}

	bools := map[string]*bool{
		flagSortByScore: &cfg.SortByScore,
		flagFailOnError: &cfg.FailOnError,
		flagAgnostic:    &cfg.Render.AgnosticMode,
		flagReverseDraw: &cfg.Render.ReverseDrawOrder,
	}
	for name, p := range bools {
		if c.IsSet(name) {
			*p = c.Bool(name)
		}
	}

	if c.IsSet(flagExtensions) {
		cfg.Extensions = c.StringSlice(flagExtensions)
	}
	if c.IsSet(flagScoreThreshold) {
		cfg.ScoreThreshold = float32(c.Float64(flagScoreThreshold))
	}
	if c.IsSet(flagNMSThreshold) {
		cfg.NMSThreshold = float32(c.Float64(flagNMSThreshold))
	}
	if c.IsSet(flagInferTimeout) {
		cfg.InferTimeout = c.Duration(flagInferTimeout)
	}
	if c.IsSet(flagDeadline) {
		cfg.Deadline = c.Duration(flagDeadline)
	}
	if c.Bool(flagDebug) {
		cfg.Log.Level = "debug"
	}
}

func detectorOptions(cfg config.Config) detector.Options {
	opts := detector.DefaultOptions()
	opts.Backend = detector.Backend(cfg.Backend)
	opts.ModelDir = cfg.ModelDir
	opts.Session.Provider = inference.ExecutionProvider(cfg.ExecutionProvider)
	opts.Session.SharedLibPath = cfg.ONNXRuntimeLib
	return opts
}

// startupError names the resource that could not be prepared.
func startupError(resource string, err error) error {
	return cli.Exit(fmt.Sprintf("startup failed: %s: %v", resource, err), exitStartup)
}

func runBatch(ctx context.Context, cfg config.Config, stdout io.Writer) (err error) {
	logger, err := logging.New("batch-detect", cfg.Log)
	if err != nil {
		return startupError("logger", err)
	}
	defer func() { _ = logger.Sync() }()

	index, err := labels.Load(cfg.LabelMap)
	if err != nil {
		return startupError("label map "+cfg.LabelMap, err)
	}
	logger.Infow("loaded label map", "path", cfg.LabelMap, "categories", index.Len())

	decoder, err := postprocess.NewDecoder(cfg.DecoderConfig(), index)
	if err != nil {
		return startupError("decoder", err)
	}
	renderer, err := render.New(cfg.Render)
	if err != nil {
		return startupError("renderer", err)
	}

	det, err := detector.New(ctx, detectorOptions(cfg))
	if err != nil {
		return startupError("model "+cfg.ModelDir, err)
	}
	defer func() { err = multierr.Append(err, det.Close()) }()
	logger.Infow("loaded model", "path", cfg.ModelDir, "backend", cfg.Backend)

	prof := profiler.New()
	options := []runner.Option{runner.WithProgress(stdout), runner.WithProfiler(prof)}
	if cfg.ResultsDB != "" {
		db, err := store.Open(cfg.ResultsDB)
		if err != nil {
			return startupError("results database "+cfg.ResultsDB, err)
		}
		defer func() { _ = db.Close() }()
		options = append(options, runner.WithSink(db))
	}

	r, err := runner.New(runner.Options{
		InputDir:     cfg.InputDir,
		OutputDir:    cfg.OutputDir,
		Extensions:   cfg.Extensions,
		InferTimeout: cfg.InferTimeout,
		Deadline:     cfg.Deadline,
		Workers:      cfg.Workers,
		Save:         cfg.SaveOptions(),
		ModelDir:     cfg.ModelDir,
		Backend:      cfg.Backend,
	}, det, decoder, renderer, logger, options...)
	if err != nil {
		return startupError("runner", err)
	}

	summary, err := r.Run(ctx)
	if err != nil {
		return startupError("batch", err)
	}
	summary.Write(stdout)
	logger.Debugw("resources", "heap", profiler.HeapAlloc(), "uptime", prof.Uptime())

	return exitStatus(cfg, summary, logger)
}

// exitStatus fails the command on per-image failures only when configured to.
func exitStatus(cfg config.Config, summary runner.Summary, logger *zap.SugaredLogger) error {
	if summary.Failed == 0 {
		return nil
	}
	if !cfg.FailOnError {
		logger.Warnw("some images failed", "failed", summary.Failed)
		return nil
	}
	return cli.Exit(fmt.Sprintf("%d of %d images failed", summary.Failed, len(summary.Results)), exitFailures)
}

func printLabels(path string, w io.Writer) error {
	index, err := labels.Load(path)
	if err != nil {
		return startupError("label map "+path, err)
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"ID", "Name", "Display Name"})
	for _, c := range index.Categories() {
		t.AppendRow(table.Row{c.ID, c.Name, c.DisplayName})
	}
	fmt.Fprintln(w, t.Render())
	return nil
}
