// Package config builds the immutable run configuration from defaults, a
// YAML file, a .env file and BATCH_DETECT_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/batch-detect/images"
	"github.com/nvr-ai/batch-detect/logging"
	"github.com/nvr-ai/batch-detect/models/postprocess"
	"github.com/nvr-ai/batch-detect/render"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BATCH_DETECT_"

// Config is built once at startup and passed by value.
type Config struct {
	ModelDir          string `yaml:"model_dir"`
	Backend           string `yaml:"backend"`
	ExecutionProvider string `yaml:"execution_provider"`
	ONNXRuntimeLib    string `yaml:"onnxruntime_lib"`
	LabelMap          string `yaml:"label_map"`

	InputDir   string   `yaml:"input_dir"`
	OutputDir  string   `yaml:"output_dir"`
	Extensions []string `yaml:"extensions"`

	ScoreThreshold float32 `yaml:"score_threshold"`
	MaxBoxes       int     `yaml:"max_boxes"`
	LabelIDOffset  int     `yaml:"label_id_offset"`
	SortByScore    bool    `yaml:"sort_by_score"`
	NMSThreshold   float32 `yaml:"nms_threshold"`
	NMSClassAware  bool    `yaml:"nms_class_aware"`

	Workers      int           `yaml:"workers"`
	InferTimeout time.Duration `yaml:"infer_timeout"`
	Deadline     time.Duration `yaml:"deadline"`
	JPEGQuality  int           `yaml:"jpeg_quality"`
	ResultsDB    string        `yaml:"results_db"`
	FailOnError  bool          `yaml:"fail_on_error"`

	Render render.Options  `yaml:"render"`
	Log    logging.Config `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ModelDir:          "workspace/training/exported-models/custom_ssd_resnet50_v1_fpn_640x640_coco17_tpu-8",
		Backend:           "onnx",
		ExecutionProvider: "cpu",
		LabelMap:          "workspace/training/annotations/label_map.pbtxt",
		InputDir:          "workspace/training/images/test",
		OutputDir:         "workspace/inference/output",
		Extensions:        []string{".jpg"},
		ScoreThreshold:    postprocess.DefaultScoreThreshold,
		MaxBoxes:          postprocess.DefaultMaxBoxes,
		LabelIDOffset:     postprocess.DefaultLabelIDOffset,
		Workers:           1,
		InferTimeout:      30 * time.Second,
		JPEGQuality:       images.DefaultJPEGQuality,
		Render:            render.DefaultOptions(),
		Log:               logging.DefaultConfig(),
	}
}

// Load layers the sources below command line flags: defaults, then the YAML
// file at path (if set), then dotenv files (existing variables win), then
// BATCH_DETECT_* variables.
//
// Arguments:
//   - path: Optional YAML config file.
//   - dotenv: Optional .env files; missing ones are skipped.
//
// Returns:
//   - Config: The merged configuration, not yet validated.
//   - error: If a source cannot be read or parsed.
func Load(path string, dotenv ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path, cfg); err != nil {
			return Config{}, err
		}
	}

	for _, f := range dotenv {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, errors.Wrapf(err, "failed to load %s", f)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile decodes the YAML file at path over base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BATCH_DETECT_<KEY> variables, where KEY is
// the upper-cased YAML key (RENDER_ and LOG_ prefix nested keys).
//
// Arguments:
//   - lookup: Environment lookup, usually os.LookupEnv.
//
// Returns:
//   - error: If a value cannot be parsed for its field.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = v; return nil }
	}
	integer := func(p *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			*p = n
			return err
		}
	}
	float := func(p *float32) func(string) error {
		return func(v string) error {
			f, err := strconv.ParseFloat(v, 32)
			*p = float32(f)
			return err
		}
	}
	float64v := func(p *float64) func(string) error {
		return func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			*p = f
			return err
		}
	}
	boolean := func(p *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			*p = b
			return err
		}
	}
	duration := func(p *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			*p = d
			return err
		}
	}
	list := func(p *[]string) func(string) error {
		return func(v string) error {
			*p = splitList(v)
			return nil
		}
	}

	setters := []struct {
		key string
		set func(string) error
	}{
		{"MODEL_DIR", str(&c.ModelDir)},
		{"BACKEND", str(&c.Backend)},
		{"EXECUTION_PROVIDER", str(&c.ExecutionProvider)},
		{"ONNXRUNTIME_LIB", str(&c.ONNXRuntimeLib)},
		{"LABEL_MAP", str(&c.LabelMap)},
		{"INPUT_DIR", str(&c.InputDir)},
		{"OUTPUT_DIR", str(&c.OutputDir)},
		{"EXTENSIONS", list(&c.Extensions)},
		{"SCORE_THRESHOLD", float(&c.ScoreThreshold)},
		{"MAX_BOXES", integer(&c.MaxBoxes)},
		{"LABEL_ID_OFFSET", integer(&c.LabelIDOffset)},
		{"SORT_BY_SCORE", boolean(&c.SortByScore)},
		{"NMS_THRESHOLD", float(&c.NMSThreshold)},
		{"NMS_CLASS_AWARE", boolean(&c.NMSClassAware)},
		{"WORKERS", integer(&c.Workers)},
		{"INFER_TIMEOUT", duration(&c.InferTimeout)},
		{"DEADLINE", duration(&c.Deadline)},
		{"JPEG_QUALITY", integer(&c.JPEGQuality)},
		{"RESULTS_DB", str(&c.ResultsDB)},
		{"FAIL_ON_ERROR", boolean(&c.FailOnError)},
		{"RENDER_LINE_THICKNESS", integer(&c.Render.LineThickness)},
		{"RENDER_FONT_SIZE", float64v(&c.Render.FontSize)},
		{"RENDER_AGNOSTIC", boolean(&c.Render.AgnosticMode)},
		{"RENDER_COLOR", str(&c.Render.Color)},
		{"RENDER_REVERSE_DRAW_ORDER", boolean(&c.Render.ReverseDrawOrder)},
		{"RENDER_SHOW_LABELS", boolean(&c.Render.ShowLabels)},
		{"RENDER_SHOW_SCORES", boolean(&c.Render.ShowScores)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"LOG_ENCODING", str(&c.Log.Encoding)},
	}

	for _, s := range setters {
		v, ok := lookup(EnvPrefix + s.key)
		if !ok || v == "" {
			continue
		}
		if err := s.set(v); err != nil {
			return errors.Wrapf(err, "invalid %s%s=%q", EnvPrefix, s.key, v)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects out-of-range values and empty paths.
func (c Config) Validate() error {
	for name, v := range map[string]string{
		"model_dir":  c.ModelDir,
		"label_map":  c.LabelMap,
		"input_dir":  c.InputDir,
		"output_dir": c.OutputDir,
		"backend":    c.Backend,
	} {
		if strings.TrimSpace(v) == "" {
			return errors.Errorf("%s must not be empty", name)
		}
	}
	if err := c.DecoderConfig().Validate(); err != nil {
		return err
	}
	if c.NMSThreshold < 0 {
		return errors.Errorf("nms threshold must not be negative, got %v", c.NMSThreshold)
	}
	if c.Workers < 1 {
		return errors.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.InferTimeout < 0 || c.Deadline < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return errors.Errorf("jpeg quality %d outside [1, 100]", c.JPEGQuality)
	}
	if len(c.Extensions) == 0 {
		return errors.New("at least one extension is required")
	}
	for _, ext := range c.Extensions {
		if images.FormatFromPath("image."+strings.TrimPrefix(ext, ".")) == images.FormatUnknown {
			return errors.Errorf("unsupported image extension %q", ext)
		}
	}
	return c.Log.Validate()
}

// DecoderConfig returns the decoding parameters.
func (c Config) DecoderConfig() postprocess.Config {
	dc := postprocess.Config{
		ScoreThreshold: c.ScoreThreshold,
		MaxBoxes:       c.MaxBoxes,
		LabelIDOffset:  c.LabelIDOffset,
		SortByScore:    c.SortByScore,
	}
	if c.NMSThreshold > 0 {
		dc.NMS = &postprocess.NMSConfig{IoUThreshold: c.NMSThreshold, ClassAware: c.NMSClassAware}
	}
	return dc
}

// SaveOptions returns the encoder settings for annotated images.
func (c Config) SaveOptions() images.SaveOptions {
	return images.SaveOptions{JPEGQuality: c.JPEGQuality}
}
