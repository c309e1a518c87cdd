package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "workspace/training/annotations/label_map.pbtxt", cfg.LabelMap)
	assert.Equal(t, []string{".jpg"}, cfg.Extensions)
	assert.InDelta(t, 0.30, cfg.ScoreThreshold, 1e-6)
	assert.Equal(t, 200, cfg.MaxBoxes)
	assert.Equal(t, 1, cfg.LabelIDOffset)
	assert.Equal(t, 30*time.Second, cfg.InferTimeout)
	assert.Equal(t, 4, cfg.Render.LineThickness)
	assert.Nil(t, cfg.DecoderConfig().NMS)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
score_threshold: 0.5
workers: 4
infer_timeout: 5s
extensions: [.jpg, .png]
render:
  agnostic: true
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, cfg.ScoreThreshold, 1e-6)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.InferTimeout)
	assert.Equal(t, []string{".jpg", ".png"}, cfg.Extensions)
	assert.True(t, cfg.Render.AgnosticMode)
	assert.Equal(t, 4, cfg.Render.LineThickness, "unset nested keys keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 200, cfg.MaxBoxes)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "max_boxes: 10\nworkers: 2\n")
	t.Setenv(EnvPrefix+"MAX_BOXES", "20")
	t.Setenv(EnvPrefix+"EXTENSIONS", ".JPG, .webp,")
	t.Setenv(EnvPrefix+"RENDER_REVERSE_DRAW_ORDER", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.MaxBoxes)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, []string{".JPG", ".webp"}, cfg.Extensions)
	assert.True(t, cfg.Render.ReverseDrawOrder)
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dotenv := writeFile(t, ".env", EnvPrefix+"WORKERS=3\n"+EnvPrefix+"RESULTS_DB=results.db\n")
	t.Setenv(EnvPrefix+"WORKERS", "6")
	t.Setenv(EnvPrefix+"RESULTS_DB", "")
	require.NoError(t, os.Unsetenv(EnvPrefix+"RESULTS_DB"))

	cfg, err := Load("", dotenv, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, "results.db", cfg.ResultsDB)
}

func TestApplyEnvInvalidValue(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		if key == EnvPrefix+"INFER_TIMEOUT" {
			return "soon", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INFER_TIMEOUT")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "workers: [1, 2"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.ScoreThreshold = 1.2 }},
		{"negative max boxes", func(c *Config) { c.MaxBoxes = -1 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"empty input dir", func(c *Config) { c.InputDir = " " }},
		{"empty label map", func(c *Config) { c.LabelMap = "" }},
		{"bad jpeg quality", func(c *Config) { c.JPEGQuality = 0 }},
		{"no extensions", func(c *Config) { c.Extensions = nil }},
		{"unsupported extension", func(c *Config) { c.Extensions = []string{".jpg", ".heic"} }},
		{"negative deadline", func(c *Config) { c.Deadline = -time.Second }},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"nms above one", func(c *Config) { c.NMSThreshold = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsKnownExtensions(t *testing.T) {
	cfg := Default()
	cfg.Extensions = []string{"jpg", ".PNG", ".gif", ".webp", ".tiff", ".bmp"}
	assert.NoError(t, cfg.Validate())
}

func TestDecoderConfigNMS(t *testing.T) {
	cfg := Default()
	cfg.NMSThreshold = 0.6
	cfg.NMSClassAware = true
	cfg.SortByScore = true

	dc := cfg.DecoderConfig()
	require.NotNil(t, dc.NMS)
	assert.InDelta(t, 0.6, dc.NMS.IoUThreshold, 1e-6)
	assert.True(t, dc.NMS.ClassAware)
	assert.True(t, dc.SortByScore)
	assert.Equal(t, 95, cfg.SaveOptions().JPEGQuality)
}
