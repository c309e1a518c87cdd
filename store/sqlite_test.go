package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/batch-detect/images"
	"github.com/nvr-ai/batch-detect/models/postprocess"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordImages(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	require.NoError(t, s.StartRun(ctx, Run{ID: "run-1", StartedAt: time.Now(), ModelDir: "m", Backend: "onnx", InputDir: "in"}))

	cat := postprocess.Detection{Box: images.Box{YMax: 0.5, XMax: 0.5}, Label: "cat", Score: 0.9, ClassID: 1}
	dog := postprocess.Detection{Box: images.Box{YMax: 1, XMax: 1}, Label: "dog", Score: 0.5, ClassID: 2}

	require.NoError(t, s.RecordImage(ctx, ImageRecord{
		RunID: "run-1", Filename: "a.jpg", OutputPath: "out/a.jpg", Width: 10, Height: 10,
		Elapsed: 12 * time.Millisecond, Detections: []postprocess.Detection{cat, dog},
	}))
	require.NoError(t, s.RecordImage(ctx, ImageRecord{
		RunID: "run-1", Filename: "b.jpg", Detections: []postprocess.Detection{cat},
	}))
	require.NoError(t, s.RecordImage(ctx, ImageRecord{
		RunID: "run-1", Filename: "c.jpg", Err: "failed to decode image",
	}))

	ok, failed, err := s.CountImages(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)

	counts, err := s.LabelCounts(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []LabelCount{{Label: "cat", Count: 2}, {Label: "dog", Count: 1}}, counts)
}

func TestCountImagesUnknownRun(t *testing.T) {
	ok, failed, err := openTestDB(t).CountImages(context.Background(), "nope")
	require.NoError(t, err)
	assert.Zero(t, ok)
	assert.Zero(t, failed)
}

func TestRecordImageRequiresRun(t *testing.T) {
	err := openTestDB(t).RecordImage(context.Background(), ImageRecord{RunID: "missing", Filename: "a.jpg"})
	assert.Error(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.StartRun(ctx, Run{ID: "r", StartedAt: time.Now()}))
	require.NoError(t, s.RecordImage(ctx, ImageRecord{RunID: "r", Filename: "a.jpg"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	ok, _, err := s.CountImages(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 1, ok)
}
