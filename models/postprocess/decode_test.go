package postprocess

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/batch-detect/images"
)

type mapLookup map[int]string

func (m mapLookup) Lookup(id int) (string, bool) {
	s, ok := m[id]
	return s, ok
}

func newTestDecoder(t *testing.T, mutate func(*Config)) *Decoder {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDecoder(cfg, mapLookup{1: "cat", 2: "dog", 3: "bird"})
	require.NoError(t, err)
	return d
}

func uniformRaw(n int, score float32) RawDetections {
	raw := RawDetections{
		Boxes:   make([][4]float32, n),
		Classes: make([]int, n),
		Scores:  make([]float32, n),
		Count:   n,
	}
	for i := 0; i < n; i++ {
		f := float32(i) / float32(n+1)
		raw.Boxes[i] = [4]float32{f, f, f + 0.05, f + 0.05}
		raw.Classes[i] = i % 3
		raw.Scores[i] = score
	}
	return raw
}

func TestDecodeSingleDetection(t *testing.T) {
	d := newTestDecoder(t, nil)

	out, err := d.Decode(RawDetections{
		Boxes:   [][4]float32{{0.1, 0.1, 0.5, 0.5}},
		Classes: []int{0},
		Scores:  []float32{0.9},
		Count:   1,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, images.Box{YMin: 0.1, XMin: 0.1, YMax: 0.5, XMax: 0.5}, out[0].Box)
	assert.Equal(t, "cat", out[0].Label)
	assert.Equal(t, 1, out[0].ClassID)
	assert.InDelta(t, 0.9, out[0].Score, 1e-6)
	assert.False(t, out[0].UnknownLabel)
}

func TestDecodeBelowThreshold(t *testing.T) {
	d := newTestDecoder(t, nil)

	out, err := d.Decode(RawDetections{
		Boxes:   [][4]float32{{0.1, 0.1, 0.5, 0.5}},
		Classes: []int{0},
		Scores:  []float32{0.2},
		Count:   1,
	})
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestDecodeThresholdIsInclusive(t *testing.T) {
	d := newTestDecoder(t, nil)

	out, err := d.Decode(RawDetections{
		Boxes:   [][4]float32{{0, 0, 1, 1}, {0, 0, 1, 1}},
		Classes: []int{0, 1},
		Scores:  []float32{0.30, 0.2999},
		Count:   2,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "cat", out[0].Label)
}

func TestDecodeDropsNaNScores(t *testing.T) {
	nan := float32(math.NaN())
	raw := RawDetections{
		Boxes:   [][4]float32{{0, 0, 1, 1}, {0, 0, 0.5, 0.5}, {0, 0, 0.2, 0.2}},
		Classes: []int{0, 1, 2},
		Scores:  []float32{nan, 0.8, nan},
		Count:   3,
	}

	for _, threshold := range []float32{0, DefaultScoreThreshold} {
		d := newTestDecoder(t, func(c *Config) {
			c.ScoreThreshold = threshold
			c.SortByScore = true
		})
		out, err := d.Decode(raw)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "dog", out[0].Label)
		assert.InDelta(t, 0.8, out[0].Score, 1e-6)
	}
}

func TestDecodeMaxBoxesKeepsInputOrder(t *testing.T) {
	d := newTestDecoder(t, func(c *Config) { c.MaxBoxes = 2 })
	raw := uniformRaw(5, 0.8)
	raw.Scores = []float32{0.5, 0.9, 0.7, 0.95, 0.6}

	out, err := d.Decode(raw)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, images.NewBox(raw.Boxes[0]), out[0].Box)
	assert.Equal(t, images.NewBox(raw.Boxes[1]), out[1].Box)
}

func TestDecodeMaxBoxesZero(t *testing.T) {
	d := newTestDecoder(t, func(c *Config) { c.MaxBoxes = 0 })

	out, err := d.Decode(uniformRaw(4, 0.9))
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestDecodeUnknownLabel(t *testing.T) {
	d := newTestDecoder(t, nil)

	out, err := d.Decode(RawDetections{
		Boxes:   [][4]float32{{0.2, 0.2, 0.4, 0.4}},
		Classes: []int{41},
		Scores:  []float32{0.75},
		Count:   1,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "42", out[0].Label)
	assert.Equal(t, 42, out[0].ClassID)
	assert.True(t, out[0].UnknownLabel)
}

func TestDecodeLabelIDOffset(t *testing.T) {
	raw := RawDetections{
		Boxes:   [][4]float32{{0, 0, 1, 1}},
		Classes: []int{1},
		Scores:  []float32{0.9},
		Count:   1,
	}

	tests := []struct {
		name   string
		offset int
		label  string
	}{
		{"default offset", 1, "dog"},
		{"zero offset", 0, "cat"},
		{"wide offset", 2, "bird"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDecoder(t, func(c *Config) { c.LabelIDOffset = tt.offset })
			out, err := d.Decode(raw)
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, tt.label, out[0].Label)
		})
	}
}

func TestDecodeIgnoresPaddingPastCount(t *testing.T) {
	d := newTestDecoder(t, nil)
	raw := uniformRaw(10, 0.9)
	raw.Count = 3

	out, err := d.Decode(raw)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestDecodeEmptyCount(t *testing.T) {
	d := newTestDecoder(t, nil)
	raw := uniformRaw(100, 0.99)
	raw.Count = 0

	out, err := d.Decode(raw)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecodeProperties(t *testing.T) {
	d := newTestDecoder(t, func(c *Config) { c.MaxBoxes = 7 })
	raw := uniformRaw(50, 0)
	for i := range raw.Scores {
		raw.Scores[i] = float32((i*37)%100) / 100
	}

	out, err := d.Decode(raw)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 7)
	for _, det := range out {
		assert.GreaterOrEqual(t, det.Score, float32(DefaultScoreThreshold))
	}

	again, err := d.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, out, again, "decoding must be deterministic")
}

func TestDecodeContractViolation(t *testing.T) {
	d := newTestDecoder(t, nil)

	tests := []struct {
		name string
		raw  RawDetections
	}{
		{"short classes", RawDetections{
			Boxes: [][4]float32{{0, 0, 1, 1}, {0, 0, 1, 1}}, Classes: []int{0}, Scores: []float32{0.9, 0.9}, Count: 1,
		}},
		{"short scores", RawDetections{
			Boxes: [][4]float32{{0, 0, 1, 1}}, Classes: []int{0}, Scores: nil, Count: 1,
		}},
		{"count past end", RawDetections{
			Boxes: [][4]float32{{0, 0, 1, 1}}, Classes: []int{0}, Scores: []float32{0.9}, Count: 2,
		}},
		{"negative count", RawDetections{Count: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrContractViolation))
		})
	}
}

func TestDecodeSortByScore(t *testing.T) {
	raw := RawDetections{
		Boxes:   [][4]float32{{0, 0, 0.1, 0.1}, {0.2, 0.2, 0.3, 0.3}, {0.4, 0.4, 0.5, 0.5}, {0.6, 0.6, 0.7, 0.7}},
		Classes: []int{0, 1, 2, 0},
		Scores:  []float32{0.4, 0.9, 0.4, 0.8},
		Count:   4,
	}

	d := newTestDecoder(t, func(c *Config) { c.SortByScore = true; c.MaxBoxes = 3 })
	out, err := d.Decode(raw)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, images.NewBox(raw.Boxes[1]), out[0].Box)
	assert.Equal(t, images.NewBox(raw.Boxes[3]), out[1].Box)
	// ties keep model order
	assert.Equal(t, images.NewBox(raw.Boxes[0]), out[2].Box)

	unsorted := newTestDecoder(t, func(c *Config) { c.MaxBoxes = 3 })
	out, err = unsorted.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, images.NewBox(raw.Boxes[0]), out[0].Box)
}

func TestDecodeNMS(t *testing.T) {
	raw := RawDetections{
		Boxes: [][4]float32{
			{0.1, 0.1, 0.5, 0.5},
			{0.11, 0.11, 0.51, 0.51},
			{0.6, 0.6, 0.9, 0.9},
		},
		Classes: []int{0, 1, 0},
		Scores:  []float32{0.9, 0.85, 0.8},
		Count:   3,
	}

	t.Run("class agnostic", func(t *testing.T) {
		d := newTestDecoder(t, func(c *Config) { c.NMS = &NMSConfig{IoUThreshold: 0.5} })
		out, err := d.Decode(raw)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "cat", out[0].Label)
		assert.Equal(t, images.NewBox(raw.Boxes[2]), out[1].Box)
	})

	t.Run("class aware", func(t *testing.T) {
		d := newTestDecoder(t, func(c *Config) { c.NMS = &NMSConfig{IoUThreshold: 0.5, ClassAware: true} })
		out, err := d.Decode(raw)
		require.NoError(t, err)
		assert.Len(t, out, 3)
	})
}

func TestNewDecoderValidation(t *testing.T) {
	_, err := NewDecoder(Config{ScoreThreshold: 1.5, MaxBoxes: 1}, mapLookup{})
	assert.Error(t, err)

	_, err = NewDecoder(Config{ScoreThreshold: 0.5, MaxBoxes: -1}, mapLookup{})
	assert.Error(t, err)

	_, err = NewDecoder(Config{ScoreThreshold: 0.5, NMS: &NMSConfig{}}, mapLookup{})
	assert.Error(t, err)

	_, err = NewDecoder(DefaultConfig(), nil)
	assert.Error(t, err)
}
