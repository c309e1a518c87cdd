package postprocess

import (
	"testing"
)

func BenchmarkDecode(b *testing.B) {
	raw := uniformRaw(100, 0.5)
	for i := range raw.Scores {
		raw.Scores[i] = 1 - float32(i)/100
		raw.Classes[i] = i % 3
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"default", nil},
		{"sorted", func(c *Config) { c.SortByScore = true }},
		{"nms", func(c *Config) { c.NMS = &NMSConfig{IoUThreshold: 0.5} }},
	}
	for _, c := range cases {
		b.Run(c.name, func(b *testing.B) {
			cfg := DefaultConfig()
			if c.mutate != nil {
				c.mutate(&cfg)
			}
			d, err := NewDecoder(cfg, mapLookup{1: "cat", 2: "dog", 3: "bird"})
			if err != nil {
				b.Fatal(err)
			}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := d.Decode(raw); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
