package labels

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pbtxtMap = `
item {
  id: 1
  name: 'cat'
}

item {
    name: "dog"
    id: 2
    display_name: "Dog"
    frequency: FREQUENT
}
`

const yamlMap = `
- id: 1
  name: cat
- id: 2
  name: dog
  display_name: Dog
`

const jsonMap = `{"items": [
  {"id": 1, "name": "cat"},
  {"id": 2, "name": "dog", "display_name": "Dog"}
]}`

const textMap = `# pets
cat

Dog
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		file    string
		content string
	}{
		{"label_map.pbtxt", pbtxtMap},
		{"labels.yaml", yamlMap},
		{"labels.json", jsonMap},
		{"labels.txt", textMap},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			idx, err := Load(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)
			assert.Equal(t, 2, idx.Len())

			label, ok := idx.Lookup(1)
			assert.True(t, ok)
			assert.Equal(t, "cat", label)

			label, ok = idx.Lookup(2)
			assert.True(t, ok)
			assert.Equal(t, "Dog", label)

			_, ok = idx.Lookup(3)
			assert.False(t, ok)
		})
	}
}

func TestDisplayNamePreferred(t *testing.T) {
	cats, err := ParsePbtxt([]byte(pbtxtMap))
	require.NoError(t, err)
	require.Len(t, cats, 2)
	assert.Equal(t, Category{ID: 2, Name: "dog", DisplayName: "Dog"}, cats[1])
	assert.Equal(t, "Dog", cats[1].Label())
	assert.Equal(t, "cat", cats[0].Label())
}

func TestLoadMalformed(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"broken pbtxt", "m.pbtxt", "item { id: 1 name: "},
		{"pbtxt without id", "m.pbtxt", "item { name: 'cat' }"},
		{"duplicate ids", "m.yaml", "- {id: 1, name: a}\n- {id: 1, name: b}\n"},
		{"negative id", "m.yaml", "- {id: -1, name: a}\n"},
		{"id zero not background", "m.yaml", "- {id: 0, name: a}\n"},
		{"missing name", "m.json", `[{"id": 4}]`},
		{"scalar yaml", "m.yaml", "just a string"},
		{"unknown extension", "m.csv", "1,cat"},
		{"empty pbtxt", "empty.pbtxt", ""},
		{"empty yaml", "empty.yaml", ""},
		{"empty json list", "empty.json", "[]"},
		{"empty items", "empty.yaml", "items: []\n"},
		{"only comments", "empty.txt", "# nothing here\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedLabelMap), err.Error())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.pbtxt"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)))
}

func TestBackgroundAllowed(t *testing.T) {
	idx, err := NewCategoryIndex([]Category{{ID: 0, Name: BackgroundName}, {ID: 1, Name: "cat"}})
	require.NoError(t, err)
	assert.Equal(t, []Category{{ID: 0, Name: BackgroundName}, {ID: 1, Name: "cat"}}, idx.Categories())
}

func TestNewCategoryIndexEmpty(t *testing.T) {
	_, err := NewCategoryIndex(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedLabelMap))
	assert.Contains(t, err.Error(), "no items")
}

func TestConcurrentLookup(t *testing.T) {
	idx, err := NewCategoryIndex([]Category{{ID: 1, Name: "cat"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				label, ok := idx.Lookup(1)
				assert.True(t, ok)
				assert.Equal(t, "cat", label)
			}
		}()
	}
	wg.Wait()
}

func TestBuiltin(t *testing.T) {
	idx, err := Load(BuiltinPrefix + "coco")
	require.NoError(t, err)
	assert.Equal(t, 80, idx.Len())

	label, ok := idx.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, "person", label)

	label, ok = idx.Lookup(90)
	assert.True(t, ok)
	assert.Equal(t, "toothbrush", label)

	_, ok = idx.Lookup(12)
	assert.False(t, ok, "id 12 is unused in the coco map")

	voc, err := Builtin("VOC")
	require.NoError(t, err)
	assert.Equal(t, 20, voc.Len())

	_, err = Load(BuiltinPrefix + "imagenet")
	assert.True(t, errors.Is(err, ErrMalformedLabelMap))
	assert.Equal(t, []string{"coco", "voc"}, BuiltinNames())
}
