// Package labels loads label maps and resolves model class ids to display names.
package labels

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrMalformedLabelMap is returned when a label map cannot be parsed or
// breaks the id rules (duplicate ids, negative ids, missing names).
var ErrMalformedLabelMap = errors.New("malformed label map")

// BackgroundName is the only name allowed on the reserved id 0.
const BackgroundName = "background"

// Category is one entry of a label map.
type Category struct {
	ID          int    `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}

// Label returns the display name when set, otherwise the name.
func (c Category) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Name
}

// CategoryIndex is a read-only id to Category mapping. It is built once and
// is safe for concurrent reads.
type CategoryIndex struct {
	categories map[int]Category
}

// NewCategoryIndex validates categories and indexes them by id.
//
// Arguments:
//   - categories: The label map entries.
//
// Returns:
//   - *CategoryIndex: The index.
//   - error: ErrMalformedLabelMap when empty or on a duplicate, negative or unnamed id.
func NewCategoryIndex(categories []Category) (*CategoryIndex, error) {
	if len(categories) == 0 {
		return nil, errors.Wrap(ErrMalformedLabelMap, "label map has no items")
	}
	idx := &CategoryIndex{categories: make(map[int]Category, len(categories))}
	for _, c := range categories {
		switch {
		case c.ID < 0:
			return nil, errors.Wrapf(ErrMalformedLabelMap, "negative id %d", c.ID)
		case c.ID == 0 && c.Name != BackgroundName:
			return nil, errors.Wrapf(ErrMalformedLabelMap, "id 0 is reserved for %q, got %q", BackgroundName, c.Name)
		case c.Label() == "":
			return nil, errors.Wrapf(ErrMalformedLabelMap, "id %d has no name", c.ID)
		}
		if _, dup := idx.categories[c.ID]; dup {
			return nil, errors.Wrapf(ErrMalformedLabelMap, "duplicate id %d", c.ID)
		}
		idx.categories[c.ID] = c
	}
	return idx, nil
}

// Lookup returns the label for id.
func (i *CategoryIndex) Lookup(id int) (string, bool) {
	c, ok := i.categories[id]
	if !ok {
		return "", false
	}
	return c.Label(), true
}

// Get returns the full category for id.
func (i *CategoryIndex) Get(id int) (Category, bool) {
	c, ok := i.categories[id]
	return c, ok
}

// Len returns the number of categories.
func (i *CategoryIndex) Len() int {
	return len(i.categories)
}

// Categories returns all categories ordered by id.
func (i *CategoryIndex) Categories() []Category {
	out := make([]Category, 0, len(i.categories))
	for _, c := range i.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
