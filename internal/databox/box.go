// Package databox provides the per-instance local state container and its
// inboxes.
//
// A Box maps typed tags to values. Each component instance owns exactly one
// Box and one Inboxes; neither is safe for concurrent use, and no other
// instance may touch them. Actions read and mutate them through the typed
// helpers in this package.
package databox

import (
	"slices"

	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/pup"
)

// Tag names a Box item of type T.
type Tag[T any] struct {
	name string
}

// NewTag creates a tag. Tag names must be unique within an executable.
func NewTag[T any](name string) Tag[T] {
	return Tag[T]{name: name}
}

// Name returns the tag's name.
func (t Tag[T]) Name() string {
	return t.name
}

// Box is an instance's local state.
type Box struct {
	items map[string]any
}

// New creates an empty Box.
func New() *Box {
	return &Box{items: make(map[string]any)}
}

// Seed stores untyped items, typically initialization items created from
// input options. Existing items with the same name are replaced.
func (b *Box) Seed(items map[string]any) {
	for k, v := range items {
		b.items[k] = v
	}
}

// Has reports whether an item named name exists.
func (b *Box) Has(name string) bool {
	_, ok := b.items[name]
	return ok
}

// Remove deletes the item named name.
func (b *Box) Remove(name string) {
	delete(b.items, name)
}

// Len returns the number of items.
func (b *Box) Len() int {
	return len(b.items)
}

// Names returns the item names in sorted order.
func (b *Box) Names() []string {
	names := make([]string, 0, len(b.items))
	for k := range b.items {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Get returns the item for tag.
//
// A missing item is a protocol violation by whichever action was supposed to
// create it, so Get panics with a fatal ACTION_PRECONDITION error. The
// runtime converts the panic into an abort.
func Get[T any](b *Box, tag Tag[T]) T {
	v, ok := b.items[tag.name]
	if !ok {
		panic(ir.Fatalf(ir.ErrCodeActionPrecondition, "databox item %q is missing", tag.name))
	}
	out, err := pup.Resolve[T](v)
	if err != nil {
		panic(err)
	}
	// Cache the decoded value so later reads skip msgpack.
	b.items[tag.name] = out
	return out
}

// Lookup returns the item for tag and whether it exists.
func Lookup[T any](b *Box, tag Tag[T]) (T, bool) {
	if _, ok := b.items[tag.name]; !ok {
		var zero T
		return zero, false
	}
	return Get(b, tag), true
}

// Set stores v under tag.
func Set[T any](b *Box, tag Tag[T], v T) {
	b.items[tag.name] = v
}

// Mutate applies fn to the item for tag in place. The item must exist.
func Mutate[T any](b *Box, tag Tag[T], fn func(*T)) {
	v := Get(b, tag)
	fn(&v)
	b.items[tag.name] = v
}

// Pack encodes every item.
func (b *Box) Pack() ([]byte, error) {
	return pup.PackMap(b.items)
}

// UnpackBox decodes a Box written by Pack. Items decode lazily on first Get.
func UnpackBox(data []byte) (*Box, error) {
	items, err := pup.UnpackMap(data)
	if err != nil {
		return nil, err
	}
	return &Box{items: items}, nil
}
