package cache

import (
	"fmt"
	"slices"

	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/pup"
)

// Entry is one packed cache entry of a branch.
type Entry struct {
	Tag        string
	Mutable    bool
	Generation uint64
	Value      []byte
}

// Snapshot packs every entry of the branch, const entries first, each group
// sorted by tag. Pending callbacks are not part of a snapshot.
func (c *GlobalCache) Snapshot() ([]Entry, error) {
	var entries []Entry
	for _, tag := range c.ConstTags() {
		data, err := pup.Pack(c.values[tag])
		if err != nil {
			return nil, fmt.Errorf("snapshot const cache tag %q: %w", tag, err)
		}
		entries = append(entries, Entry{Tag: tag, Value: data})
	}

	m := c.mutable
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range sortedKeys(m.entries) {
		e := m.entries[tag]
		data, err := pup.Pack(e.value)
		if err != nil {
			return nil, fmt.Errorf("snapshot mutable cache tag %q: %w", tag, err)
		}
		entries = append(entries, Entry{Tag: tag, Mutable: true, Generation: e.generation, Value: data})
	}
	return entries, nil
}

// Restore rebuilds the branch for proc from a snapshot. Values stay packed
// until first read.
func Restore(topology ir.Topology, proc int, entries []Entry) (*GlobalCache, error) {
	constValues := make(map[string]any)
	mutable := NewMutableCache(proc, nil)
	for _, e := range entries {
		if e.Mutable {
			mutable.entries[e.Tag] = &mutableEntry{value: pup.Raw(e.Value), generation: e.Generation}
			continue
		}
		constValues[e.Tag] = pup.Raw(e.Value)
	}
	return New(topology, proc, constValues, mutable)
}

func sortedKeys(m map[string]*mutableEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
