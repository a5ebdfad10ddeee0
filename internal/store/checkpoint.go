package store

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"

	"github.com/roach88/phaserun/internal/ir"
)

// Meta is the single checkpoint_meta row.
type Meta struct {
	RunID          string
	Executable     string
	Phase          ir.Phase // phase that wrote the checkpoint
	Counter        int
	Topology       ir.Topology
	Seq            int64
	RuntimeVersion string
	FormatVersion  string
	WrittenAt      time.Time
	VisitedPhases  []ir.Phase
	Digest         string
}

// ComponentRecord is one registered component.
type ComponentRecord struct {
	Name string
	Kind ir.ComponentKind
}

// ElementRecord is one instance. Box and Inboxes are pup-packed.
type ElementRecord struct {
	Component string
	Index     ir.ElementIndex
	Proc      int
	Phase     ir.Phase
	State     string
	Cursor    int
	Action    string
	Box       []byte
	Inboxes   []byte
}

// CacheRecord is one cache entry of one branch. Value is pup-packed.
type CacheRecord struct {
	Proc       int
	Tag        string
	Mutable    bool
	Generation uint64
	Value      []byte
}

// DecisionRecord is one entry of Main's phase-change accumulator.
type DecisionRecord struct {
	Name  string
	Value []byte
}

// Checkpoint is everything needed to restart a run.
type Checkpoint struct {
	Meta         Meta
	ResourceInfo []byte
	Components   []ComponentRecord
	Elements     []ElementRecord
	Cache        []CacheRecord
	Decisions    []DecisionRecord
}

// normalize sorts the records into the order they are read back in.
func (c *Checkpoint) normalize() {
	position := make(map[string]int, len(c.Components))
	for i, comp := range c.Components {
		position[comp.Name] = i
	}
	slices.SortFunc(c.Elements, func(a, b ElementRecord) int {
		if n := cmp.Compare(position[a.Component], position[b.Component]); n != 0 {
			return n
		}
		return cmp.Compare(a.Index, b.Index)
	})
	slices.SortFunc(c.Cache, func(a, b CacheRecord) int {
		if n := cmp.Compare(a.Proc, b.Proc); n != 0 {
			return n
		}
		return cmp.Compare(a.Tag, b.Tag)
	})
	slices.SortFunc(c.Decisions, func(a, b DecisionRecord) int {
		return cmp.Compare(a.Name, b.Name)
	})
}

func blobDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Manifest is the canonical description of the checkpoint that the digest
// covers. Blobs appear as their SHA-256. WrittenAt and Digest are left out
// so rewriting identical state yields an identical digest.
func (c *Checkpoint) Manifest() map[string]any {
	components := make([]any, len(c.Components))
	for i, comp := range c.Components {
		components[i] = map[string]any{"name": comp.Name, "kind": comp.Kind}
	}
	elements := make([]any, len(c.Elements))
	for i, e := range c.Elements {
		elements[i] = map[string]any{
			"component": e.Component,
			"index":     e.Index,
			"proc":      e.Proc,
			"phase":     e.Phase,
			"state":     e.State,
			"cursor":    e.Cursor,
			"action":    e.Action,
			"box":       blobDigest(e.Box),
			"inboxes":   blobDigest(e.Inboxes),
		}
	}
	entries := make([]any, len(c.Cache))
	for i, e := range c.Cache {
		entries[i] = map[string]any{
			"proc":       e.Proc,
			"tag":        e.Tag,
			"mutable":    e.Mutable,
			"generation": e.Generation,
			"value":      blobDigest(e.Value),
		}
	}
	decisions := make(map[string]any, len(c.Decisions))
	for _, d := range c.Decisions {
		decisions[d.Name] = blobDigest(d.Value)
	}
	visited := c.Meta.VisitedPhases
	if visited == nil {
		visited = []ir.Phase{}
	}

	return map[string]any{
		"run_id":          c.Meta.RunID,
		"executable":      c.Meta.Executable,
		"phase":           c.Meta.Phase,
		"counter":         c.Meta.Counter,
		"topology":        map[string]any{"nodes": c.Meta.Topology.Nodes, "procs_per_node": c.Meta.Topology.ProcsPerNode},
		"seq":             c.Meta.Seq,
		"runtime_version": c.Meta.RuntimeVersion,
		"format_version":  c.Meta.FormatVersion,
		"visited_phases":  visited,
		"resource_info":   blobDigest(c.ResourceInfo),
		"components":      components,
		"elements":        elements,
		"cache":           entries,
		"decisions":       decisions,
	}
}

// ComputeDigest returns the manifest digest of c.
func (c *Checkpoint) ComputeDigest() (string, error) {
	return ir.ManifestDigest(c.Manifest())
}
