package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/phaserun/internal/ir"
)

// WriteCheckpoint stores c in one transaction and returns the digest it was
// sealed with. The records are sorted first; c is modified in place.
//
// A store holds exactly one checkpoint. Writing into a store that already
// has one fails on the checkpoint_meta primary key.
func (s *Store) WriteCheckpoint(ctx context.Context, c *Checkpoint) (string, error) {
	c.normalize()
	if c.Meta.RuntimeVersion == "" {
		c.Meta.RuntimeVersion = ir.RuntimeVersion
	}
	if c.Meta.FormatVersion == "" {
		c.Meta.FormatVersion = ir.CheckpointFormatVersion
	}
	if c.Meta.WrittenAt.IsZero() {
		c.Meta.WrittenAt = time.Now().UTC()
	}
	digest, err := c.ComputeDigest()
	if err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	c.Meta.Digest = digest

	visited, err := ir.MarshalCanonical(visitedOrEmpty(c.Meta.VisitedPhases))
	if err != nil {
		return "", fmt.Errorf("write checkpoint: visited phases: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("write checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	m := c.Meta
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_meta
		(id, run_id, executable, phase, counter, nodes, procs_per_node, seq,
		 runtime_version, format_version, written_at, resource_info, visited_phases, digest)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.RunID, m.Executable, m.Phase.String(), m.Counter,
		m.Topology.Nodes, m.Topology.ProcsPerNode, m.Seq,
		m.RuntimeVersion, m.FormatVersion, m.WrittenAt.Format(time.RFC3339Nano),
		nonNil(c.ResourceInfo), string(visited), m.Digest,
	); err != nil {
		return "", fmt.Errorf("write checkpoint meta: %w", err)
	}

	for i, comp := range c.Components {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO components (name, kind, position) VALUES (?, ?, ?)
		`, comp.Name, comp.Kind.String(), i); err != nil {
			return "", fmt.Errorf("write component %s: %w", comp.Name, err)
		}
	}

	for _, e := range c.Elements {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO elements
			(component, idx, proc, phase, state, cursor, action, box, inboxes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.Component, int64(e.Index), e.Proc, e.Phase.String(), e.State,
			e.Cursor, e.Action, nonNil(e.Box), nonNil(e.Inboxes),
		); err != nil {
			return "", fmt.Errorf("write element %s[%d]: %w", e.Component, e.Index, err)
		}
	}

	for _, e := range c.Cache {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cache_entries (proc, tag, mutable, generation, value)
			VALUES (?, ?, ?, ?, ?)
		`, e.Proc, e.Tag, e.Mutable, int64(e.Generation), nonNil(e.Value)); err != nil {
			return "", fmt.Errorf("write cache entry %s on proc %d: %w", e.Tag, e.Proc, err)
		}
	}

	for _, d := range c.Decisions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO decision_data (name, value) VALUES (?, ?)
		`, d.Name, nonNil(d.Value)); err != nil {
			return "", fmt.Errorf("write decision data %s: %w", d.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("write checkpoint: commit: %w", err)
	}
	return digest, nil
}

func visitedOrEmpty(p []ir.Phase) []ir.Phase {
	if p == nil {
		return []ir.Phase{}
	}
	return p
}

// nonNil keeps NOT NULL blob columns satisfied for empty values.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
