package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/phaserun/internal/ir"
)

// ReadMeta returns the checkpoint_meta row without verifying the digest.
// It is what `inspect` shows and what restart checks the topology against.
func (s *Store) ReadMeta(ctx context.Context) (Meta, []byte, error) {
	var (
		m                  Meta
		phase, writtenAt   string
		visited            string
		resourceInfo       []byte
		nodes, procPerNode int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, executable, phase, counter, nodes, procs_per_node, seq,
		       runtime_version, format_version, written_at, resource_info, visited_phases, digest
		FROM checkpoint_meta
		WHERE id = 1
	`).Scan(
		&m.RunID, &m.Executable, &phase, &m.Counter, &nodes, &procPerNode, &m.Seq,
		&m.RuntimeVersion, &m.FormatVersion, &writtenAt, &resourceInfo, &visited, &m.Digest,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, nil, ir.Fatalf(ir.ErrCodeCheckpointCorrupt, "checkpoint has no metadata row")
	}
	if err != nil {
		return Meta{}, nil, fmt.Errorf("read checkpoint meta: %w", err)
	}

	if m.Phase, err = ir.ParsePhase(phase); err != nil {
		return Meta{}, nil, ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "checkpoint phase")
	}
	if m.WrittenAt, err = time.Parse(time.RFC3339Nano, writtenAt); err != nil {
		return Meta{}, nil, ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "checkpoint timestamp")
	}
	if err := json.Unmarshal([]byte(visited), &m.VisitedPhases); err != nil {
		return Meta{}, nil, ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "checkpoint visited phases")
	}
	m.Topology = ir.Topology{Nodes: nodes, ProcsPerNode: procPerNode}
	return m, resourceInfo, nil
}

// ReadCheckpoint loads the whole checkpoint and verifies its digest.
func (s *Store) ReadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	meta, resourceInfo, err := s.ReadMeta(ctx)
	if err != nil {
		return nil, err
	}
	c := &Checkpoint{Meta: meta, ResourceInfo: resourceInfo}

	if c.Components, err = s.readComponents(ctx); err != nil {
		return nil, err
	}
	if c.Elements, err = s.readElements(ctx); err != nil {
		return nil, err
	}
	if c.Cache, err = s.readCache(ctx); err != nil {
		return nil, err
	}
	if c.Decisions, err = s.readDecisions(ctx); err != nil {
		return nil, err
	}

	digest, err := c.ComputeDigest()
	if err != nil {
		return nil, ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "recompute checkpoint digest")
	}
	if digest != meta.Digest {
		return nil, ir.Fatalf(ir.ErrCodeCheckpointCorrupt,
			"checkpoint digest mismatch: recorded %s, computed %s", meta.Digest, digest)
	}
	return c, nil
}

func (s *Store) readComponents(ctx context.Context) ([]ComponentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, kind FROM components ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("query components: %w", err)
	}
	defer rows.Close()

	out := []ComponentRecord{}
	for rows.Next() {
		var (
			r    ComponentRecord
			kind string
		)
		if err := rows.Scan(&r.Name, &kind); err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		if r.Kind, err = ir.ParseComponentKind(kind); err != nil {
			return nil, ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "component %s", r.Name)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate components: %w", err)
	}
	return out, nil
}

func (s *Store) readElements(ctx context.Context) ([]ElementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.component, e.idx, e.proc, e.phase, e.state, e.cursor, e.action, e.box, e.inboxes
		FROM elements e
		JOIN components c ON c.name = e.component
		ORDER BY c.position ASC, e.idx ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query elements: %w", err)
	}
	defer rows.Close()

	out := []ElementRecord{}
	for rows.Next() {
		var (
			r     ElementRecord
			idx   int64
			phase string
		)
		if err := rows.Scan(&r.Component, &idx, &r.Proc, &phase, &r.State, &r.Cursor, &r.Action, &r.Box, &r.Inboxes); err != nil {
			return nil, fmt.Errorf("scan element: %w", err)
		}
		r.Index = ir.ElementIndex(idx)
		if r.Phase, err = ir.ParsePhase(phase); err != nil {
			return nil, ir.WrapFatal(ir.ErrCodeCheckpointCorrupt, err, "element %s[%d]", r.Component, r.Index)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate elements: %w", err)
	}
	return out, nil
}

func (s *Store) readCache(ctx context.Context) ([]CacheRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT proc, tag, mutable, generation, value
		FROM cache_entries
		ORDER BY proc ASC, tag COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query cache entries: %w", err)
	}
	defer rows.Close()

	out := []CacheRecord{}
	for rows.Next() {
		var (
			r   CacheRecord
			gen int64
		)
		if err := rows.Scan(&r.Proc, &r.Tag, &r.Mutable, &gen, &r.Value); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		r.Generation = uint64(gen)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return out, nil
}

func (s *Store) readDecisions(ctx context.Context) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM decision_data ORDER BY name COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query decision data: %w", err)
	}
	defer rows.Close()

	out := []DecisionRecord{}
	for rows.Next() {
		var r DecisionRecord
		if err := rows.Scan(&r.Name, &r.Value); err != nil {
			return nil, fmt.Errorf("scan decision data: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision data: %w", err)
	}
	return out, nil
}
