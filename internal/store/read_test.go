package store

import (
	"context"
	"testing"

	"github.com/roach88/phaserun/internal/ir"
)

func writeTestCheckpoint(t *testing.T) *Store {
	t.Helper()
	s := createTestStore(t)
	if _, err := s.WriteCheckpoint(context.Background(), createTestCheckpoint()); err != nil {
		t.Fatalf("WriteCheckpoint() failed: %v", err)
	}
	return s
}

func TestReadMeta(t *testing.T) {
	s := writeTestCheckpoint(t)

	m, resourceInfo, err := s.ReadMeta(context.Background())
	if err != nil {
		t.Fatalf("ReadMeta() failed: %v", err)
	}
	if m.Executable != "ring" || m.Counter != 3 || m.Phase != ir.PhaseWriteCheckpoint {
		t.Errorf("meta = %+v", m)
	}
	if m.Topology != (ir.Topology{Nodes: 2, ProcsPerNode: 2}) {
		t.Errorf("topology = %v", m.Topology)
	}
	if len(m.VisitedPhases) != 3 || m.VisitedPhases[1] != ir.PhaseEvolve {
		t.Errorf("visited = %v", m.VisitedPhases)
	}
	if len(resourceInfo) != 4 {
		t.Errorf("resource info = %x", resourceInfo)
	}
}

func TestReadMeta_EmptyStoreIsCorrupt(t *testing.T) {
	s := createTestStore(t)

	_, _, err := s.ReadMeta(context.Background())
	if code, ok := ir.FatalCode(err); !ok || code != ir.ErrCodeCheckpointCorrupt {
		t.Fatalf("ReadMeta() on empty store = %v, want CHECKPOINT_CORRUPT", err)
	}
}

func TestReadCheckpoint_DetectsTampering(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{"element box", `UPDATE elements SET box = x'8100' WHERE component = 'Ring' AND idx = 0`},
		{"element cursor", `UPDATE elements SET cursor = 0 WHERE component = 'Observer'`},
		{"cache value", `UPDATE cache_entries SET value = x'07' WHERE tag = 'Steps'`},
		{"decision removed", `DELETE FROM decision_data WHERE name = 'VisitLoadBalancing'`},
		{"meta phase", `UPDATE checkpoint_meta SET phase = 'Evolve'`},
		{"resource info", `UPDATE checkpoint_meta SET resource_info = x''`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := writeTestCheckpoint(t)
			if _, err := s.db.Exec(tt.sql); err != nil {
				t.Fatalf("tamper: %v", err)
			}
			_, err := s.ReadCheckpoint(context.Background())
			if code, ok := ir.FatalCode(err); !ok || code != ir.ErrCodeCheckpointCorrupt {
				t.Fatalf("ReadCheckpoint() = %v, want CHECKPOINT_CORRUPT", err)
			}
		})
	}
}

func TestReadCheckpoint_UnknownPhaseIsCorrupt(t *testing.T) {
	s := writeTestCheckpoint(t)
	if _, err := s.db.Exec(`UPDATE elements SET phase = 'Nonsense' WHERE component = 'Observer'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, err := s.ReadCheckpoint(context.Background())
	if code, ok := ir.FatalCode(err); !ok || code != ir.ErrCodeCheckpointCorrupt {
		t.Fatalf("ReadCheckpoint() = %v, want CHECKPOINT_CORRUPT", err)
	}
}
