package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/phaserun/internal/ir"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCheckpoint returns a small checkpoint with records deliberately
// out of order.
func createTestCheckpoint() *Checkpoint {
	return &Checkpoint{
		Meta: Meta{
			RunID:         "0192d4c0-0000-7000-8000-000000000001",
			Executable:    "ring",
			Phase:         ir.PhaseWriteCheckpoint,
			Counter:       3,
			Topology:      ir.Topology{Nodes: 2, ProcsPerNode: 2},
			Seq:           1234,
			WrittenAt:     time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
			VisitedPhases: []ir.Phase{ir.PhaseInitialization, ir.PhaseEvolve, ir.PhaseWriteCheckpoint},
		},
		ResourceInfo: []byte{0x81, 0xa1, 0x61, 0x01},
		Components: []ComponentRecord{
			{Name: "Ring", Kind: ir.KindArray},
			{Name: "Observer", Kind: ir.KindSingleton},
		},
		Elements: []ElementRecord{
			{Component: "Observer", Index: 0, Proc: 3, Phase: ir.PhaseEvolve, State: "PhaseComplete", Cursor: 2, Box: []byte{0x80}, Inboxes: []byte{0x90}},
			{Component: "Ring", Index: 1, Proc: 0, Phase: ir.PhaseEvolve, State: "PausedAwaitingMessage", Cursor: 1, Action: "WaitForNeighbor", Box: []byte{0x81, 0xa1, 0x78, 0x02}, Inboxes: []byte{0x90}},
			{Component: "Ring", Index: 0, Proc: 0, Phase: ir.PhaseEvolve, State: "PhaseComplete", Cursor: 4, Box: []byte{0x81, 0xa1, 0x78, 0x01}, Inboxes: []byte{0x90}},
		},
		Cache: []CacheRecord{
			{Proc: 1, Tag: "Greeting", Value: []byte{0xa2, 0x68, 0x69}},
			{Proc: 0, Tag: "Steps", Mutable: true, Generation: 7, Value: []byte{0x05}},
			{Proc: 0, Tag: "Greeting", Value: []byte{0xa2, 0x68, 0x69}},
		},
		Decisions: []DecisionRecord{
			{Name: "VisitLoadBalancing", Value: []byte{0xc3}},
			{Name: "CheckpointRequested", Value: []byte{0xc2}},
		},
	}
}
