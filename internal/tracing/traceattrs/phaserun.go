// Package traceattrs holds the span attribute names the runtime uses
// consistently across spans.
//
// The functions take plain strings and ints rather than the runtime's own
// types so that any package can use them without import cycles. For
// one-off attributes, use the generic functions from the attribute package
// directly.
package traceattrs

import (
	"go.opentelemetry.io/otel/attribute"
)

// Executable names the executable a span belongs to.
func Executable(name string) attribute.KeyValue {
	return attribute.String("phaserun.executable", name)
}

// RunID identifies one run (or one restarted run).
func RunID(id string) attribute.KeyValue {
	return attribute.String("phaserun.run_id", id)
}

// Phase is the phase a span covers. The value should be the result of
// calling ir.Phase.String.
func Phase(name string) attribute.KeyValue {
	return attribute.String("phaserun.phase", name)
}

// PhaseSource says why a phase was entered: "order", "arbiter", "resume"
// or "restart".
func PhaseSource(source string) attribute.KeyValue {
	return attribute.String("phaserun.phase.source", source)
}

// Topology records the nodes and processes of the run.
func Topology(nodes, procsPerNode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("phaserun.topology.nodes", nodes),
		attribute.Int("phaserun.topology.procs_per_node", procsPerNode),
	}
}

// Migrations is the number of instances a load balancing step moved.
func Migrations(n int) attribute.KeyValue {
	return attribute.Int("phaserun.load_balancing.migrations", n)
}

// CheckpointDir is the directory a checkpoint was written to or read from.
func CheckpointDir(path string) attribute.KeyValue {
	return attribute.String("phaserun.checkpoint.dir", path)
}

// CheckpointDigest is the manifest digest of a checkpoint.
func CheckpointDigest(digest string) attribute.KeyValue {
	return attribute.String("phaserun.checkpoint.digest", digest)
}

// Elements is the number of component instances involved.
func Elements(n int) attribute.KeyValue {
	return attribute.Int("phaserun.elements", n)
}
