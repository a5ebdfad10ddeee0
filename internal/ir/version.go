package ir

// Version constants for the runtime and its checkpoint format.
const (
	// RuntimeVersion is the phaserun runtime version.
	RuntimeVersion = "0.3.0"

	// CheckpointFormatVersion is bumped whenever the checkpoint schema or the
	// packed element layout changes incompatibly.
	CheckpointFormatVersion = "2"
)
