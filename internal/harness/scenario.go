package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/ir"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Executable is looked up in the catalog the scenario runs against.
	Executable string `yaml:"executable"`

	// Topology defaults to a single process.
	Topology ir.Topology `yaml:"topology,omitempty"`

	// Options are the executable's input options, as an input file would
	// hold them.
	Options config.Options `yaml:"options,omitempty"`

	// RunID fixes the run id. Defaults to "test-run".
	RunID string `yaml:"run_id,omitempty"`

	// RestartFromCheckpoint restarts the executable from the last checkpoint
	// the first run wrote and runs it to Exit again.
	RestartFromCheckpoint bool `yaml:"restart_from_checkpoint,omitempty"`

	// ExpectError is the fatal error code the run must abort with.
	ExpectError ir.ErrorCode `yaml:"expect_error,omitempty"`

	// Assertions validate the trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Assertion validates the trace of a scenario.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Phases is the expected order (phase_order).
	Phases []string `yaml:"phases,omitempty"`

	// Phase is the phase to count (phase_visits).
	Phase string `yaml:"phase,omitempty"`

	// Count is the expected number of occurrences (phase_visits,
	// checkpoints_written).
	Count int `yaml:"count,omitempty"`

	// Text must appear in the printed output (output_contains).
	Text string `yaml:"text,omitempty"`
}

// Assertion type constants.
const (
	AssertPhaseOrder         = "phase_order"
	AssertPhaseVisits        = "phase_visits"
	AssertExitReached        = "exit_reached"
	AssertCheckpointsWritten = "checkpoints_written"
	AssertOutputContains     = "output_contains"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and fills in the topology.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Executable == "" {
		return fmt.Errorf("executable is required")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Topology == (ir.Topology{}) {
		s.Topology = ir.Topology{Nodes: 1, ProcsPerNode: 1}
	}
	if err := s.Topology.Validate(); err != nil {
		return fmt.Errorf("topology: %w", err)
	}
	if s.RestartFromCheckpoint && s.ExpectError != "" {
		return fmt.Errorf("restart_from_checkpoint cannot be combined with expect_error")
	}
	if s.Options == nil {
		s.Options = config.Options{}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertPhaseOrder:
		if len(a.Phases) == 0 {
			return fmt.Errorf("assertions[%d]: phases list is required for phase_order", index)
		}
		for _, p := range a.Phases {
			if _, err := ir.ParsePhase(p); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	case AssertPhaseVisits:
		if _, err := ir.ParsePhase(a.Phase); err != nil {
			return fmt.Errorf("assertions[%d]: phase_visits: %w", index, err)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for phase_visits", index)
		}
	case AssertExitReached:
	case AssertCheckpointsWritten:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for checkpoints_written", index)
		}
	case AssertOutputContains:
		if a.Text == "" {
			return fmt.Errorf("assertions[%d]: text is required for output_contains", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
