package orchestrator

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/parallel"
	"github.com/roach88/phaserun/internal/phasecontrol"
	"github.com/roach88/phaserun/internal/resource"
)

// PhaseOrderTag is the const cache entry holding the run's phase order. It
// is part of every checkpoint, so a restart follows the order the run was
// started with.
const PhaseOrderTag = "PhaseOrder"

// ResourceInfoOption is the input option read by executables that use
// resource info.
const ResourceInfoOption = "ResourceInfo"

// Executable describes one program: its components, the input options it
// reads and the phases it walks through.
//
// Arbiters keep state between phases, so an Executable serves one run.
// Catalogs hand out constructors rather than values.
type Executable struct {
	Name             string
	Help             string
	DefaultInputFile string

	// OptionsSchema is a CUE schema every input file must satisfy. Empty
	// means any option set is accepted before decoding.
	OptionsSchema string

	DefaultPhaseOrder ir.PhaseOrder
	Components        []parallel.ComponentSpec

	// ConstCacheTags and MutableCacheTags are created from input options
	// into every cache branch, together with those of the components.
	ConstCacheTags   []config.Option
	MutableCacheTags []config.Option

	// Arbiters are asked, in order, for a phase override whenever a phase
	// reaches quiescence. Their decision tags are registered automatically;
	// PhaseChangeTags adds tags no arbiter owns.
	Arbiters        []phasecontrol.Arbiter
	PhaseChangeTags []phasecontrol.DecisionTag

	// UsesResourceInfo makes the ResourceInfo input option available to
	// place singletons and keep arrays off reserved processes.
	UsesResourceInfo bool

	// LoadBalancer plans migrations in the LoadBalancing phase. Defaults to
	// parallel.GreedyBalancer.
	LoadBalancer parallel.LoadBalancer

	MaxStepsPerPhase int

	// RegisterReductions declares reduction shapes before the run starts.
	RegisterReductions func(reg *parallel.Registry) error

	// MainReduction handles reductions addressed to Main that are not
	// phase-change decisions. Without it the target is applied with a nil
	// context.
	MainReduction func(out io.Writer, target parallel.ReductionTarget, values parallel.Values) error
}

// Registry declares every component and reduction of the executable.
func (e *Executable) Registry() (*parallel.Registry, error) {
	reg := parallel.NewRegistry()
	for _, spec := range e.Components {
		if err := reg.RegisterComponent(spec); err != nil {
			return nil, err
		}
	}
	if e.RegisterReductions != nil {
		if err := e.RegisterReductions(reg); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (e *Executable) phaseOrderOption() config.Option {
	return config.OptionWithDefault(PhaseOrderTag, "Order in which phases are visited",
		e.DefaultPhaseOrder, func(o ir.PhaseOrder) error { return o.Validate() })
}

func resourceInfoOption() config.Option {
	return config.OptionWithDefault(ResourceInfoOption, "Placement of singletons and reserved processes",
		resource.Options{})
}

func (e *Executable) constOptions() []config.Option {
	out := []config.Option{e.phaseOrderOption()}
	out = append(out, e.ConstCacheTags...)
	for _, c := range e.Components {
		out = append(out, c.ConstCacheTags...)
	}
	return dedupe(out)
}

func (e *Executable) mutableOptions() []config.Option {
	out := append([]config.Option(nil), e.MutableCacheTags...)
	for _, c := range e.Components {
		out = append(out, c.MutableCacheTags...)
	}
	return dedupe(out)
}

// Options returns every input option the executable reads.
func (e *Executable) Options() []config.Option {
	out := e.constOptions()
	out = append(out, e.mutableOptions()...)
	if e.UsesResourceInfo {
		out = append(out, resourceInfoOption())
	}
	for _, c := range e.Components {
		out = append(out, c.InitializationTags...)
	}
	return dedupe(out)
}

func dedupe(options []config.Option) []config.Option {
	seen := make(map[string]bool, len(options))
	out := options[:0:0]
	for _, o := range options {
		if seen[o.Name()] {
			continue
		}
		seen[o.Name()] = true
		out = append(out, o)
	}
	return out
}

// Validate checks opts against the schema and decodes every option, so
// that a run never fails on input it could have rejected up front.
func (e *Executable) Validate(opts config.Options) error {
	if e.OptionsSchema != "" {
		if err := config.Validate(opts, e.OptionsSchema); err != nil {
			return err
		}
	}
	if unknown := config.Unknown(opts, e.Options()); len(unknown) > 0 {
		return ir.UserErrorf("%s does not read the input options: %s", e.Name, strings.Join(unknown, ", "))
	}
	_, err := config.CreateAll(opts, e.Options())
	return err
}

// Usage describes the executable and its options for --help.
func (e *Executable) Usage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", e.Name)
	if e.Help != "" {
		fmt.Fprintf(&b, "%s\n", e.Help)
	}
	fmt.Fprintf(&b, "\nDefault phase order: %s\n\nOptions:\n", e.DefaultPhaseOrder)
	for _, o := range e.Options() {
		fmt.Fprintf(&b, "  %s\n      %s\n", o.Name(), o.Help())
	}
	if e.OptionsSchema != "" {
		fmt.Fprintf(&b, "\nSchema:\n%s\n", strings.TrimSpace(e.OptionsSchema))
	}
	return b.String()
}

// Catalog maps executable names to constructors.
type Catalog map[string]func() *Executable

// Lookup builds a fresh instance of the named executable.
func (c Catalog) Lookup(name string) (*Executable, error) {
	newExe, ok := c[name]
	if !ok {
		return nil, ir.UserErrorf("unknown executable %q, known executables: %s",
			name, strings.Join(slices.Sorted(maps.Keys(c)), ", "))
	}
	return newExe(), nil
}

// Settings are the process-level inputs of a run that do not come from the
// input file.
type Settings struct {
	Topology ir.Topology

	// CheckpointRoot is the directory holding checkpoint directories.
	// Fs must reach it through the operating system whenever a checkpoint
	// is written or read, because the database is opened by path.
	CheckpointRoot string
	Fs             afero.Fs

	// Output receives the run's printed lines. Defaults to os.Stdout.
	Output io.Writer

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider

	// Now reads the wallclock. Defaults to time.Now.
	Now func() time.Time

	// NewRunID names a fresh run. Defaults to a UUIDv7.
	NewRunID func() (string, error)
}

func (s Settings) withDefaults() Settings {
	if s.CheckpointRoot == "" {
		s.CheckpointRoot = "."
	}
	if s.Fs == nil {
		s.Fs = afero.NewOsFs()
	}
	if s.Output == nil {
		s.Output = os.Stdout
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.TracerProvider == nil {
		s.TracerProvider = otel.GetTracerProvider()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.NewRunID == nil {
		s.NewRunID = newRunID
	}
	return s
}

func newRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}
