package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/phaserun/internal/orchestrator"
	"github.com/roach88/phaserun/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	Format string
}

// CheckpointSummary describes a checkpoint directory.
type CheckpointSummary struct {
	Dir            string         `json:"dir"`
	RunID          string         `json:"run_id"`
	Executable     string         `json:"executable"`
	Phase          string         `json:"phase"`
	Counter        int            `json:"counter"`
	Topology       string         `json:"topology"`
	Seq            int64          `json:"seq"`
	RuntimeVersion string         `json:"runtime_version"`
	FormatVersion  string         `json:"format_version"`
	WrittenAt      string         `json:"written_at"`
	VisitedPhases  []string       `json:"visited_phases"`
	Digest         string         `json:"digest"`
	Elements       map[string]int `json:"elements"` // per component
	CacheEntries   int            `json:"cache_entries"`
	Decisions      int            `json:"decisions"`
}

// String renders the summary for text output.
func (s CheckpointSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Checkpoint: %s\n", s.Dir)
	fmt.Fprintf(&b, "Run: %s (%s)\n", s.RunID, s.Executable)
	fmt.Fprintf(&b, "Written in phase %s as checkpoint %d at %s\n", s.Phase, s.Counter, s.WrittenAt)
	fmt.Fprintf(&b, "Topology: %s\n", s.Topology)
	fmt.Fprintf(&b, "Runtime %s, format %s, seq %d\n", s.RuntimeVersion, s.FormatVersion, s.Seq)
	fmt.Fprintf(&b, "Visited phases: %s\n", strings.Join(s.VisitedPhases, ", "))
	fmt.Fprintf(&b, "Digest: %s\n", s.Digest)
	b.WriteString("Elements:\n")
	names := make([]string, 0, len(s.Elements))
	for name := range s.Elements {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %s: %d\n", name, s.Elements[name])
	}
	fmt.Fprintf(&b, "Cache entries: %d\n", s.CacheEntries)
	fmt.Fprintf(&b, "Phase-change decisions: %d", s.Decisions)
	return b.String()
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand() *cobra.Command {
	opts := &InspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect <checkpoint-dir>",
		Short: "Summarize a checkpoint",
		Long: `Summarize a checkpoint directory after verifying its digest.

Exit codes:
  0 - Checkpoint verified
  1 - Checkpoint missing or corrupt
  2 - Command error

Examples:
  ring inspect SpectreCheckpoint000000
  ring inspect SpectreCheckpoint000000 --format json`,
		Args:          usageArgs(cobra.ExactArgs(1)),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	return cmd
}

func runInspect(cmd *cobra.Command, opts *InspectOptions, dir string) error {
	if !isValidFormat(opts.Format) {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
	}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr()}

	cp, err := orchestrator.ReadCheckpoint(cmd.Context(), dir)
	if err != nil {
		if opts.Format == "json" {
			_ = formatter.Error(err, map[string]string{"dir": dir})
		}
		return err
	}
	return formatter.Success(summarize(dir, cp))
}

func summarize(dir string, cp *store.Checkpoint) CheckpointSummary {
	meta := cp.Meta
	s := CheckpointSummary{
		Dir:            dir,
		RunID:          meta.RunID,
		Executable:     meta.Executable,
		Phase:          meta.Phase.String(),
		Counter:        meta.Counter,
		Topology:       meta.Topology.String(),
		Seq:            meta.Seq,
		RuntimeVersion: meta.RuntimeVersion,
		FormatVersion:  meta.FormatVersion,
		WrittenAt:      meta.WrittenAt.UTC().Format(time.RFC3339),
		VisitedPhases:  make([]string, len(meta.VisitedPhases)),
		Digest:         meta.Digest,
		Elements:       make(map[string]int, len(cp.Components)),
		CacheEntries:   len(cp.Cache),
		Decisions:      len(cp.Decisions),
	}
	for i, p := range meta.VisitedPhases {
		s.VisitedPhases[i] = p.String()
	}
	for _, c := range cp.Components {
		s.Elements[c.Name] = 0
	}
	for _, e := range cp.Elements {
		s.Elements[e.Component]++
	}
	return s
}
