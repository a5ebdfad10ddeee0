package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/roach88/phaserun/internal/orchestrator"
)

// RootOptions holds the flags of an executable's command line.
type RootOptions struct {
	InputFile    string
	CheckOptions bool

	DumpSourceTreeAs string
	DumpPaths        bool
	DumpEnvironment  bool
	DumpBuildInfo    bool
	DumpOnly         bool

	Restart       string
	Nodes         int
	ProcsPerNode  int
	CheckpointDir string

	Verbose   bool
	LogFormat string // "text" | "json"

	fs     afero.Fs
	logger *slog.Logger
}

// ValidFormats defines the allowed output and log formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the command line of the executable newExe builds.
// The command runs the executable; its subcommands inspect checkpoints and
// run scenarios against catalog.
func NewRootCommand(newExe func() *orchestrator.Executable, catalog orchestrator.Catalog) *cobra.Command {
	opts := &RootOptions{fs: afero.NewOsFs()}
	exe := newExe()

	cmd := &cobra.Command{
		Use:   exe.Name,
		Short: exe.Help,
		Long:  exe.Usage(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.LogFormat, opts.Verbose)
			if err != nil {
				return err
			}
			opts.logger = logger
			slog.SetDefault(logger)
			return nil
		},
		Args:          usageArgs(cobra.NoArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecutable(cmd, exe, opts)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return NewExitError(ExitCommandError, err.Error())
	})

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")

	f := cmd.Flags()
	f.StringVar(&opts.InputFile, "input-file", "", "input file (.yaml, .yml or .hcl)")
	f.BoolVar(&opts.CheckOptions, "check-options", false, "parse and validate the input file, then exit")
	f.StringVar(&opts.DumpSourceTreeAs, "dump-source-tree-as", "", "write the source archive to <name>.tar.gz")
	f.BoolVar(&opts.DumpPaths, "dump-paths", false, "print the paths the run depends on")
	f.BoolVar(&opts.DumpEnvironment, "dump-environment", false, "print the process environment")
	f.BoolVar(&opts.DumpBuildInfo, "dump-build-info", false, "print how the executable was built")
	f.BoolVar(&opts.DumpOnly, "dump-only", false, "exit after the dumps")
	f.StringVar(&opts.Restart, "restart", "", "checkpoint directory to restart from")
	f.IntVar(&opts.Nodes, "nodes", 1, "number of nodes")
	f.IntVar(&opts.ProcsPerNode, "procs-per-node", 1, "number of processes per node")
	f.StringVar(&opts.CheckpointDir, "checkpoint-dir", ".", "directory checkpoints are written to")

	cmd.AddCommand(NewInspectCommand())
	cmd.AddCommand(NewTestCommand(catalog))

	return cmd
}

// Execute runs the command line and returns the process exit code. Errors
// are reported on the command's error stream.
func Execute(newExe func() *orchestrator.Executable, catalog orchestrator.Catalog) int {
	cmd := NewRootCommand(newExe, catalog)
	err := cmd.Execute()
	ReportError(cmd.ErrOrStderr(), err)
	return GetExitCode(err)
}

// newLogger builds the process logger. Runs log warnings only, unless
// verbose.
func newLogger(w io.Writer, format string, verbose bool) (*slog.Logger, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("invalid log format %q: must be one of %v", format, ValidFormats))
	}
}

// usageArgs turns an argument check failure into a usage error.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return NewExitError(ExitCommandError, err.Error())
		}
		return nil
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
