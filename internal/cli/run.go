package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/roach88/phaserun/internal/config"
	"github.com/roach88/phaserun/internal/formaline"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/orchestrator"
)

func runExecutable(cmd *cobra.Command, exe *orchestrator.Executable, opts *RootOptions) error {
	if err := dump(cmd, opts); err != nil {
		return err
	}
	if opts.DumpOnly {
		return nil
	}

	topo := ir.Topology{Nodes: opts.Nodes, ProcsPerNode: opts.ProcsPerNode}
	if err := topo.Validate(); err != nil {
		return err
	}
	settings := orchestrator.Settings{
		Topology:       topo,
		CheckpointRoot: opts.CheckpointDir,
		Output:         cmd.OutOrStdout(),
		Logger:         opts.logger,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		m   *orchestrator.Main
		err error
	)
	if opts.Restart != "" {
		if opts.CheckOptions {
			return NewExitError(ExitCommandError, "--check-options cannot be combined with --restart")
		}
		if opts.InputFile != "" {
			opts.logger.Warn("input file ignored on restart", "input_file", opts.InputFile)
		}
		m, err = orchestrator.Restore(ctx, exe, opts.Restart, settings)
	} else {
		path := opts.InputFile
		if path == "" {
			path = exe.DefaultInputFile
		}
		if path == "" {
			return ir.UserErrorf("%s needs an input file: pass --input-file", exe.Name)
		}
		options, loadErr := config.Load(opts.fs, path)
		if loadErr != nil {
			return loadErr
		}
		if opts.CheckOptions {
			return checkOptions(cmd, exe, options, path, opts)
		}
		m, err = orchestrator.New(ctx, exe, options, settings)
	}
	if err != nil {
		return err
	}

	opts.logger.Info("starting run", "executable", exe.Name, "run_id", m.RunID(), "topology", topo.String())
	return m.Run(ctx)
}

// checkOptions validates the input file and the checkpoint root without
// starting a run.
func checkOptions(cmd *cobra.Command, exe *orchestrator.Executable, options config.Options, path string, opts *RootOptions) error {
	if err := exe.Validate(options); err != nil {
		return err
	}
	if err := orchestrator.CheckFutureCheckpointDirs(opts.fs, opts.CheckpointDir, 0); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s parsed successfully!\n", path)
	return nil
}

// dump prints the requested build and environment reports.
func dump(cmd *cobra.Command, opts *RootOptions) error {
	w := cmd.OutOrStdout()
	if opts.DumpBuildInfo {
		fmt.Fprint(w, formaline.BuildInfo())
	}
	if opts.DumpPaths {
		fmt.Fprint(w, formaline.Paths())
	}
	if opts.DumpEnvironment {
		fmt.Fprint(w, formaline.Environment())
	}
	if opts.DumpSourceTreeAs == "" {
		return nil
	}

	name := opts.DumpSourceTreeAs
	if !strings.HasSuffix(name, ".tar.gz") {
		name += ".tar.gz"
	}
	if err := writeSourceArchive(opts.fs, name); err != nil {
		return err
	}
	fmt.Fprintf(w, "Wrote source archive to %s\n", name)
	return nil
}

// writeSourceArchive writes the build info archive; executables do not
// carry their source tree.
func writeSourceArchive(fs afero.Fs, name string) (err error) {
	f, err := fs.Create(name)
	if err != nil {
		return ir.UserErrorf("cannot create source archive %s: %v", name, err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close source archive: %w", closeErr)
		}
	}()
	return formaline.WriteSourceArchive(f, nil)
}
