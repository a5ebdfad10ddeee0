// Package formaline reports how and where an executable was built and
// packs the source tree it was built from.
package formaline

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/roach88/phaserun/internal/ir"
)

// BuildInfoFile is the archive member written when no source tree is
// available.
const BuildInfoFile = "BuildInfo.txt"

// BuildInfo describes the running binary: runtime versions, the Go
// toolchain, the main module and its dependencies, and the VCS settings the
// toolchain recorded.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Runtime version: %s\n", ir.RuntimeVersion)
	fmt.Fprintf(&b, "Checkpoint format: %s\n", ir.CheckpointFormatVersion)
	fmt.Fprintf(&b, "Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	info, ok := debug.ReadBuildInfo()
	if !ok {
		b.WriteString("Module information unavailable\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Main module: %s %s\n", info.Main.Path, info.Main.Version)
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs") || s.Key == "CGO_ENABLED" || s.Key == "-tags" {
			fmt.Fprintf(&b, "  %s=%s\n", s.Key, s.Value)
		}
	}
	if len(info.Deps) > 0 {
		b.WriteString("Dependencies:\n")
		for _, d := range info.Deps {
			fmt.Fprintf(&b, "  %s %s\n", d.Path, d.Version)
		}
	}
	return b.String()
}

// Paths lists the paths a run depends on.
func Paths() string {
	var b strings.Builder
	exe, err := os.Executable()
	if err != nil {
		exe = "unknown (" + err.Error() + ")"
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "unknown (" + err.Error() + ")"
	}
	fmt.Fprintf(&b, "Executable: %s\n", exe)
	fmt.Fprintf(&b, "Working directory: %s\n", wd)
	fmt.Fprintf(&b, "Temporary directory: %s\n", os.TempDir())
	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(&b, "Package: %s\n", info.Path)
	}
	return b.String()
}

// Environment returns the process environment, one variable per line,
// sorted by name.
func Environment() string {
	env := slices.Clone(os.Environ())
	slices.Sort(env)
	return strings.Join(env, "\n") + "\n"
}

// WriteSourceArchive writes a gzip-compressed tar of src to w. Files are
// added in lexical path order with a fixed modification time, so the same
// tree always gives the same archive. A nil src gives an archive holding
// only BuildInfo.txt.
func WriteSourceArchive(w io.Writer, src fs.FS) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	var err error
	if src == nil {
		err = addFile(tw, BuildInfoFile, []byte(BuildInfo()))
	} else {
		err = addTree(tw, src)
	}
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

var archiveTime = time.Unix(0, 0).UTC()

func addTree(tw *tar.Writer, src fs.FS) error {
	return fs.WalkDir(src, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := fs.ReadFile(src, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		return addFile(tw, path, data)
	})
}

func addFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  archiveTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
