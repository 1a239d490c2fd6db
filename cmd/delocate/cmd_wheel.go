package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/appsworld/delocate/internal/delocator"
	"github.com/appsworld/delocate/internal/wheel"
)

func init() {
	var libSdir, requireArchs, executablePath, wheelDir string
	cmd := &cobra.Command{
		Use:   "wheel [flags] WHEEL...",
		Short: "Delocate one or more wheel files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, in := range args {
				if err := delocateOneWheel(in, wheelDir, libSdir, requireArchs, executablePath); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&libSdir, "lib-sdir", "", "Sidecar directory name to create in each package root (default .dylibs)")
	cmd.Flags().StringVar(&requireArchs, "require-archs", "", "Comma-separated architectures (or aliases like intel, universal2) every Mach-O file must carry after delocation")
	cmd.Flags().StringVar(&executablePath, "executable-path", "", "Override what @executable_path resolves to (default the wheel's extraction root)")
	cmd.Flags().StringVar(&wheelDir, "wheel-dir", "", "Write the delocated wheel into this directory instead of overwriting the input")
	argparser.AddCommand(cmd)
}

func delocateOneWheel(in, wheelDir, libSdir, requireArchs, executablePath string) error {
	w, err := wheel.Open(in)
	if err != nil {
		return err
	}
	defer w.Close()

	roots, err := w.TopLevelPackageRoots()
	if err != nil {
		return err
	}

	opts := delocator.Options{
		LibSdir:        libSdir,
		PackageRoots:   roots,
		ExecutablePath: executablePath,
		CopyFilter:     defaultCopyFilter(),
	}
	if _, err := delocator.Delocate(w.Dir, opts); err != nil {
		return err
	}

	if err := requireArchsCheck(os.Stderr, w.Dir, requireArchs); err != nil {
		return err
	}

	if err := w.RegenerateRecord(); err != nil {
		return err
	}

	out := in
	if wheelDir != "" {
		out = filepath.Join(wheelDir, filepath.Base(in))
	}
	return w.Repack(out)
}
