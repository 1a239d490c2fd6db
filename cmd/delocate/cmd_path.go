package main

import (
	"github.com/spf13/cobra"

	"github.com/appsworld/delocate/internal/delocator"
)

func init() {
	var libSdir, requireArchs, executablePath string
	cmd := &cobra.Command{
		Use:   "path [flags] DIR",
		Short: "Delocate a directory of Mach-O files in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]
			opts := delocator.Options{
				LibSdir:        libSdir,
				ExecutablePath: executablePath,
				CopyFilter:     defaultCopyFilter(),
			}
			if _, err := delocator.Delocate(root, opts); err != nil {
				return err
			}
			return requireArchsCheck(cmd.ErrOrStderr(), root, requireArchs)
		},
	}
	cmd.Flags().StringVar(&libSdir, "lib-sdir", "", "Sidecar directory name to create in each package root (default .dylibs)")
	cmd.Flags().StringVar(&requireArchs, "require-archs", "", "Comma-separated architectures (or aliases like intel, universal2) every Mach-O file must carry after delocation")
	cmd.Flags().StringVar(&executablePath, "executable-path", "", "Override what @executable_path resolves to (default the tree root)")
	argparser.AddCommand(cmd)
}
