package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/appsworld/delocate/internal/listdeps"
)

func init() {
	var all, depending bool
	cmd := &cobra.Command{
		Use:   "listdeps [flags] PATH",
		Short: "Print the non-system dependencies of a directory tree or wheel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, cleanup, err := openAsTree(args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := listdeps.Tree(root, all)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if depending {
				for _, e := range entries {
					loaders := append([]string(nil), e.Loaders...)
					sort.Strings(loaders)
					fmt.Fprintf(out, "%s:\n", e.Dependency)
					for _, l := range loaders {
						fmt.Fprintf(out, "\t%s\n", l)
					}
				}
				return nil
			}
			for _, e := range entries {
				fmt.Fprintln(out, e.Dependency)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include system libraries in the listing")
	cmd.Flags().BoolVar(&depending, "depending", false, "Invert the listing: for each dependency, print what loads it")
	argparser.AddCommand(cmd)
}
