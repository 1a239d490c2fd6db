package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/appsworld/delocate/internal/fuse"
)

func init() {
	var wheelDir string
	cmd := &cobra.Command{
		Use:   "merge [flags] WHEEL1 WHEEL2",
		Short: "Fuse two single-arch wheels into one universal wheel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := fuse.Merge(args[0], args[1], wheelDir, fuse.Options{})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&wheelDir, "wheel-dir", "", "Directory to write the merged wheel into")
	if err := cmd.MarkFlagRequired("wheel-dir"); err != nil {
		panic(err)
	}
	argparser.AddCommand(cmd)
}
