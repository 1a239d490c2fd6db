// Command delocate makes a macOS Python wheel (or a bare directory tree of
// Mach-O files) self-contained, by copying its external dynamic library
// dependencies into a sidecar directory and rewriting load commands to
// reference them relative to @loader_path.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/appsworld/delocate/internal/archcheck"
	"github.com/appsworld/delocate/internal/delocator"
	"github.com/appsworld/delocate/internal/fuse"
	"github.com/appsworld/delocate/internal/resolve"
)

// Exit codes per the CLI contract: 0 success, 1 usage error, 2 unresolved
// dependency, 3 architecture deficit, 4 irreconcilable merge, 5 unexpected
// failure.
const (
	exitOK = iota
	exitUsage
	exitUnresolved
	exitArchDeficit
	exitIrreconcilable
	exitFailure
)

var argparser = &cobra.Command{
	Use:   "delocate {[flags]|SUBCOMMAND...}",
	Short: "Make macOS Python wheels self-contained",

	SilenceErrors: true, // main() reports the error itself, with the right exit code
	SilenceUsage:  true,
}

func init() {
	argparser.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\nSee '%s --help' for more information.\n",
			cmd.CommandPath(), err, cmd.CommandPath())
		os.Exit(exitUsage)
		return nil
	})
}

func main() {
	ctx := context.Background()

	if err := argparser.ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "%v", err)
		os.Exit(exitCode(err))
	}
}

// exitCode classifies an operation error into the CLI's fixed exit-code
// contract.
func exitCode(err error) int {
	var unresolved *resolve.UnresolvedError
	var unresolvedDep *delocator.UnresolvedDependencyError
	var deficit *archcheck.DeficitError
	var irreconcilable *fuse.IrreconcilableError

	switch {
	case errors.As(err, &unresolved), errors.As(err, &unresolvedDep):
		return exitUnresolved
	case errors.As(err, &deficit):
		return exitArchDeficit
	case errors.As(err, &irreconcilable):
		return exitIrreconcilable
	default:
		return exitFailure
	}
}
