package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	internalerrors "github.com/guardian/prism/internal/errors"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skip config loading.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "marauder %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(a.stdout, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(a.stdout, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, newApp(), os.Args[1:])
	stop()
	os.Exit(code)
}

// run executes one invocation and maps its error to an exit status.
func run(ctx context.Context, a *app, args []string) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)

	if mErr := a.writeMetrics(); mErr != nil {
		a.logger.Warn().Err(mErr).Msg("Failed to write metrics textfile")
	}

	if err == nil {
		return internalerrors.ExitOK
	}
	if !errors.Is(err, internalerrors.ErrRemoteExecution) {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
	}
	return internalerrors.ExitCode(err)
}
