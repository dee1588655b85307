package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/pairlink. It returns the process exit
// status instead of calling os.Exit so deferred cleanup always runs.
func Run(version string, args []string, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := NewRootCommand(ctx, version)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil && code != 0 {
		if _, isExit := err.(*ExitError); !isExit {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}
	return code
}

// Main runs the CLI with the process arguments.
func Main(version string) int {
	return Run(version, os.Args[1:], os.Stderr)
}
