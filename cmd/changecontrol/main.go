// Package main is the changecontrol command: it applies change set
// definitions to a key-value store and keeps an audited ledger of them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/changecontrol/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
