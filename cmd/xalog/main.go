// Command xalog inspects and serves the transaction recovery log.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return exitCode(os.Stderr, newRootCommand().ExecuteContext(ctx))
}

// exitCode reports err on w and maps it to a process exit code. An
// interrupted command exits non-zero without printing.
func exitCode(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintf(w, "%s\n", err)
	}
	return 1
}
