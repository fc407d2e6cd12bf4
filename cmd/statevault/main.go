// Command statevault is a maintenance CLI for statevault stores: it
// inspects and clears lock sidecars and reads or writes file-backed state.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(submain(ctx))
}
