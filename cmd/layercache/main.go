// Package main provides the layercache CLI: inspect and manage a layer stack
// configured from LAYERCACHE_* environment variables.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version as provided by goreleaser.
var Version = ""

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
