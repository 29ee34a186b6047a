// Package main implements the sensorledger command: it streams sensor
// readings from a device into a Hyperledger Fabric ledger and serves the
// query API.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Build information, overridden with -ldflags "-X main.Version=...".
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "sensorledger"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}
