package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/portdaddy/portdaddy/internal/logging"
)

// Set via -ldflags at build time.
var (
	version  = "dev"
	codeHash = ""
)

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		// No subcommand: run the daemon (default).
		if err := runDaemon(os.Args[1:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "daemon":
		if err := runDaemon(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		// If the first arg starts with '-', treat as daemon flags.
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			if err := runDaemon(os.Args[1:]); err != nil {
				slog.Error("fatal", "error", err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: portdaddy [daemon|version] [flags]\n")
		os.Exit(1)
	}
}
