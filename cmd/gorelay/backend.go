package main

import (
	"fmt"
	"os"

	"github.com/basket/go-relay/internal/config"
)

// runBackendCommand prints the active backend, or switches it in
// config.yaml. The daemon picks the change up on restart.
func runBackendCommand(args []string) int {
	switch len(args) {
	case 0:
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		fmt.Println(cfg.Backend)
		return 0
	case 1:
		if err := config.SetBackend(config.HomeDir(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "set backend: %v\n", err)
			return 1
		}
		fmt.Printf("backend set to %s (restart the daemon to apply)\n", args[0])
		return 0
	default:
		fmt.Fprintln(os.Stderr, "usage: gorelay backend [claude|opencode|codex]")
		return 2
	}
}
