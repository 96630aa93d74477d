package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil && !cfg.NeedsInit {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// We continue anyway to diagnose why
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	fmt.Printf("Gorelay Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		if res.Status == "FAIL" {
			failCount++
		}
		fmt.Printf("%s %-17s: %s\n", statusMarker(res.Status, tty), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	if failCount > 0 {
		return 1
	}
	return 0
}

// statusMarker picks icons on a terminal and plain words when the report is
// piped or redirected, so grep and CI logs stay clean.
func statusMarker(status string, tty bool) string {
	if tty {
		switch status {
		case "FAIL":
			return "❌"
		case "WARN":
			return "⚠️ "
		case "SKIP":
			return "⏩"
		default:
			return "✅"
		}
	}
	switch status {
	case "FAIL":
		return "[FAIL]"
	case "WARN":
		return "[WARN]"
	case "SKIP":
		return "[SKIP]"
	default:
		return "[ OK ]"
	}
}
