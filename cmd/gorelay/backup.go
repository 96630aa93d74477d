package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/persistence"
)

// runBackupCommand snapshots the live database with VACUUM INTO, which is
// safe against a running daemon. The destination must not exist.
func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: gorelay backup [dest]")
		return 2
	}

	home := config.HomeDir()
	dest := ""
	if len(args) == 1 {
		dest = args[0]
	} else {
		dest = filepath.Join(home, fmt.Sprintf("gorelay-%s.db", time.Now().Format("20060102-150405")))
	}

	store, err := persistence.Open(filepath.Join(home, "gorelay.db"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}

	fmt.Println(dest)
	return 0
}
