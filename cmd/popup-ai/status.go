package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chenkeao/popup-ai/internal/infra"
	"github.com/chenkeao/popup-ai/internal/ipc"
)

// printStatusDetails prints what is known about the running instance
// beyond its PID. Every source is optional.
func printStatusDetails(e *env, pid int) {
	if info, err := infra.NewProcessManager().Describe(pid); err == nil {
		fmt.Printf("Process:      %s\n", info.Name)
		if !info.StartedAt.IsZero() {
			fmt.Printf("Started:      %s (%s ago)\n",
				info.StartedAt.Format(time.RFC3339),
				time.Since(info.StartedAt).Round(time.Second))
		}
		if info.RSSBytes > 0 {
			fmt.Printf("Memory:       %.1f MiB\n", float64(info.RSSBytes)/(1<<20))
		}
	}

	fmt.Printf("PID file:     %s\n", e.paths.PIDFile)
	fmt.Printf("Log file:     %s\n", e.paths.LogFile)

	if client, err := ipc.Dial(e.cfg.IPC, e.logger); err != nil {
		fmt.Println("Session bus:  unavailable")
	} else {
		owned, err := client.HasOwner(context.Background())
		switch {
		case err != nil:
			fmt.Printf("Session bus:  error (%v)\n", err)
		case owned:
			fmt.Printf("Session bus:  registered as %s\n", e.cfg.IPC.BusName)
		default:
			fmt.Println("Session bus:  not registered")
		}
		_ = client.Close()
	}

	if !e.cfg.State.Enabled {
		return
	}
	if _, err := os.Stat(e.cfg.StateDir()); err != nil {
		return
	}
	store, err := infra.OpenStateStore(e.cfg.StateDir(), e.logger)
	if err != nil {
		return
	}
	defer store.Close()

	if n, err := store.CountActivations(pid); err == nil {
		fmt.Printf("Activations:  %d\n", n)
	}
	if a, err := store.LastActivation(); err == nil && a != nil {
		fmt.Printf("Last shown:   %s ago (%s)\n", time.Since(a.ReceivedAt).Round(time.Second), a.Source)
	}
}
