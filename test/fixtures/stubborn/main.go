// Command stubborn records its PID like a popup-ai instance but ignores
// SIGTERM, so that only SIGKILL stops it.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chenkeao/popup-ai/internal/infra"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: stubborn <pid-file>")
		os.Exit(2)
	}

	signal.Ignore(syscall.SIGTERM)
	if err := infra.NewPIDFile(os.Args[1]).Write(os.Getpid()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("ready")
	time.Sleep(time.Hour)
}
