// Package cli implements the netshare command line: the engine process and
// the admin commands for managing sharers and inspecting live state.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is injected at build time.
var Version = "dev"

// Run dispatches the command line and returns the process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "engine":
		return runEngine(ctx, args[1:])
	case "sharer":
		return runSharer(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "version", "--version", "-v":
		fmt.Println("netshare", Version)
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Print(`netshare - mobile bandwidth sharing engine

Usage:
  netshare engine [flags]             run the orchestration engine
  netshare sharer add <id> [flags]    register a sharer
  netshare sharer list                list sharers and today's usage
  netshare sharer enable <id>         enable sharing for a sharer
  netshare sharer disable <id>        disable sharing for a sharer
  netshare status [flags]             show connections on a running engine
  netshare version                    print the version

Run 'netshare <command> -h' for command flags.
`)
}
