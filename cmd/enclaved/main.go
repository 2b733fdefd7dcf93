// Package main is the entry point for enclaved, the plugin execution
// daemon.
package main

import (
	"fmt"
	"os"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "run":
		return runOnce(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "version", "-v", "--version":
		fmt.Printf("enclaved %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		return 0
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "enclaved - plugin execution daemon\n\n")
	fmt.Fprintf(os.Stderr, "Usage: enclaved <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve       Run the daemon and consume the execution queue\n")
	fmt.Fprintf(os.Stderr, "  run         Execute a local plugin directory once\n")
	fmt.Fprintf(os.Stderr, "  validate    Validate a local plugin directory\n")
	fmt.Fprintf(os.Stderr, "  version     Show version information\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  enclaved serve -config /etc/enclave/config.yaml\n")
	fmt.Fprintf(os.Stderr, "  enclaved run -dir ./my-plugin -function handler -params '{\"id\":1}'\n")
	fmt.Fprintf(os.Stderr, "  enclaved validate -dir ./my-plugin\n")
}
