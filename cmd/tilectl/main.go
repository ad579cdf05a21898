package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitStorageError     = 3
	ExitRetryableFailure = 4
	ExitInterrupted      = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "download":
		return runDownload(cmdArgs)
	case "status":
		return runStatus(cmdArgs)
	case "clear":
		return runClear(cmdArgs)
	case "import":
		return runImport(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: tilectl <command> [options]

Commands:
  download  Download every missing tile around a center into the offline database
  status    Show completion flag, cached center and tile count
  clear     Delete all cached tiles (center and completion flag are kept)
  import    Load a {z}/{x}/{y}.png directory tree into the offline database

Defaults come from the same environment variables as the server (.env is read).
Run 'tilectl <command> -h' for command-specific help.`)
}
