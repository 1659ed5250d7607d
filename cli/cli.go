// Package cli provides the command-line interface for participant lookup
// and validation.
package cli

import (
	"fmt"
	"os"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Run executes the CLI with the given arguments.
// This is the main entry point for the CLI.
func Run(args []string) {
	if len(args) < 2 {
		Usage()
		return
	}

	command := args[1]

	switch command {
	case "lookup":
		LookupCommand(args)
	case "resolve":
		ResolveCommand(args)
	case "version":
		VersionCommand()
	case "help", "-h", "--help":
		Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		Usage()
	}
}

// Usage prints the CLI usage information.
func Usage() {
	fmt.Printf("gopeppol - participant discovery and validation tool\n\n")
	fmt.Printf("Usage: %s <command> [options] <args>\n\n", os.Args[0])
	fmt.Println("Commands:")
	fmt.Println("  lookup   Resolve a participant and validate the discovered endpoint")
	fmt.Println("  resolve  Resolve a participant to its directory service (DNS only)")
	fmt.Println("  version  Show version information")
	fmt.Println("  help     Show this help message")
	fmt.Println("")
	fmt.Printf("Use '%s <command> -h' for command-specific help\n", os.Args[0])
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Printf("  %s lookup iso6523-actorid-upis::9915:test busdox-docid-qns::urn:oasis:names:specification:ubl:schema:xsd:Invoice-2\n", os.Args[0])
	fmt.Printf("  %s lookup -json -details <participant> <document-type>\n", os.Args[0])
	fmt.Printf("  %s resolve -env test iso6523-actorid-upis::9915:test\n", os.Args[0])
}

// VersionCommand prints version information.
func VersionCommand() {
	fmt.Printf("gopeppol version %s\n", Version)
	fmt.Printf("Build time: %s\n", BuildTime)
}
