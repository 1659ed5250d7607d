// Command gopeppol is a CLI tool for participant discovery and
// endpoint validation.
//
// Usage:
//
//	gopeppol <command> [options] <args>
//
// Commands:
//
//	lookup   Resolve a participant and validate the discovered endpoint
//	resolve  Resolve a participant to its directory service (DNS only)
//	version  Show version information
//	help     Show help message
//
// Examples:
//
//	# Full lookup with validation
//	gopeppol lookup iso6523-actorid-upis::9915:test busdox-docid-qns::urn:oasis:names:specification:ubl:schema:xsd:Invoice-2
//
//	# Lookup with JSON output and technical details
//	gopeppol lookup -json -details <participant> <document-type>
//
//	# DNS resolution only, against the test network
//	gopeppol resolve -env test iso6523-actorid-upis::9915:test
package main

import (
	"os"

	"github.com/georgepadayatti/gopeppol/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/gopeppol
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Set version info
	cli.Version = version
	cli.BuildTime = buildTime

	// Run the CLI
	cli.Run(os.Args)
}
