package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/georgepadayatti/gopeppol/smldns"
)

// ResolveOptions contains options for the resolve command
type ResolveOptions struct {
	Environment string
	Timeout     time.Duration
	JSONOutput  bool
}

// resolveOutput is the JSON shape of one resolution.
type resolveOutput struct {
	Succeeded       bool   `json:"succeeded"`
	DirectoryURL    string `json:"directoryUrl,omitempty"`
	DNSQueryName    string `json:"dnsQueryName"`
	ParticipantHash string `json:"participantHash"`
	DNSSECValidated bool   `json:"dnssecValidated"`
	DurationMs      int64  `json:"durationMs"`
	RetryCount      int    `json:"retryCount"`
	Error           string `json:"error,omitempty"`
}

// ResolveCommand resolves a participant identifier to its directory
// service URL without fetching or validating metadata.
func ResolveCommand(args []string) {
	opts := &ResolveOptions{}

	flagSet := flag.NewFlagSet("resolve", flag.ExitOnError)
	flagSet.StringVar(&opts.Environment, "env", "production", "Network environment: production or test")
	flagSet.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "DNS resolution timeout")
	flagSet.BoolVar(&opts.JSONOutput, "json", false, "Output results as JSON")

	flagSet.Usage = func() {
		fmt.Printf("Usage: %s resolve [options] <participant-id>\n\n", os.Args[0])
		fmt.Println("Resolves a participant identifier to its directory service via DNS.")
		fmt.Println("")
		fmt.Println("Options:")
		flagSet.PrintDefaults()
	}

	flagSet.Parse(args[2:])

	if flagSet.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: participant identifier is required\n\n")
		flagSet.Usage()
		osExit(1)
		return
	}

	resolver := smldns.NewResolver(&smldns.Config{Timeout: opts.Timeout})

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	result := resolver.Resolve(ctx, flagSet.Arg(0), smldns.Environment(opts.Environment))

	if opts.JSONOutput {
		out := resolveOutput{
			Succeeded:       result.Succeeded,
			DirectoryURL:    result.DirectoryURL,
			DNSQueryName:    result.DNSQueryName,
			ParticipantHash: result.ParticipantHash,
			DNSSECValidated: result.DNSSECValidated,
			DurationMs:      result.Duration.Milliseconds(),
			RetryCount:      result.RetryCount,
		}
		if result.Err != nil {
			out.Error = result.Err.Error()
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
			osExit(1)
		}
	} else {
		fmt.Printf("DNS query:        %s\n", result.DNSQueryName)
		fmt.Printf("Participant hash: %s\n", result.ParticipantHash)
		if result.Succeeded {
			fmt.Printf("Directory URL:    %s\n", result.DirectoryURL)
		} else {
			fmt.Printf("Resolution failed: %v\n", result.Err)
		}
	}

	if !result.Succeeded {
		osExit(1)
	}
}
