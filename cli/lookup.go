package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/georgepadayatti/gopeppol/config"
	"github.com/georgepadayatti/gopeppol/lookup"
	"github.com/georgepadayatti/gopeppol/smldns"
)

// LookupOptions contains options for the lookup command
type LookupOptions struct {
	ConfigFile  string
	Environment string
	ProcessID   string
	RequestID   string
	Probe       bool
	Chain       bool
	Details     bool
	JSONOutput  bool
	Verbose     bool
	Timeout     time.Duration
}

// LookupCommand resolves a participant, fetches its service metadata and
// runs the full validation pipeline against the discovered endpoint.
func LookupCommand(args []string) {
	opts := &LookupOptions{}

	flagSet := flag.NewFlagSet("lookup", flag.ExitOnError)
	flagSet.StringVar(&opts.ConfigFile, "config", "", "Path to YAML configuration file")
	flagSet.StringVar(&opts.Environment, "env", "", "Network environment: production or test (default from config)")
	flagSet.StringVar(&opts.ProcessID, "process", "", "Process identifier to select (default: first advertised)")
	flagSet.StringVar(&opts.RequestID, "request-id", "", "Correlation identifier echoed in the response")
	flagSet.BoolVar(&opts.Probe, "probe", false, "Probe the endpoint for reachability")
	flagSet.BoolVar(&opts.Chain, "chain", false, "Include the full certificate chain in the output")
	flagSet.BoolVar(&opts.Details, "details", false, "Include technical details (DNS, timings, circuit states)")
	flagSet.BoolVar(&opts.JSONOutput, "json", false, "Output results as JSON")
	flagSet.BoolVar(&opts.Verbose, "verbose", false, "Enable verbose logging to stderr")
	flagSet.DurationVar(&opts.Timeout, "timeout", 0, "Overall lookup deadline (default from config)")

	flagSet.Usage = func() {
		fmt.Printf("Usage: %s lookup [options] <participant-id> <document-type-id>\n\n", os.Args[0])
		fmt.Println("Resolves a participant identifier to its endpoint and validates the")
		fmt.Println("discovered metadata: certificate, signature, revocation and endpoint.")
		fmt.Println("")
		fmt.Println("Options:")
		flagSet.PrintDefaults()
		fmt.Println("")
		fmt.Println("Exit codes:")
		fmt.Println("  0  Endpoint discovered and fully compliant")
		fmt.Println("  1  Lookup failed or endpoint not compliant")
	}

	flagSet.Parse(args[2:])

	if flagSet.NArg() < 2 {
		fmt.Fprintf(os.Stderr, "Error: participant identifier and document type are required\n\n")
		flagSet.Usage()
		osExit(1)
		return
	}

	participantID := flagSet.Arg(0)
	documentTypeID := flagSet.Arg(1)

	orch, env, closer, err := buildOrchestrator(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}
	if closer != nil {
		defer closer.Close()
	}

	if opts.Environment != "" {
		env = smldns.Environment(opts.Environment)
	}

	ctx := context.Background()
	resp := orch.Lookup(ctx, lookup.Request{
		ParticipantID:                participantID,
		DocumentTypeID:               documentTypeID,
		ProcessID:                    opts.ProcessID,
		Environment:                  env,
		ValidateEndpointConnectivity: opts.Probe,
		IncludeFullCertificateChain:  opts.Chain,
		IncludeTechnicalDetails:      opts.Details,
		RequestID:                    opts.RequestID,
	})

	if opts.JSONOutput {
		outputLookupJSON(resp)
	} else {
		outputLookupText(resp)
	}

	if !resp.Success || resp.ValidationResults == nil || !resp.ValidationResults.OverallCompliant {
		osExit(1)
	}
}

// buildOrchestrator assembles the pipeline from the configuration file,
// falling back to built-in defaults when none is given.
func buildOrchestrator(opts *LookupOptions) (*lookup.Orchestrator, smldns.Environment, io.Closer, error) {
	logger := zerolog.Nop()
	if opts.Verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	if opts.ConfigFile == "" {
		cfg := &lookup.Config{Logger: logger, Deadline: opts.Timeout}
		return lookup.NewOrchestrator(cfg), smldns.EnvironmentProduction, nil, nil
	}

	appConfig, err := config.LoadConfig(opts.ConfigFile)
	if err != nil {
		return nil, "", nil, fmt.Errorf("loading configuration: %w", err)
	}

	var closer io.Closer
	if !opts.Verbose {
		built, c, err := appConfig.Logging.BuildLogger()
		if err != nil {
			return nil, "", nil, fmt.Errorf("building logger: %w", err)
		}
		logger = built
		closer = c
	}

	cfg, err := appConfig.BuildLookupConfig(logger)
	if err != nil {
		return nil, "", closer, fmt.Errorf("building pipeline: %w", err)
	}
	if opts.Timeout > 0 {
		cfg.Deadline = opts.Timeout
	}
	return lookup.NewOrchestrator(cfg), appConfig.DefaultEnvironment(), closer, nil
}

func outputLookupJSON(resp *lookup.Response) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		osExit(1)
	}
}

func outputLookupText(resp *lookup.Response) {
	fmt.Println("Participant Lookup Results")
	fmt.Println("==========================")
	fmt.Println("")

	if resp.RequestID != "" {
		fmt.Printf("Request ID: %s\n", resp.RequestID)
	}
	fmt.Printf("Timestamp:  %s\n", resp.Timestamp.Format(time.RFC3339))
	fmt.Printf("Duration:   %d ms\n", resp.ProcessingTimeMs)
	fmt.Println("")

	if !resp.Success {
		fmt.Println("Status: LOOKUP FAILED")
		printLookupErrors(resp)
		return
	}

	fmt.Println("Endpoint:")
	fmt.Printf("  URL:               %s\n", resp.EndpointURL)
	fmt.Printf("  Transport profile: %s\n", resp.TransportProfile)
	if resp.ServiceActivationDate != nil {
		fmt.Printf("  Activation date:   %s\n", resp.ServiceActivationDate.Format(time.RFC3339))
	}
	if resp.ServiceExpirationDate != nil {
		fmt.Printf("  Expiration date:   %s\n", resp.ServiceExpirationDate.Format(time.RFC3339))
	}
	fmt.Println("")

	if v := resp.ValidationResults; v != nil {
		fmt.Println("Validation:")
		fmt.Printf("  %s DNS resolution\n", lookupStatusIcon(v.DNSResolutionSucceeded))
		fmt.Printf("  %s Metadata retrieved\n", lookupStatusIcon(v.MetadataRetrieved))
		fmt.Printf("  %s Certificate validity period\n", lookupStatusIcon(v.CertificateTimeValid && v.CertificateNotExpired))
		fmt.Printf("  %s Certificate key\n", lookupStatusIcon(v.CertificateKeyLengthValid && v.CertificateKeyUsageValid))
		fmt.Printf("  %s Certificate chain\n", lookupStatusIcon(v.CertificateChainValid && v.CertificateAnchorValid))
		fmt.Printf("  %s Certificate policy\n", lookupStatusIcon(v.CertificatePolicyValid))
		fmt.Printf("  %s Certificate subject\n", lookupStatusIcon(v.CertificateSubjectValid))
		fmt.Printf("  %s Metadata signature\n", lookupStatusIcon(v.SignaturePresent && v.SignatureValid))
		fmt.Printf("  %s Signer matches endpoint certificate\n", lookupStatusIcon(v.SignatureCertificateMatch))
		if v.RevocationChecked {
			fmt.Printf("  %s Revocation status\n", lookupStatusIcon(v.CertificateNotRevoked))
		} else {
			fmt.Printf("  [WARN] Revocation status not determined\n")
		}
		fmt.Printf("  %s Transport profile allowed\n", lookupStatusIcon(v.TransportProfileValid))
		fmt.Printf("  %s Endpoint URL\n", lookupStatusIcon(v.EndpointURLValid))
		fmt.Printf("  %s Endpoint reachable\n", lookupStatusIcon(v.EndpointReachable))
		fmt.Printf("  %s Service available\n", lookupStatusIcon(v.ServiceAvailable))
		fmt.Println("")
		if v.OverallCompliant {
			fmt.Println("Overall: COMPLIANT")
		} else {
			fmt.Println("Overall: NOT COMPLIANT")
		}
	}

	if td := resp.TechnicalDetails; td != nil {
		fmt.Println("")
		fmt.Println("Technical Details:")
		fmt.Printf("  DNS query:        %s\n", td.DNSQueryName)
		fmt.Printf("  Participant hash: %s\n", td.ParticipantHash)
		fmt.Printf("  Directory URL:    %s\n", td.DirectoryURL)
		fmt.Printf("  Resolution time:  %d ms\n", td.ResolutionDurationMs)
		fmt.Printf("  Metadata time:    %d ms\n", td.MetadataDurationMs)
		if td.RevocationSource != "" {
			fmt.Printf("  Revocation via:   %s\n", td.RevocationSource)
		}
	}

	printLookupErrors(resp)
}

func printLookupErrors(resp *lookup.Response) {
	if len(resp.Errors) == 0 {
		return
	}
	fmt.Println("")
	fmt.Println("Errors:")
	for _, e := range resp.Errors {
		icon := "[FAIL]"
		if e.Severity == lookup.SeverityWarning {
			icon = "[WARN]"
		}
		fmt.Printf("  %s %s: %s\n", icon, e.Code, e.Message)
	}
}

func lookupStatusIcon(ok bool) string {
	if ok {
		return "[OK]"
	}
	return "[FAIL]"
}
