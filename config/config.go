// Package config loads and validates the application's YAML configuration
// and builds the lookup pipeline from it.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/gopeppol/certvalidator"
	"github.com/georgepadayatti/gopeppol/certvalidator/fetchers"
	"github.com/georgepadayatti/gopeppol/certvalidator/revinfo"
	"github.com/georgepadayatti/gopeppol/endpoint"
	"github.com/georgepadayatti/gopeppol/keys"
	"github.com/georgepadayatti/gopeppol/lookup"
	"github.com/georgepadayatti/gopeppol/securexml"
	"github.com/georgepadayatti/gopeppol/smldns"
	"github.com/georgepadayatti/gopeppol/smpclient"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnexpectedField      = errors.New("unexpected field in configuration")
	ErrInvalidOID           = errors.New("invalid OID")
)

// OIDRegex matches OID strings like "1.2.3.4"
var OIDRegex = regexp.MustCompile(`^\d+(\.\d+)+$`)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid duration %q: %v", ErrConfigurationError, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DNSConfig configures participant resolution.
type DNSConfig struct {
	// ProductionZone overrides the production locator zone.
	ProductionZone string `yaml:"production-zone" json:"production_zone,omitempty"`

	// TestZone overrides the test locator zone.
	TestZone string `yaml:"test-zone" json:"test_zone,omitempty"`

	// MaxAttempts is the number of resolution attempts including the first.
	MaxAttempts int `yaml:"max-attempts" json:"max_attempts,omitempty"`

	// Timeout bounds one resolution including retries.
	Timeout Duration `yaml:"timeout" json:"timeout,omitempty"`

	// CacheTTL bounds reuse of successful resolutions.
	CacheTTL Duration `yaml:"cache-ttl" json:"cache_ttl,omitempty"`

	// ValidateDNSSEC requests DNSSEC validation when available.
	ValidateDNSSEC bool `yaml:"validate-dnssec" json:"validate_dnssec"`
}

// Build converts the section into a resolver configuration.
func (c *DNSConfig) Build() *smldns.Config {
	config := smldns.DefaultConfig()
	if c == nil {
		return config
	}
	if c.ProductionZone != "" || c.TestZone != "" {
		config.Zones = map[smldns.Environment]string{}
		if c.ProductionZone != "" {
			config.Zones[smldns.EnvironmentProduction] = c.ProductionZone
		}
		if c.TestZone != "" {
			config.Zones[smldns.EnvironmentTest] = c.TestZone
		}
	}
	if c.MaxAttempts > 0 {
		config.MaxAttempts = c.MaxAttempts
	}
	if c.Timeout > 0 {
		config.Timeout = c.Timeout.Std()
	}
	if c.CacheTTL > 0 {
		config.CacheTTL = c.CacheTTL.Std()
	}
	config.ValidateDNSSEC = c.ValidateDNSSEC
	return config
}

// MetadataConfig configures metadata retrieval.
type MetadataConfig struct {
	// Timeout is the per-request budget.
	Timeout Duration `yaml:"timeout" json:"timeout,omitempty"`

	// UserAgent is sent on every request.
	UserAgent string `yaml:"user-agent" json:"user_agent,omitempty"`

	// MaxDocumentSize bounds metadata documents in bytes.
	MaxDocumentSize int64 `yaml:"max-document-size" json:"max_document_size,omitempty"`
}

// Build converts the section into a metadata client configuration.
func (c *MetadataConfig) Build() *smpclient.Config {
	config := smpclient.DefaultConfig()
	if c == nil {
		return config
	}
	if c.Timeout > 0 {
		config.Timeout = c.Timeout.Std()
	}
	if c.UserAgent != "" {
		config.UserAgent = c.UserAgent
	}
	if c.MaxDocumentSize > 0 {
		limits := securexml.DefaultLimits()
		limits.MaxDocumentBytes = c.MaxDocumentSize
		config.XMLLimits = limits
	}
	return config
}

// TruststoreConfig locates a PKCS#12 trust anchor bundle.
type TruststoreConfig struct {
	// File is the path to the PKCS#12 truststore.
	File string `yaml:"file" json:"file"`

	// Password is the truststore passphrase.
	Password string `yaml:"password" json:"password,omitempty"`
}

// Validate validates the truststore configuration.
func (c *TruststoreConfig) Validate() error {
	if c.File == "" {
		return NewConfigError("truststore.file", "required field is missing")
	}
	return nil
}

// CertificateConfig configures certificate chain validation.
type CertificateConfig struct {
	// MinRSABits is the minimum accepted RSA modulus size.
	MinRSABits int `yaml:"min-rsa-bits" json:"min_rsa_bits,omitempty"`

	// PolicyOIDs lists certificate-policy OIDs of which at least one must
	// appear on the leaf.
	PolicyOIDs []string `yaml:"policy-oids" json:"policy_oids,omitempty"`

	// TrustAnchors are paths to PEM or DER trust anchor files.
	TrustAnchors []string `yaml:"trust-anchors" json:"trust_anchors,omitempty"`

	// Truststore is an optional PKCS#12 trust anchor bundle.
	Truststore *TruststoreConfig `yaml:"truststore" json:"truststore,omitempty"`
}

// Validate validates the certificate configuration.
func (c *CertificateConfig) Validate() error {
	if c == nil {
		return nil
	}
	if _, err := ProcessOIDs(c.PolicyOIDs); err != nil {
		return err
	}
	if c.Truststore != nil {
		return c.Truststore.Validate()
	}
	return nil
}

// Build converts the section into a chain validator configuration, loading
// the configured trust anchors from disk.
func (c *CertificateConfig) Build() (*certvalidator.Config, error) {
	config := certvalidator.DefaultConfig()
	if c == nil {
		return config, nil
	}
	if c.MinRSABits > 0 {
		config.MinRSABits = c.MinRSABits
	}
	oids, err := ProcessOIDs(c.PolicyOIDs)
	if err != nil {
		return nil, err
	}
	config.RequiredPolicyOIDs = oids

	p12File, p12Password := "", ""
	if c.Truststore != nil {
		p12File, p12Password = c.Truststore.File, c.Truststore.Password
	}
	store, err := keys.LoadTrustStore(c.TrustAnchors, p12File, p12Password)
	if err != nil {
		return nil, fmt.Errorf("loading trust anchors: %w", err)
	}
	config.TrustAnchors = store.Anchors
	return config, nil
}

// RevocationConfig configures revocation checking.
type RevocationConfig struct {
	// CacheTTL bounds reuse of revocation answers.
	CacheTTL Duration `yaml:"cache-ttl" json:"cache_ttl,omitempty"`

	// ResponderRate is the sustained per-responder request rate.
	ResponderRate float64 `yaml:"responder-rate" json:"responder_rate,omitempty"`

	// ResponderBurst is the per-responder burst.
	ResponderBurst int `yaml:"responder-burst" json:"responder_burst,omitempty"`

	// Timeout is the per-fetch budget for OCSP and CRL requests.
	Timeout Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Build converts the section into a revocation checker configuration.
func (c *RevocationConfig) Build() *revinfo.CheckerConfig {
	config := revinfo.DefaultCheckerConfig()
	if c == nil {
		return config
	}
	if c.CacheTTL > 0 {
		config.CacheTTL = c.CacheTTL.Std()
	}
	if c.ResponderRate > 0 {
		config.ResponderRate = rate.Limit(c.ResponderRate)
	}
	if c.ResponderBurst > 0 {
		config.ResponderBurst = c.ResponderBurst
	}
	if c.Timeout > 0 {
		config.OCSP = &fetchers.FetcherConfig{Timeout: c.Timeout.Std()}
		config.CRL = &fetchers.FetcherConfig{Timeout: c.Timeout.Std()}
	}
	return config
}

// EndpointConfig configures endpoint validation.
type EndpointConfig struct {
	// AllowedProfiles whitelists transport profiles.
	AllowedProfiles []string `yaml:"allowed-profiles" json:"allowed_profiles,omitempty"`

	// ProbeConnectivity enables the reachability probe.
	ProbeConnectivity bool `yaml:"probe-connectivity" json:"probe_connectivity"`

	// CompareTLSCertificate enables the live TLS certificate comparison.
	CompareTLSCertificate bool `yaml:"compare-tls-certificate" json:"compare_tls_certificate"`

	// ProbeTimeout bounds the probe and TLS fetch.
	ProbeTimeout Duration `yaml:"probe-timeout" json:"probe_timeout,omitempty"`
}

// Build converts the section into an endpoint validator configuration.
func (c *EndpointConfig) Build() *endpoint.Config {
	config := endpoint.DefaultConfig()
	if c == nil {
		return config
	}
	if len(c.AllowedProfiles) > 0 {
		config.AllowedProfiles = c.AllowedProfiles
	}
	config.ProbeConnectivity = c.ProbeConnectivity
	config.CompareTLSCertificate = c.CompareTLSCertificate
	if c.ProbeTimeout > 0 {
		config.ProbeTimeout = c.ProbeTimeout.Std()
	}
	return config
}

// BreakerConfig configures the circuit breakers shared by all external
// service calls.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// circuit.
	FailureThreshold int `yaml:"failure-threshold" json:"failure_threshold,omitempty"`

	// SuccessThreshold is the consecutive-success count that closes a
	// half-open circuit.
	SuccessThreshold int `yaml:"success-threshold" json:"success_threshold,omitempty"`

	// ResetTimeout is how long an open circuit waits before trial calls.
	ResetTimeout Duration `yaml:"reset-timeout" json:"reset_timeout,omitempty"`

	// MaxTrialCalls caps concurrent trial calls while half-open.
	MaxTrialCalls int `yaml:"max-trial-calls" json:"max_trial_calls,omitempty"`
}

// Build converts the section into a breaker configuration.
func (c *BreakerConfig) Build() *fetchers.BreakerConfig {
	config := fetchers.DefaultBreakerConfig()
	if c == nil {
		return config
	}
	if c.FailureThreshold > 0 {
		config.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		config.SuccessThreshold = c.SuccessThreshold
	}
	if c.ResetTimeout > 0 {
		config.ResetTimeout = c.ResetTimeout.Std()
	}
	if c.MaxTrialCalls > 0 {
		config.MaxTrialCalls = c.MaxTrialCalls
	}
	return config
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or a file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// BuildLogger constructs a logger from the section. The caller owns closing
// the returned writer when it is a file.
func (c *LoggingConfig) BuildLogger() (zerolog.Logger, io.Closer, error) {
	c.SetDefaults()

	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), nil, NewConfigError("logging.level",
			fmt.Sprintf("unknown level %q", c.Level))
	}

	var out io.Writer
	var closer io.Closer
	switch c.Output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		file, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("opening log output: %w", err)
		}
		out = file
		closer = file
	}

	if c.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), closer, nil
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	// Environment selects the default locator zone ("production" or
	// "test").
	Environment string `yaml:"environment" json:"environment,omitempty"`

	// Deadline bounds one complete lookup.
	Deadline Duration `yaml:"deadline" json:"deadline,omitempty"`

	DNS         *DNSConfig         `yaml:"dns" json:"dns,omitempty"`
	Metadata    *MetadataConfig    `yaml:"metadata" json:"metadata,omitempty"`
	Certificate *CertificateConfig `yaml:"certificate" json:"certificate,omitempty"`
	Revocation  *RevocationConfig  `yaml:"revocation" json:"revocation,omitempty"`
	Endpoint    *EndpointConfig    `yaml:"endpoint" json:"endpoint,omitempty"`
	Breaker     *BreakerConfig     `yaml:"breaker" json:"breaker,omitempty"`
	Logging     *LoggingConfig     `yaml:"logging" json:"logging,omitempty"`
}

// Validate validates the complete configuration.
func (c *AppConfig) Validate() error {
	switch c.Environment {
	case "", "production", "test":
	default:
		return NewConfigError("environment",
			fmt.Sprintf("must be \"production\" or \"test\", got %q", c.Environment))
	}
	return c.Certificate.Validate()
}

// DefaultEnvironment returns the configured environment, defaulting to
// production.
func (c *AppConfig) DefaultEnvironment() smldns.Environment {
	if c.Environment == "test" {
		return smldns.EnvironmentTest
	}
	return smldns.EnvironmentProduction
}

// BuildLookupConfig assembles the orchestrator configuration, loading trust
// anchors from disk.
func (c *AppConfig) BuildLookupConfig(logger zerolog.Logger) (*lookup.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	certConfig, err := c.Certificate.Build()
	if err != nil {
		return nil, err
	}
	config := &lookup.Config{
		Resolver:    c.DNS.Build(),
		Metadata:    c.Metadata.Build(),
		Certificate: certConfig,
		Revocation:  c.Revocation.Build(),
		Endpoint:    c.Endpoint.Build(),
		Breaker:     c.Breaker.Build(),
		Logger:      logger,
	}
	if c.Deadline > 0 {
		config.Deadline = c.Deadline.Std()
	}
	return config, nil
}

// LoadConfig loads a configuration from a YAML file.
func LoadConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// appConfigKeys lists the recognized top-level configuration keys.
var appConfigKeys = []string{
	"environment", "deadline", "dns", "metadata", "certificate",
	"revocation", "endpoint", "breaker", "logging",
}

// ParseConfig parses configuration from YAML data. Unknown top-level keys
// are rejected so typos surface as errors instead of silently applied
// defaults.
func ParseConfig(data []byte) (*AppConfig, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	supplied := make([]string, 0, len(raw))
	for k := range raw {
		supplied = append(supplied, k)
	}
	if err := CheckConfigKeys("application", appConfigKeys, supplied); err != nil {
		return nil, err
	}

	var config AppConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if config.Logging == nil {
		config.Logging = &LoggingConfig{}
	}
	config.Logging.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfigFromMap loads configuration from a map.
func LoadConfigFromMap(data map[string]any) (*AppConfig, error) {
	yamlData, err := yaml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config map: %w", err)
	}
	return ParseConfig(yamlData)
}

// CheckConfigKeys checks if all provided keys are valid for a given
// configuration type.
func CheckConfigKeys(configName string, expectedKeys, suppliedKeys []string) error {
	expectedSet := make(map[string]bool)
	for _, k := range expectedKeys {
		expectedSet[normalizeKey(k)] = true
	}

	var unexpected []string
	for _, k := range suppliedKeys {
		if !expectedSet[normalizeKey(k)] {
			unexpected = append(unexpected, k)
		}
	}

	if len(unexpected) > 0 {
		keyWord := "key"
		if len(unexpected) > 1 {
			keyWord = "keys"
		}
		return fmt.Errorf("%w: unexpected %s in configuration for %s: %s",
			ErrUnexpectedField, keyWord, configName, strings.Join(unexpected, ", "))
	}
	return nil
}

// normalizeKey normalizes a configuration key (underscores to dashes).
func normalizeKey(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// ProcessOID validates and normalizes an OID string.
func ProcessOID(oidString string) (string, error) {
	if oidString == "" {
		return "", NewConfigError("oid", "OID string is empty")
	}
	if !OIDRegex.MatchString(oidString) {
		return "", fmt.Errorf("%w: %q", ErrInvalidOID, oidString)
	}
	return oidString, nil
}

// ProcessOIDs validates and normalizes a list of OID strings.
func ProcessOIDs(oidStrings []string) ([]string, error) {
	result := make([]string, 0, len(oidStrings))
	for _, oid := range oidStrings {
		processed, err := ProcessOID(oid)
		if err != nil {
			return nil, err
		}
		result = append(result, processed)
	}
	return result, nil
}
