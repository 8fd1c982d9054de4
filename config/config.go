package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/autorespond/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// TransportConfig selects how replies leave the host.
type TransportConfig struct {
	// Type of transport: "qmail" (default), "smtp" or "ses"
	Type string `toml:"type"`

	QmailDir string `toml:"qmail_dir"` // qmail home, qmail-queue is run from <qmail_dir>/bin (default: "/var/qmail")
	Timeout  string `toml:"timeout"`   // Upper bound for a single submission (default: "5m")

	SMTP SMTPConfig `toml:"smtp"`
	SES  SESConfig  `toml:"ses"`
}

// SMTPConfig holds the SMTP relay settings used when transport.type = "smtp".
type SMTPConfig struct {
	Host        string `toml:"host"`         // SMTP server address (e.g., "smtp.example.com:587")
	TLS         bool   `toml:"tls"`          // Use TLS for SMTP connection
	TLSVerify   bool   `toml:"tls_verify"`   // Verify TLS certificates
	UseStartTLS bool   `toml:"use_starttls"` // Use STARTTLS instead of direct TLS
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
	Username    string `toml:"username"` // AUTH PLAIN user, no AUTH when empty
	Password    string `toml:"password"`
	MaxRetries  int    `toml:"max_retries"` // Retries on temporary failures (default: 2)
}

// SESConfig holds AWS SES v2 settings used when transport.type = "ses".
type SESConfig struct {
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	MaxRetries      int    `toml:"max_retries"`
}

// RateLimitConfig selects the store behind the per-sender rate limiter.
type RateLimitConfig struct {
	Backend    string `toml:"backend"`     // "dir" (default) or "sqlite"
	SQLitePath string `toml:"sqlite_path"` // Defaults to <log-dir>/ratelimit.db
}

// FilterConfig holds optional additions to the suppression chain.
type FilterConfig struct {
	HonorAutoSubmitted  bool     `toml:"honor_auto_submitted"`  // Suppress replies to Auto-Submitted mail (RFC 3834)
	ExtraSenderPatterns []string `toml:"extra_sender_patterns"` // Extra regular expressions for the sender filter
}

// PolicyConfig controls how suppression is reported back to qmail-local.
type PolicyConfig struct {
	// HaltOnSuppress exits with 99 instead of 0 when a filter rule
	// suppresses the reply, so later .qmail lines are skipped.
	HaltOnSuppress bool `toml:"halt_on_suppress"`
}

// MetricsConfig holds Prometheus Pushgateway settings.
type MetricsConfig struct {
	PushgatewayURL string `toml:"pushgateway_url"`
	Job            string `toml:"job"`
	Timeout        string `toml:"timeout"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Transport TransportConfig `toml:"transport"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Filter    FilterConfig    `toml:"filter"`
	Policy    PolicyConfig    `toml:"policy"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",  // qmail-local copies stderr into the delivery log
			Format: "console", // Default to console format
			Level:  "info",    // Default to info level
		},
		Transport: TransportConfig{
			Type:     "qmail",
			QmailDir: "/var/qmail",
			Timeout:  "5m",
			SMTP: SMTPConfig{
				TLS:        true,
				TLSVerify:  true,
				MaxRetries: 2,
			},
			SES: SESConfig{
				MaxRetries: 3,
			},
		},
		RateLimit: RateLimitConfig{
			Backend: "dir",
		},
		Metrics: MetricsConfig{
			Job:     "autorespond",
			Timeout: "5s",
		},
	}
}

// GetTimeout parses the transport timeout duration
func (t *TransportConfig) GetTimeout() (time.Duration, error) {
	if t.Timeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(t.Timeout)
}

// IsQmail returns true if replies are injected with qmail-queue
func (t *TransportConfig) IsQmail() bool {
	return t.Type == "" || t.Type == "qmail"
}

// IsSMTP returns true if this is an SMTP relay
func (t *TransportConfig) IsSMTP() bool {
	return t.Type == "smtp"
}

// IsSES returns true if replies go out through AWS SES
func (t *TransportConfig) IsSES() bool {
	return t.Type == "ses"
}

// GetSQLitePath returns the sqlite database path, defaulting into the log directory.
func (r *RateLimitConfig) GetSQLitePath(logDir string) string {
	if r.SQLitePath != "" {
		return r.SQLitePath
	}
	return filepath.Join(logDir, "ratelimit.db")
}

// IsSQLite returns true if the sqlite store is selected
func (r *RateLimitConfig) IsSQLite() bool {
	return r.Backend == "sqlite"
}

// GetTimeout parses the pushgateway timeout duration
func (m *MetricsConfig) GetTimeout() (time.Duration, error) {
	if m.Timeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(m.Timeout)
}

// IsEnabled returns true if metrics should be pushed at exit
func (m *MetricsConfig) IsEnabled() bool {
	return m.PushgatewayURL != ""
}

// Validate checks option values that cannot be expressed by the TOML types alone.
func (c *Config) Validate() error {
	switch c.Transport.Type {
	case "", "qmail":
		if c.Transport.QmailDir == "" {
			return fmt.Errorf("transport.qmail_dir must not be empty")
		}
	case "smtp":
		if c.Transport.SMTP.Host == "" {
			return fmt.Errorf("transport.smtp.host is required for smtp transport")
		}
	case "ses":
		if c.Transport.SES.Region == "" {
			return fmt.Errorf("transport.ses.region is required for ses transport")
		}
	default:
		return fmt.Errorf("unknown transport type %q (expected qmail, smtp or ses)", c.Transport.Type)
	}

	switch c.RateLimit.Backend {
	case "", "dir", "sqlite":
	default:
		return fmt.Errorf("unknown ratelimit backend %q (expected dir or sqlite)", c.RateLimit.Backend)
	}

	if _, err := c.Transport.GetTimeout(); err != nil {
		return fmt.Errorf("invalid transport.timeout: %w", err)
	}
	if _, err := c.Metrics.GetTimeout(); err != nil {
		return fmt.Errorf("invalid metrics.timeout: %w", err)
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields
// This function is lenient with:
//   - Duplicate keys: logs warning and uses first occurrence
//   - Unknown keys: logs warning and ignores them
//
// All other syntax errors are returned with helpful error messages
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "has already been defined") {
			log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %s", configPath, err.Error())
			log.Printf("WARNING: Ignoring duplicate entries. Only the first occurrence of each key will be used.")

			cleanedContent, parseErr := removeDuplicateKeysFromTOML(string(content))
			if parseErr != nil {
				return enhanceConfigError(err)
			}

			metadata, err = toml.Decode(cleanedContent, cfg)
			if err != nil {
				return enhanceConfigError(err)
			}
		} else {
			return enhanceConfigError(err)
		}
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML removes duplicate keys from TOML content, keeping
// the first occurrence of each key within its table.
func removeDuplicateKeysFromTOML(content string) (string, error) {
	lines := strings.Split(content, "\n")
	seenKeys := make(map[string]int)
	var result []string
	var currentSection string

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			result = append(result, line)
			continue
		}

		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			currentSection = strings.Trim(trimmed, "[] ")
			result = append(result, line)
			continue
		}

		if key, _, ok := strings.Cut(trimmed, "="); ok {
			fullKey := strings.TrimSpace(key)
			if currentSection != "" {
				fullKey = currentSection + "." + fullKey
			}

			if prevLine, exists := seenKeys[fullKey]; exists {
				log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.",
					fullKey, lineNum+1, prevLine+1)
				result = append(result, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seenKeys[fullKey] = lineNum
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n"), nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - All brackets are balanced\n"+
			"  - Section headers use [section] format", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
