package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	StoreDSN       string
	TLSCert        string
	TLSKey         string
	MaxConnections int
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./mailcored.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.StoreDSN, "store-dsn", "", "Storage DSN (sqlite://... or postgres://...)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.MaxConnections, "max-connections", 0, "Maximum concurrent SMTP connections")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config. If the
// file does not exist, returns the default configuration. [server] settings
// apply to all three protocol sections before each section's own settings
// take precedence, mirroring the original pop3d/smtpd/msgstore shared-file
// convention.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fc FileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Server = mergeServerConfig(cfg.Server, fc.Server)
	cfg.SMTP = mergeSMTPConfig(cfg.SMTP, fc.SMTP, fc.Server)
	cfg.POP3 = mergePOP3Config(cfg.POP3, fc.POP3, fc.Server)
	cfg.IMAP = mergeIMAPConfig(cfg.IMAP, fc.IMAP, fc.Server)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config. Non-zero/
// non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Server.Hostname = f.Hostname
	}
	if f.LogLevel != "" {
		cfg.Server.LogLevel = f.LogLevel
	}
	if f.StoreDSN != "" {
		cfg.Server.StoreDSN = f.StoreDSN
	}
	if f.TLSCert != "" {
		cfg.Server.TLS.CertFile = f.TLSCert
	}
	if f.TLSKey != "" {
		cfg.Server.TLS.KeyFile = f.TLSKey
	}
	if f.MaxConnections > 0 {
		cfg.SMTP.Limits.MaxConnections = f.MaxConnections
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags, then
// applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

func mergeServerConfig(dst, src ServerConfig) ServerConfig {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.StoreDSN != "" {
		dst.StoreDSN = src.StoreDSN
	}
	dst.TLS = mergeTLSConfig(dst.TLS, src.TLS)
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}
	if len(src.HostedDomains) > 0 {
		dst.HostedDomains = src.HostedDomains
	}
	if src.ValidateRecipients {
		dst.ValidateRecipients = src.ValidateRecipients
	}
	if src.RateLimit.AuthAttemptsPerMinute > 0 {
		dst.RateLimit.AuthAttemptsPerMinute = src.RateLimit.AuthAttemptsPerMinute
	}
	if src.RateLimit.AuthBurst > 0 {
		dst.RateLimit.AuthBurst = src.RateLimit.AuthBurst
	}
	return dst
}

func mergeTLSConfig(dst, src TLSConfig) TLSConfig {
	if src.CertFile != "" {
		dst.CertFile = src.CertFile
	}
	if src.KeyFile != "" {
		dst.KeyFile = src.KeyFile
	}
	if src.MinVersion != "" {
		dst.MinVersion = src.MinVersion
	}
	return dst
}

func mergeTimeouts(dst, src TimeoutsConfig) TimeoutsConfig {
	if src.Connection != "" {
		dst.Connection = src.Connection
	}
	if src.Command != "" {
		dst.Command = src.Command
	}
	if src.Idle != "" {
		dst.Idle = src.Idle
	}
	return dst
}

func mergeSMTPConfig(dst SMTPConfig, src SMTPConfig, server ServerConfig) SMTPConfig {
	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}
	dst.TLS = mergeTLSConfig(mergeTLSConfig(dst.TLS, server.TLS), src.TLS)
	dst.Timeouts = mergeTimeouts(dst.Timeouts, src.Timeouts)
	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}
	if src.Limits.MaxConnectionsPerIP > 0 {
		dst.Limits.MaxConnectionsPerIP = src.Limits.MaxConnectionsPerIP
	}
	if src.Limits.MaxMessageSizeBytes > 0 {
		dst.Limits.MaxMessageSizeBytes = src.Limits.MaxMessageSizeBytes
	}
	if src.Limits.MaxRecipients > 0 {
		dst.Limits.MaxRecipients = src.Limits.MaxRecipients
	}
	return dst
}

func mergePOP3Config(dst POP3Config, src POP3Config, server ServerConfig) POP3Config {
	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}
	dst.TLS = mergeTLSConfig(mergeTLSConfig(dst.TLS, server.TLS), src.TLS)
	dst.Timeouts = mergeTimeouts(dst.Timeouts, src.Timeouts)
	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}
	if src.Limits.MaxMessagesPerSession > 0 {
		dst.Limits.MaxMessagesPerSession = src.Limits.MaxMessagesPerSession
	}
	if src.Limits.MaxDeletedPerSession > 0 {
		dst.Limits.MaxDeletedPerSession = src.Limits.MaxDeletedPerSession
	}
	return dst
}

func mergeIMAPConfig(dst IMAPConfig, src IMAPConfig, server ServerConfig) IMAPConfig {
	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}
	dst.TLS = mergeTLSConfig(mergeTLSConfig(dst.TLS, server.TLS), src.TLS)
	dst.Timeouts = mergeTimeouts(dst.Timeouts, src.Timeouts)
	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}
	return dst
}
