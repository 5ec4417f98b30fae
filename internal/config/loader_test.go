package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}

	expected := Default()
	if cfg.Server.Hostname != expected.Server.Hostname {
		t.Errorf("expected hostname %q, got %q", expected.Server.Hostname, cfg.Server.Hostname)
	}
}

func TestLoadValidTOML(t *testing.T) {
	content := `
[server]
hostname = "mail.example.com"
log_level = "debug"
store_dsn = "postgres://user:pass@db/mailcore"
hosted_domains = ["example.com"]
validate_recipients = true

[server.tls]
cert_file = "/etc/ssl/cert.pem"
key_file = "/etc/ssl/key.pem"
min_version = "1.3"

[pop3]
[pop3.limits]
max_connections = 50
max_messages_per_session = 200

[pop3.timeouts]
connection = "15m"
command = "2m"
idle = "45m"

[[pop3.listeners]]
address = ":110"
mode = "pop3"

[[pop3.listeners]]
address = ":995"
mode = "pop3s"

[smtp.limits]
max_message_size_bytes = 1048576

[[smtp.listeners]]
address = ":587"
mode = "submission"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Hostname != "mail.example.com" {
		t.Errorf("hostname = %q, want 'mail.example.com'", cfg.Server.Hostname)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", cfg.Server.LogLevel)
	}
	if cfg.Server.StoreDSN != "postgres://user:pass@db/mailcore" {
		t.Errorf("store_dsn = %q, want postgres DSN", cfg.Server.StoreDSN)
	}
	if len(cfg.Server.HostedDomains) != 1 || cfg.Server.HostedDomains[0] != "example.com" {
		t.Errorf("hosted_domains = %+v, want [example.com]", cfg.Server.HostedDomains)
	}
	if !cfg.Server.ValidateRecipients {
		t.Error("expected validate_recipients = true")
	}

	// TLS set at [server] level should propagate down to each protocol
	// section that did not override it.
	if cfg.POP3.TLS.CertFile != "/etc/ssl/cert.pem" {
		t.Errorf("pop3.tls.cert_file = %q, want inherited from server", cfg.POP3.TLS.CertFile)
	}
	if cfg.POP3.TLS.MinVersion != "1.3" {
		t.Errorf("pop3.tls.min_version = %q, want '1.3'", cfg.POP3.TLS.MinVersion)
	}

	if cfg.POP3.Limits.MaxConnections != 50 {
		t.Errorf("pop3.limits.max_connections = %d, want 50", cfg.POP3.Limits.MaxConnections)
	}
	if cfg.POP3.Limits.MaxMessagesPerSession != 200 {
		t.Errorf("pop3.limits.max_messages_per_session = %d, want 200", cfg.POP3.Limits.MaxMessagesPerSession)
	}
	if cfg.POP3.Timeouts.Idle != "45m" {
		t.Errorf("pop3.timeouts.idle = %q, want '45m'", cfg.POP3.Timeouts.Idle)
	}

	if len(cfg.POP3.Listeners) != 2 {
		t.Fatalf("expected 2 pop3 listeners, got %d", len(cfg.POP3.Listeners))
	}
	if cfg.POP3.Listeners[1].Mode != ModePOP3S {
		t.Errorf("second pop3 listener mode = %q, want pop3s", cfg.POP3.Listeners[1].Mode)
	}

	if cfg.SMTP.Limits.MaxMessageSizeBytes != 1048576 {
		t.Errorf("smtp.limits.max_message_size_bytes = %d, want 1048576", cfg.SMTP.Limits.MaxMessageSizeBytes)
	}
	if len(cfg.SMTP.Listeners) != 1 || cfg.SMTP.Listeners[0].Mode != ModeSMTPSubmission {
		t.Errorf("unexpected smtp listeners: %+v", cfg.SMTP.Listeners)
	}

	// IMAP section was absent from the file; it should retain defaults.
	if len(cfg.IMAP.Listeners) != 1 || cfg.IMAP.Listeners[0].Mode != ModeIMAP {
		t.Errorf("imap listeners should fall back to defaults, got %+v", cfg.IMAP.Listeners)
	}
}

func TestLoadMalformedTOML(t *testing.T) {
	path := createTempConfig(t, "this is not [ valid toml")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed TOML, got nil")
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := Default()
	f := &Flags{
		Hostname:       "flagged.example.com",
		LogLevel:       "warn",
		StoreDSN:       "sqlite:///tmp/flag.db",
		TLSCert:        "/tmp/cert.pem",
		TLSKey:         "/tmp/key.pem",
		MaxConnections: 42,
	}

	cfg = ApplyFlags(cfg, f)

	if cfg.Server.Hostname != "flagged.example.com" {
		t.Errorf("hostname = %q, want flag override", cfg.Server.Hostname)
	}
	if cfg.Server.LogLevel != "warn" {
		t.Errorf("log_level = %q, want 'warn'", cfg.Server.LogLevel)
	}
	if cfg.Server.StoreDSN != "sqlite:///tmp/flag.db" {
		t.Errorf("store_dsn = %q, want flag override", cfg.Server.StoreDSN)
	}
	if cfg.Server.TLS.CertFile != "/tmp/cert.pem" {
		t.Errorf("tls.cert_file = %q, want flag override", cfg.Server.TLS.CertFile)
	}
	if cfg.SMTP.Limits.MaxConnections != 42 {
		t.Errorf("smtp.limits.max_connections = %d, want 42", cfg.SMTP.Limits.MaxConnections)
	}
}

func TestApplyFlagsZeroValuesDoNotOverride(t *testing.T) {
	cfg := Default()
	original := cfg.Server.Hostname

	cfg = ApplyFlags(cfg, &Flags{})

	if cfg.Server.Hostname != original {
		t.Errorf("hostname changed with empty flags: %q -> %q", original, cfg.Server.Hostname)
	}
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	return path
}
