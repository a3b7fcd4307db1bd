package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/xmppbridge/pkg/datastore"
	"github.com/NicolasHaas/xmppbridge/pkg/logging"
	"github.com/NicolasHaas/xmppbridge/pkg/model"
	"github.com/NicolasHaas/xmppbridge/pkg/xmppclient"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "XMPPBRIDGE_"

// XMPPConfig describes the upstream XMPP server.
type XMPPConfig struct {
	Domain        string        `yaml:"domain"          env:"DOMAIN"`
	Addr          string        `yaml:"addr"            env:"ADDR"` // host:port, empty = SRV lookup
	TLSSkipVerify bool          `yaml:"tls_skip_verify" env:"TLS_SKIP_VERIFY"`
	Timeout       time.Duration `yaml:"timeout"         env:"TIMEOUT"`
}

// Config holds bridge configuration.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"          env:"LISTEN_ADDR"`  // HTTP bind address for /chat
	MetricsAddr    string        `yaml:"metrics_addr"         env:"METRICS_ADDR"` // /metrics, /healthz, /version (empty = disabled)
	DBPath         string        `yaml:"db_path"              env:"DB_PATH"`
	AllowedOrigins []string      `yaml:"allowed_origins"      env:"ALLOWED_ORIGINS" envSeparator:","` // empty = any origin
	MetricsLog     time.Duration `yaml:"metrics_log_interval" env:"METRICS_LOG_INTERVAL"`

	// TLS for the chat listener. With TLS set and no cert/key given a
	// self-signed pair is generated in DataDir.
	TLS      bool   `yaml:"tls"       env:"TLS"`
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file"  env:"KEY_FILE"`
	DataDir  string `yaml:"data_dir"  env:"DATA_DIR"`

	LogLevel  string `yaml:"log_level"  env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	XMPP XMPPConfig `yaml:"xmpp" envPrefix:"XMPP_"`

	// CLI-only actions (run and exit)
	ExportAccounts bool `yaml:"-"`
	ExportMessages bool `yaml:"-"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":8080",
		MetricsAddr: ":9602",
		DBPath:      "xmppbridge.db",
		DataDir:     ".",
		MetricsLog:  60 * time.Second,
		LogLevel:    "info",
		LogFormat:   "text",
		XMPP: XMPPConfig{
			Domain:  "localhost",
			Addr:    "localhost:5222",
			Timeout: 30 * time.Second,
		},
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys missing from
// the file keep their current value.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overlays XMPPBRIDGE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listen_addr is required")
	}
	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}
	if c.XMPP.Domain == "" {
		return errors.New("config: xmpp.domain is required")
	}
	if c.XMPP.Timeout <= 0 {
		return errors.New("config: xmpp.timeout must be positive")
	}
	if err := logging.Validate(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// XMPPClientConfig converts the XMPP section for xmppclient.NewDialer.
func (c Config) XMPPClientConfig() xmppclient.Config {
	return xmppclient.Config{
		Domain:        c.XMPP.Domain,
		Addr:          c.XMPP.Addr,
		TLSSkipVerify: c.XMPP.TLSSkipVerify,
		Timeout:       c.XMPP.Timeout,
	}
}

// AccountYAML represents an account in YAML export. Password hashes are
// never exported.
type AccountYAML struct {
	Username  string `yaml:"username"`
	CreatedAt string `yaml:"created_at"`
}

// AccountsExport is the top-level YAML for account export.
type AccountsExport struct {
	Accounts []AccountYAML `yaml:"accounts"`
}

// MessageYAML represents a relayed message in YAML export.
type MessageYAML struct {
	ID        int64  `yaml:"id"`
	Direction string `yaml:"direction"`
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Body      string `yaml:"body"`
	CreatedAt string `yaml:"created_at"`
}

// MessagesExport is the top-level YAML for message export.
type MessagesExport struct {
	Messages []MessageYAML `yaml:"messages"`
}

// ExportAccountsYAML exports all accounts as YAML.
func ExportAccountsYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	export := AccountsExport{}
	for _, a := range accounts {
		export.Accounts = append(export.Accounts, AccountYAML{
			Username:  a.Username,
			CreatedAt: a.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}

// ExportMessagesYAML exports the relayed message log as YAML, newest first.
func ExportMessagesYAML(ctx context.Context, st datastore.DataStore, filters model.MessageFilters) ([]byte, error) {
	messages, err := st.ListMessages(ctx, filters)
	if err != nil {
		return nil, err
	}

	export := MessagesExport{}
	for _, m := range messages {
		export.Messages = append(export.Messages, MessageYAML{
			ID:        m.ID,
			Direction: string(m.Direction),
			From:      m.From,
			To:        m.To,
			Body:      m.Body,
			CreatedAt: m.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}
