package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/NicolasHaas/xmppbridge/pkg/datastore"
	"github.com/NicolasHaas/xmppbridge/pkg/logging"
	"github.com/NicolasHaas/xmppbridge/pkg/model"
	"github.com/NicolasHaas/xmppbridge/pkg/server"
	"github.com/NicolasHaas/xmppbridge/pkg/store"
	"github.com/NicolasHaas/xmppbridge/pkg/version"
	"github.com/NicolasHaas/xmppbridge/pkg/xmppclient"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("xmppbridge", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := server.DefaultConfig()

	// Layering: defaults, then -config file, then XMPPBRIDGE_* env, then flags.
	if path := configPath(args); path != "" {
		if err := server.LoadConfigFile(path, &cfg); err != nil {
			return err
		}
	}
	if err := server.ApplyEnv(&cfg); err != nil {
		return err
	}

	fs := flag.NewFlagSet("xmppbridge", flag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP bind address for the /chat WebSocket endpoint")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for /metrics, /healthz and /version (empty to disable)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path (\":memory:\" for an ephemeral store)")
	fs.BoolVar(&cfg.TLS, "tls", cfg.TLS, "Serve the chat endpoint over TLS")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file (auto-generated if empty)")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS private key file (auto-generated if empty)")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	origins := fs.String("origins", strings.Join(cfg.AllowedOrigins, ","), "Comma-separated allowed WebSocket origins (empty allows all)")
	fs.StringVar(&cfg.XMPP.Domain, "xmpp-domain", cfg.XMPP.Domain, "XMPP domain users live on")
	fs.StringVar(&cfg.XMPP.Addr, "xmpp-addr", cfg.XMPP.Addr, "XMPP server host:port (empty for DNS SRV lookup)")
	fs.BoolVar(&cfg.XMPP.TLSSkipVerify, "xmpp-insecure", cfg.XMPP.TLSSkipVerify, "Skip XMPP certificate verification (development only)")
	fs.DurationVar(&cfg.XMPP.Timeout, "xmpp-timeout", cfg.XMPP.Timeout, "Timeout for XMPP connect, login and sends")
	fs.DurationVar(&cfg.MetricsLog, "metrics-log", cfg.MetricsLog, "Interval for metrics log summaries (0 to disable)")
	fs.BoolVar(&cfg.ExportAccounts, "export-accounts", false, "Export all accounts as YAML and exit")
	fs.BoolVar(&cfg.ExportMessages, "export-messages", false, "Export the relayed message log as YAML and exit")
	exportUser := fs.String("export-user", "", "Only export messages from or to this user")
	deleteAccount := fs.String("delete-account", "", "Delete the stored account record for this user and exit")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: "+logging.LevelNames())
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println(version.Full())
		return nil
	}
	if *origins != "" {
		cfg.AllowedOrigins = strings.Split(*origins, ",")
	} else {
		cfg.AllowedOrigins = nil
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := openStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// Handle admin commands (run and exit)
	cmds := adminCommands{
		exportAccounts: cfg.ExportAccounts,
		exportMessages: cfg.ExportMessages,
		exportUser:     *exportUser,
		deleteAccount:  *deleteAccount,
	}
	if cmds.any() {
		defer func() { _ = st.Close() }()
		return cmds.run(context.Background(), st.NonTx(), os.Stdout)
	}

	dialer, err := xmppclient.NewDialer(cfg.XMPPClientConfig())
	if err != nil {
		_ = st.Close()
		return err
	}

	srv := server.New(cfg, server.Dependencies{Store: st, XMPP: dialer})
	return srv.Run()
}

type closableStore interface {
	datastore.DataProviderFactory
	Close() error
}

// openStore opens the SQLite database at path. MemoryPath selects the
// in-memory store instead, for throwaway runs.
func openStore(path string) (closableStore, error) {
	if path == datastore.MemoryPath {
		slog.Warn("using in-memory store: accounts and message log are lost on exit")
		return store.NewMemory(), nil
	}
	st, err := datastore.NewProviderFactory(path)
	if err != nil {
		return nil, err
	}
	return st, nil
}

type adminCommands struct {
	exportAccounts bool
	exportMessages bool
	exportUser     string
	deleteAccount  string
}

func (c adminCommands) any() bool {
	return c.exportAccounts || c.exportMessages || c.deleteAccount != ""
}

func (c adminCommands) run(ctx context.Context, st datastore.DataStore, w io.Writer) error {
	if c.deleteAccount != "" {
		account, err := st.GetAccount(ctx, c.deleteAccount)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		if account == nil {
			return fmt.Errorf("delete account %q: %w", c.deleteAccount, datastore.ErrAccountNotFound)
		}
		if err := st.DeleteAccount(ctx, c.deleteAccount); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		fmt.Fprintf(w, "deleted account %s\n", c.deleteAccount)
	}
	if c.exportAccounts {
		data, err := server.ExportAccountsYAML(ctx, st)
		if err != nil {
			return fmt.Errorf("export accounts: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	if c.exportMessages {
		var filters model.MessageFilters
		if c.exportUser != "" {
			filters.Username = &c.exportUser
		}
		data, err := server.ExportMessagesYAML(ctx, st, filters)
		if err != nil {
			return fmt.Errorf("export messages: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// configPath finds -config ahead of full flag parsing so the file can sit
// below env vars and flags.
func configPath(args []string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
