package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/xmppbridge/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory hands out SQLite-backed DataStores.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}
	if dbPath == MemoryPath {
		// every pooled connection would otherwise see its own empty database
		DB.SetMaxOpenConns(1)
	}

	ctx := context.Background()

	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(ctx); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		username      TEXT NOT NULL PRIMARY KEY CHECK(length(username) > 0 AND length(username) <= 32),
		password_hash TEXT NOT NULL CHECK(length(password_hash) > 0),
		created_at    TEXT NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		direction  TEXT    NOT NULL CHECK(direction IN ('in', 'out')),
		sender     TEXT    NOT NULL DEFAULT '',
		recipient  TEXT    NOT NULL DEFAULT '',
		body       TEXT    NOT NULL DEFAULT '',
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS messages_sender ON messages (sender)",
				"CREATE INDEX IF NOT EXISTS messages_recipient ON messages (recipient)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---- Accounts ----

// CreateAccount stores a new account. The username is validated; the hash is
// stored as given.
func (s *baseProvider) CreateAccount(ctx context.Context, username, passwordHash string) (*model.Account, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}
	if passwordHash == "" {
		return nil, fmt.Errorf("datastore: create account: %w", model.ErrPasswordEmpty)
	}
	_, err := s.ExecContext(ctx, "INSERT INTO accounts (username, password_hash) VALUES (?, ?)", username, passwordHash)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("datastore: create account %q: %w", username, ErrAccountExists)
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}
	return &model.Account{
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}, nil
}

// GetAccount retrieves an account by username.
func (s *baseProvider) GetAccount(ctx context.Context, username string) (*model.Account, error) {
	a := &model.Account{}
	var createdAt string
	err := s.QueryRowContext(ctx, "SELECT username, password_hash, created_at FROM accounts WHERE username = ?", username).
		Scan(&a.Username, &a.PasswordHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get account: %w", err)
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get account: %w", err)
	}
	a.CreatedAt = parsed
	return a, nil
}

// ListAccounts returns all accounts ordered by username.
func (s *baseProvider) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.QueryContext(ctx, "SELECT username, password_hash, created_at FROM accounts ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("datastore: list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var createdAt string
		if err := rows.Scan(&a.Username, &a.PasswordHash, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan account: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan account: %w", err)
		}
		a.CreatedAt = parsed
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdatePassword replaces the stored hash of an existing account.
func (s *baseProvider) UpdatePassword(ctx context.Context, username, passwordHash string) error {
	if passwordHash == "" {
		return fmt.Errorf("datastore: update password: %w", model.ErrPasswordEmpty)
	}
	res, err := s.ExecContext(ctx, "UPDATE accounts SET password_hash = ? WHERE username = ?", passwordHash, username)
	if err != nil {
		return fmt.Errorf("datastore: update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: update password %q: %w", username, ErrAccountNotFound)
	}
	return nil
}

// DeleteAccount removes an account. Deleting a missing account is not an error.
func (s *baseProvider) DeleteAccount(ctx context.Context, username string) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM accounts WHERE username = ?", username); err != nil {
		return fmt.Errorf("datastore: delete account: %w", err)
	}
	return nil
}

// ---- Messages ----

func (s *baseProvider) CreateMessage(ctx context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}

	res, err := s.ExecContext(ctx,
		"INSERT INTO messages (direction, sender, recipient, body) VALUES (?, ?, ?, ?)",
		string(message.Direction), message.From, message.To, message.Body)
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}
	message.ID, _ = res.LastInsertId()
	message.CreatedAt = time.Now().UTC().Truncate(time.Second)

	return nil
}

// ListMessages returns relayed messages, newest first.
func (s *baseProvider) ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error) {
	query := `
		SELECT id, direction, sender, recipient, body, created_at
		FROM messages
		WHERE (? IS NULL OR sender = ? OR recipient = ?)
		ORDER BY id DESC
		LIMIT COALESCE(?, 100)
		OFFSET COALESCE(?, 0)
	`

	rows, err := s.QueryContext(ctx, query,
		filters.Username, filters.Username, filters.Username,
		filters.PageSize,
		filters.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var direction, createdAt string
		if err := rows.Scan(&m.ID, &direction, &m.From, &m.To, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.Direction = model.Direction(direction)
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.CreatedAt = parsed
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
