package datastore

import (
	"context"
	"errors"

	"github.com/NicolasHaas/xmppbridge/pkg/model"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for accounts and the relayed
// message log. The default implementation is SQLite; pkg/store provides an
// in-memory equivalent for tests.
type DataStore interface {
	ConfigReadProvider

	AccountReadProvider
	AccountWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigReadProvider interface {
	Close() error
}

type AccountReadProvider interface {
	// GetAccount returns (nil, nil) if the account does not exist.
	GetAccount(ctx context.Context, username string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

type AccountWriteProvider interface {
	// CreateAccount stores a new account. passwordHash must already be hashed.
	CreateAccount(ctx context.Context, username, passwordHash string) (*model.Account, error)
	UpdatePassword(ctx context.Context, username, passwordHash string) error
	DeleteAccount(ctx context.Context, username string) error
}

type MessageReadProvider interface {
	ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error)
}

type MessageWriteProvider interface {
	CreateMessage(ctx context.Context, message *model.Message) error
}
