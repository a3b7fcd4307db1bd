// Package store provides an in-memory DataProviderFactory for tests.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/xmppbridge/pkg/datastore"
	"github.com/NicolasHaas/xmppbridge/pkg/model"
)

var _ datastore.DataProviderFactory = (*MemoryStore)(nil)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextMessageID int64

	accounts map[string]*model.Account
	messages []model.Message
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:           now,
		nextMessageID: 1,
		accounts:      make(map[string]*model.Account),
	}
}

// NonTx returns the store itself; every call applies immediately.
func (s *MemoryStore) NonTx() datastore.DataStore {
	return s
}

// Tx snapshots the store. Rollback restores the snapshot, Commit drops it.
// Concurrent writers during a transaction are not isolated.
func (s *MemoryStore) Tx(_ context.Context) (datastore.DataStoreTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &memorySnapshot{
		nextMessageID: s.nextMessageID,
		accounts:      make(map[string]model.Account, len(s.accounts)),
		messages:      append([]model.Message(nil), s.messages...),
	}
	for k, v := range s.accounts {
		snap.accounts[k] = *v
	}
	return &memoryTx{MemoryStore: s, snap: snap}, nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

type memorySnapshot struct {
	nextMessageID int64
	accounts      map[string]model.Account
	messages      []model.Message
}

type memoryTx struct {
	*MemoryStore
	snap *memorySnapshot
}

func (t *memoryTx) Commit() error {
	t.snap = nil
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.snap == nil {
		return nil
	}
	s := t.MemoryStore
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMessageID = t.snap.nextMessageID
	s.accounts = make(map[string]*model.Account, len(t.snap.accounts))
	for k, v := range t.snap.accounts {
		a := v
		s.accounts[k] = &a
	}
	s.messages = t.snap.messages
	t.snap = nil
	return nil
}

// ---- Accounts ----

func (s *MemoryStore) CreateAccount(_ context.Context, username, passwordHash string) (*model.Account, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}
	if passwordHash == "" {
		return nil, fmt.Errorf("datastore: create account: %w", model.ErrPasswordEmpty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[username]; exists {
		return nil, fmt.Errorf("datastore: create account %q: %w", username, datastore.ErrAccountExists)
	}
	acc := &model.Account{
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC().Truncate(time.Second),
	}
	s.accounts[username] = acc
	copyAcc := *acc
	return &copyAcc, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, username string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[username]
	if !ok {
		return nil, nil
	}
	copyAcc := *acc
	return &copyAcc, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]model.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		accounts = append(accounts, *acc)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Username < accounts[j].Username
	})
	return accounts, nil
}

func (s *MemoryStore) UpdatePassword(_ context.Context, username, passwordHash string) error {
	if passwordHash == "" {
		return fmt.Errorf("datastore: update password: %w", model.ErrPasswordEmpty)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[username]
	if !ok {
		return fmt.Errorf("datastore: update password %q: %w", username, datastore.ErrAccountNotFound)
	}
	acc.PasswordHash = passwordHash
	return nil
}

func (s *MemoryStore) DeleteAccount(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, username)
	return nil
}

// ---- Messages ----

func (s *MemoryStore) CreateMessage(_ context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	message.ID = s.nextMessageID
	message.CreatedAt = s.now().UTC().Truncate(time.Second)
	s.nextMessageID++
	s.messages = append(s.messages, *message)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, filters model.MessageFilters) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := int64(100)
	if filters.PageSize != nil {
		limit = *filters.PageSize
	}
	var offset int64
	if filters.Offset != nil {
		offset = *filters.Offset
	}

	var out []model.Message
	var skipped int64
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if filters.Username != nil && m.From != *filters.Username && m.To != *filters.Username {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit >= 0 && int64(len(out)) >= limit {
			break
		}
		out = append(out, m)
	}
	return out, nil
}
