package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// MemoryStore is an in-memory record store for tests. It follows the same
// contract as Database.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*models.User
	states map[int64]models.Conversation
	deals  map[int64]*models.Deal
	nextID int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*models.User),
		states: make(map[int64]models.Conversation),
		deals:  make(map[int64]*models.Deal),
	}
}

// UpsertUser registers a user or refreshes the chat id of an existing one.
// A renamed chat keeps its wallet under the new username.
func (m *MemoryStore) UpsertUser(ctx context.Context, username string, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[username]; ok {
		u.ChatID = chatID
	} else if old := m.userByChatID(chatID); old != nil {
		delete(m.users, old.Username)
		old.Username = username
		m.users[username] = old
	} else {
		m.users[username] = &models.User{Username: username, ChatID: chatID, CreatedAt: time.Now()}
	}
	for name, u := range m.users {
		if u.ChatID == chatID && name != username {
			delete(m.users, name)
		}
	}
	return nil
}

// GetUser finds a user by username
func (m *MemoryStore) GetUser(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByChatID finds a user by chat id
func (m *MemoryStore) GetUserByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u := m.userByChatID(chatID)
	if u == nil {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) userByChatID(chatID int64) *models.User {
	for _, u := range m.users {
		if u.ChatID == chatID {
			return u
		}
	}
	return nil
}

// SetUserWallet stores the wallet address of a user
func (m *MemoryStore) SetUserWallet(ctx context.Context, chatID int64, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.userByChatID(chatID)
	if u == nil {
		return models.ErrNotFound
	}
	u.WalletAddress = address
	return nil
}

// GetUserState returns the conversation of a user, nil when idle or unknown
func (m *MemoryStore) GetUserState(ctx context.Context, chatID int64) (models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.states[chatID], nil
}

// SetUserState stores the conversation of a registered user; nil clears it
func (m *MemoryStore) SetUserState(ctx context.Context, chatID int64, c models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.userByChatID(chatID) == nil {
		return models.ErrNotFound
	}
	if c == nil {
		delete(m.states, chatID)
		return nil
	}
	m.states[chatID] = c
	return nil
}

// CreateDeal creates a minimal deal for the seller and returns its id
func (m *MemoryStore) CreateDeal(ctx context.Context, sellerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := time.Now()
	m.deals[m.nextID] = &models.Deal{ID: m.nextID, SellerID: sellerID, CreatedAt: now, UpdatedAt: now}
	return m.nextID, nil
}

// GetDeal retrieves a deal by id
func (m *MemoryStore) GetDeal(ctx context.Context, id int64) (*models.Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// GetDealsForUser lists the deals a chat is party to, oldest first
func (m *MemoryStore) GetDealsForUser(ctx context.Context, chatID int64) ([]*models.Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Deal
	for _, d := range m.deals {
		if d.IsParty(chatID) {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateDeal overwrites an open deal
func (m *MemoryStore) UpdateDeal(ctx context.Context, deal *models.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.deals[deal.ID]
	if !ok || stored.Closed {
		return models.ErrNotFound
	}
	cp := *deal
	cp.Closed = false
	cp.UpdatedAt = time.Now()
	m.deals[deal.ID] = &cp
	return nil
}

// CloseDeal marks a deposited deal as closed
func (m *MemoryStore) CloseDeal(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[id]
	if !ok || !d.Deposited {
		return models.ErrNotFound
	}
	d.Closed = true
	d.UpdatedAt = time.Now()
	return nil
}

// DeleteDeal removes a deal that holds no deposit
func (m *MemoryStore) DeleteDeal(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[id]
	if !ok || d.Deposited || d.Closed {
		return models.ErrNotFound
	}
	delete(m.deals, id)
	return nil
}
