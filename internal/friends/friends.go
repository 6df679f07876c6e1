// Package friends keeps each user's contact list. Adding a friend by email
// links both directions at once, so the other side sees the new contact
// without any invite round-trip.
package friends

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voxlink-app/voxlink/internal/store"
)

var (
	ErrNotFound = errors.New("friends: no user with that email")
	ErrSelf     = errors.New("friends: cannot add yourself")
)

// Friend is one entry in a user's contact list, joined with the friend's
// current profile.
type Friend struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	LastSeen    time.Time `json:"last_seen"`
	AddedAt     time.Time `json:"added_at"`
}

// Manager owns the friends table and per-user change notifications.
type Manager struct {
	db *store.DB

	mu        sync.RWMutex
	nextWatch int
	watchers  map[string]map[int]chan struct{} // user id -> watch id -> ping
}

// NewManager creates a friends manager on db.
func NewManager(db *store.DB) *Manager {
	return &Manager{db: db, watchers: make(map[string]map[int]chan struct{})}
}

// Add links userID with the account registered under friendEmail, in both
// directions. Adding an existing friend is a no-op that returns the entry.
func (m *Manager) Add(ctx context.Context, userID, friendEmail string) (Friend, error) {
	friendEmail = strings.ToLower(strings.TrimSpace(friendEmail))

	var friendID string
	row := m.db.QueryRow(`SELECT id FROM users WHERE email = ?`, friendEmail)
	if err := row.Scan(&friendID); err != nil {
		if err == sql.ErrNoRows {
			return Friend{}, ErrNotFound
		}
		return Friend{}, fmt.Errorf("friends: look up %s: %w", friendEmail, err)
	}
	if friendID == userID {
		return Friend{}, ErrSelf
	}

	now := time.Now().UTC()
	err := m.db.Tx(func(tx *sql.Tx) error {
		var selfEmail string
		if err := tx.QueryRow(`SELECT email FROM users WHERE id = ?`, userID).Scan(&selfEmail); err != nil {
			return fmt.Errorf("friends: look up self: %w", err)
		}
		for _, pair := range [][3]string{
			{userID, friendID, friendEmail},
			{friendID, userID, selfEmail},
		} {
			if _, err := tx.Exec(`
				INSERT INTO friends (user_id, friend_id, friend_email, added_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (user_id, friend_id) DO NOTHING`,
				pair[0], pair[1], pair[2], now); err != nil {
				return fmt.Errorf("friends: link %s -> %s: %w", pair[0], pair[1], err)
			}
		}
		return nil
	})
	if err != nil {
		return Friend{}, err
	}

	m.notify(userID)
	m.notify(friendID)

	list, err := m.List(ctx, userID)
	if err != nil {
		return Friend{}, err
	}
	for _, f := range list {
		if f.UserID == friendID {
			return f, nil
		}
	}
	return Friend{}, fmt.Errorf("friends: entry vanished after add")
}

// List returns userID's friends, newest first.
func (m *Manager) List(ctx context.Context, userID string) ([]Friend, error) {
	rows, err := m.db.Query(`
		SELECT f.friend_id, u.email, u.display_name, u.last_seen, f.added_at
		FROM friends f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		ORDER BY f.added_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("friends: list: %w", err)
	}
	defer rows.Close()

	var out []Friend
	for rows.Next() {
		var f Friend
		var lastSeen sql.NullTime
		if err := rows.Scan(&f.UserID, &f.Email, &f.DisplayName, &lastSeen, &f.AddedAt); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			f.LastSeen = lastSeen.Time
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Watch pings the returned channel whenever userID's friend list changes.
// The channel never blocks the writer; coalesced pings are fine since the
// consumer re-reads the whole list anyway.
func (m *Manager) Watch(userID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	id := m.nextWatch
	m.nextWatch++
	if m.watchers[userID] == nil {
		m.watchers[userID] = make(map[int]chan struct{})
	}
	m.watchers[userID][id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers[userID], id)
			m.mu.Unlock()
		})
	}
	return ch, cancel
}

func (m *Manager) notify(userID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.watchers[userID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
