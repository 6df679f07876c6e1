// Package account handles user registration, login, and presence stamps.
// Passwords are stored as bcrypt hashes; browser sessions are opaque random
// tokens kept in memory, so a restart simply signs everyone out.
package account

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/voxlink-app/voxlink/internal/store"
)

var (
	ErrEmailTaken     = errors.New("account: email already registered")
	ErrBadCredentials = errors.New("account: invalid email or password")
	ErrNotFound       = errors.New("account: user not found")
)

const minPasswordLen = 6

// User is one registered account.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	LastSeen    time.Time `json:"last_seen"`
	CreatedAt   time.Time `json:"created_at"`
}

// Manager owns accounts and login sessions.
type Manager struct {
	db *store.DB

	mu       sync.RWMutex
	sessions map[string]string // token -> user id
}

// NewManager creates an account manager on db.
func NewManager(db *store.DB) *Manager {
	return &Manager{db: db, sessions: make(map[string]string)}
}

// Register creates a new account. The display name defaults to the part of
// the email before the @.
func (m *Manager) Register(ctx context.Context, email, password, displayName string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("account: bad email %q", email)
	}
	if len(password) < minPasswordLen {
		return User{}, fmt.Errorf("account: password must be at least %d characters", minPasswordLen)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("account: hash password: %w", err)
	}

	u := User{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	err = m.db.Tx(func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRow(`SELECT id FROM users WHERE email = ?`, email).Scan(&existing)
		if err == nil {
			return ErrEmailTaken
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("account: check email: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO users (id, email, password_hash, display_name, last_seen, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			u.ID, u.Email, string(hash), u.DisplayName, u.CreatedAt, u.CreatedAt)
		if err != nil {
			return fmt.Errorf("account: insert user: %w", err)
		}
		return nil
	})
	if err != nil {
		return User{}, err
	}
	u.LastSeen = u.CreatedAt
	return u, nil
}

// Login verifies credentials and returns the user plus a fresh session
// token. The failure mode never says which of email or password was wrong.
func (m *Manager) Login(ctx context.Context, email, password string) (User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	row := m.db.QueryRow(`SELECT id, password_hash FROM users WHERE email = ?`, email)
	var id, hash string
	if err := row.Scan(&id, &hash); err != nil {
		if err == sql.ErrNoRows {
			return User{}, "", ErrBadCredentials
		}
		return User{}, "", fmt.Errorf("account: read user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, "", ErrBadCredentials
	}

	if err := m.Touch(ctx, id); err != nil {
		return User{}, "", err
	}
	u, err := m.ByID(ctx, id)
	if err != nil {
		return User{}, "", err
	}

	token := newToken()
	m.mu.Lock()
	m.sessions[token] = id
	m.mu.Unlock()
	return u, token, nil
}

// Logout invalidates a session token. Unknown tokens are ignored.
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

// UserByToken resolves a session token to its user.
func (m *Manager) UserByToken(ctx context.Context, token string) (User, error) {
	m.mu.RLock()
	id, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return User{}, ErrNotFound
	}
	return m.ByID(ctx, id)
}

// UpdateProfile changes the user's display name and returns the updated
// record. Friends see the new name on their next list read.
func (m *Manager) UpdateProfile(ctx context.Context, userID, displayName string) (User, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return User{}, fmt.Errorf("account: display name required")
	}

	res, err := m.db.Exec(`UPDATE users SET display_name = ? WHERE id = ?`, displayName, userID)
	if err != nil {
		return User{}, fmt.Errorf("account: update profile: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return User{}, ErrNotFound
	}
	return m.ByID(ctx, userID)
}

// Touch stamps the user's last-seen time, used as a coarse presence signal.
func (m *Manager) Touch(ctx context.Context, userID string) error {
	_, err := m.db.Exec(`UPDATE users SET last_seen = ? WHERE id = ?`, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("account: touch: %w", err)
	}
	return nil
}

// ByID fetches a user by id.
func (m *Manager) ByID(ctx context.Context, id string) (User, error) {
	return m.scanUser(m.db.QueryRow(`
		SELECT id, email, display_name, last_seen, created_at
		FROM users WHERE id = ?`, id))
}

// ByEmail fetches a user by email.
func (m *Manager) ByEmail(ctx context.Context, email string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return m.scanUser(m.db.QueryRow(`
		SELECT id, email, display_name, last_seen, created_at
		FROM users WHERE email = ?`, email))
}

func (m *Manager) scanUser(row *sql.Row) (User, error) {
	var u User
	var lastSeen sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &lastSeen, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("account: read user: %w", err)
	}
	if lastSeen.Valid {
		u.LastSeen = lastSeen.Time
	}
	return u, nil
}

func newToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
