// Package chat persists direct messages between friends. Each pair of users
// shares one conversation whose id is derived from the two user ids, so both
// sides always compute the same thread without coordination.
package chat

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/voxlink-app/voxlink/internal/store"
)

const defaultHistoryLimit = 50

// Message is one chat message, rendered and ready to display.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	HTML           string    `json:"html"`
	AttachmentPath string    `json:"attachment_path,omitempty"`
	AttachmentMime string    `json:"attachment_mime,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationID returns the shared thread id for two users: the ids sorted
// and joined, so both sides derive the same value.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// Manager owns chat persistence, markdown rendering, and live message
// fan-out per conversation.
type Manager struct {
	db       *store.DB
	dataDir  string
	markdown goldmark.Markdown

	mu        sync.RWMutex
	nextWatch int
	subs      map[string]map[int]chan Message // conversation id -> watch id -> ch
}

// NewManager creates a chat manager. Attachments are stored under
// dataDir/attachments.
func NewManager(db *store.DB, dataDir string) *Manager {
	return &Manager{
		db:      db,
		dataDir: dataDir,
		// Raw HTML in message bodies stays escaped; only markdown becomes markup.
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		subs:     make(map[string]map[int]chan Message),
	}
}

// Send stores a message from senderID to peerID and notifies subscribers of
// the conversation.
func (m *Manager) Send(ctx context.Context, senderID, peerID, body string) (Message, error) {
	return m.send(ctx, senderID, peerID, body, "", "")
}

// SendAttachment stores a message carrying a file previously saved with
// SaveAttachment. The body may be empty.
func (m *Manager) SendAttachment(ctx context.Context, senderID, peerID, body, path, mimeType string) (Message, error) {
	if path == "" {
		return Message{}, fmt.Errorf("chat: attachment path required")
	}
	return m.send(ctx, senderID, peerID, body, path, mimeType)
}

func (m *Manager) send(ctx context.Context, senderID, peerID, body, attPath, attMime string) (Message, error) {
	body = strings.TrimRight(body, "\n ")
	if body == "" && attPath == "" {
		return Message{}, fmt.Errorf("chat: empty message")
	}
	if senderID == peerID {
		return Message{}, fmt.Errorf("chat: cannot message yourself")
	}

	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: ConversationID(senderID, peerID),
		SenderID:       senderID,
		Body:           body,
		AttachmentPath: attPath,
		AttachmentMime: attMime,
		CreatedAt:      time.Now().UTC(),
	}
	msg.HTML = m.render(body)

	err := m.db.Tx(func(tx *sql.Tx) error {
		a, b := senderID, peerID
		if a > b {
			a, b = b, a
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, member_a, member_b, last_message, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET last_message = excluded.last_message,
				updated_at = excluded.updated_at`,
			msg.ConversationID, a, b, body, msg.CreatedAt); err != nil {
			return fmt.Errorf("chat: upsert conversation: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (id, conversation_id, sender_id, body,
				attachment_path, attachment_mime, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.Body,
			msg.AttachmentPath, msg.AttachmentMime, msg.CreatedAt); err != nil {
			return fmt.Errorf("chat: insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	m.notify(msg)
	return msg, nil
}

// History returns the most recent messages between two users in
// chronological order. limit <= 0 uses the default of 50.
func (m *Manager) History(ctx context.Context, userID, peerID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	convID := ConversationID(userID, peerID)

	rows, err := m.db.Query(`
		SELECT id, sender_id, body, attachment_path, attachment_mime, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg := Message{ConversationID: convID}
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.Body,
			&msg.AttachmentPath, &msg.AttachmentMime, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.HTML = m.render(msg.Body)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; flip to display order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Subscribe delivers every new message in the conversation between the two
// users. Slow consumers drop messages; they can refetch history.
func (m *Manager) Subscribe(userID, peerID string) (<-chan Message, func()) {
	convID := ConversationID(userID, peerID)
	ch := make(chan Message, 32)

	m.mu.Lock()
	id := m.nextWatch
	m.nextWatch++
	if m.subs[convID] == nil {
		m.subs[convID] = make(map[int]chan Message)
	}
	m.subs[convID][id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[convID], id)
			m.mu.Unlock()
		})
	}
	return ch, cancel
}

// SaveAttachment writes an uploaded file under the data directory and
// returns its relative path and sniffed MIME type.
func (m *Manager) SaveAttachment(filename string, r io.Reader) (string, string, error) {
	dir := filepath.Join(m.dataDir, "attachments")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("chat: attachment dir: %w", err)
	}

	ext := filepath.Ext(filename)
	name := uuid.NewString() + ext
	dst := filepath.Join(dir, name)

	f, err := os.Create(dst)
	if err != nil {
		return "", "", fmt.Errorf("chat: create attachment: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(dst)
		return "", "", fmt.Errorf("chat: write attachment: %w", err)
	}

	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return filepath.Join("attachments", name), mimeType, nil
}

// AttachmentPath resolves a stored attachment path under the data dir,
// refusing anything that escapes it.
func (m *Manager) AttachmentPath(rel string) (string, error) {
	clean := filepath.Clean(rel)
	if clean != rel || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("chat: bad attachment path %q", rel)
	}
	return filepath.Join(m.dataDir, clean), nil
}

func (m *Manager) render(body string) string {
	if body == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(body), &buf); err != nil {
		return ""
	}
	return buf.String()
}

func (m *Manager) notify(msg Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[msg.ConversationID] {
		select {
		case ch <- msg:
		default:
		}
	}
}
