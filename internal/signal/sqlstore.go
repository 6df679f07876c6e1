package signal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/voxlink-app/voxlink/internal/store"
)

// SQLStore implements Store on the app database. Watches are in-process:
// every write notifies registered listeners after it commits. Subscribers
// additionally get a snapshot of the current state on registration, so the
// same change can be observed twice — consumers are required to be
// idempotent (see Store docs).
type SQLStore struct {
	db *store.DB

	mu        sync.RWMutex
	nextWatch int
	callWatch map[string]map[int]func(CallRecord)
	candWatch map[candKey]map[int]func(CandidateRecord)
	inWatch   map[string]map[int]func(CallRecord)
}

type candKey struct {
	callID string
	role   Role
}

// NewSQLStore creates a call record store backed by db.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{
		db:        db,
		callWatch: make(map[string]map[int]func(CallRecord)),
		candWatch: make(map[candKey]map[int]func(CandidateRecord)),
		inWatch:   make(map[string]map[int]func(CallRecord)),
	}
}

var _ Store = (*SQLStore)(nil)

// CreateCall implements Store.
func (s *SQLStore) CreateCall(ctx context.Context, rec CallRecord) (string, error) {
	if rec.Offer == nil {
		return "", fmt.Errorf("signal: create call without offer")
	}
	if !rec.Type.Valid() {
		return "", fmt.Errorf("signal: unknown call type %q", rec.Type)
	}

	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO calls (id, caller_id, callee_id, caller_name, call_type,
			offer_type, offer_sdp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallerID, rec.CalleeID, rec.CallerName, string(rec.Type),
		rec.Offer.Type.String(), rec.Offer.SDP, rec.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("signal: create call: %w", err)
	}

	s.notifyIncoming(rec)
	return rec.ID, nil
}

// GetCall implements Store.
func (s *SQLStore) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	return s.getCall(callID)
}

// UpdateCall implements Store.
func (s *SQLStore) UpdateCall(ctx context.Context, callID string, patch CallPatch) error {
	err := s.db.Tx(func(tx *sql.Tx) error {
		var answerSDP string
		err := tx.QueryRow(`SELECT answer_sdp FROM calls WHERE id = ?`, callID).Scan(&answerSDP)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("signal: read call: %w", err)
		}

		if patch.Answer != nil {
			if answerSDP != "" {
				return ErrAnswerAlreadySet
			}
			if _, err := tx.Exec(`UPDATE calls SET answer_type = ?, answer_sdp = ? WHERE id = ?`,
				patch.Answer.Type.String(), patch.Answer.SDP, callID); err != nil {
				return fmt.Errorf("signal: write answer: %w", err)
			}
		}
		if patch.EndReason != "" {
			// First writer wins; a second end write is a harmless no-op.
			if _, err := tx.Exec(`
				UPDATE calls SET end_reason = ?, ended_at = ?
				WHERE id = ? AND end_reason = ''`,
				patch.EndReason, time.Now().UTC(), callID); err != nil {
				return fmt.Errorf("signal: write end reason: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	rec, err := s.getCall(callID)
	if err != nil {
		return err
	}
	s.notifyCall(rec)
	return nil
}

// AppendCandidate implements Store.
func (s *SQLStore) AppendCandidate(ctx context.Context, callID string, role Role, c webrtc.ICECandidateInit) error {
	var seq int
	err := s.db.Tx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(`
			SELECT COALESCE(MAX(seq), 0) + 1 FROM candidates
			WHERE call_id = ? AND role = ?`, callID, string(role)).Scan(&seq); err != nil {
			return fmt.Errorf("signal: next candidate seq: %w", err)
		}
		var mid, frag any
		var mline any
		if c.SDPMid != nil {
			mid = *c.SDPMid
		}
		if c.SDPMLineIndex != nil {
			mline = int64(*c.SDPMLineIndex)
		}
		if c.UsernameFragment != nil {
			frag = *c.UsernameFragment
		}
		if _, err := tx.Exec(`
			INSERT INTO candidates (call_id, role, seq, candidate, sdp_mid, sdp_mline_index, username_fragment)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			callID, string(role), seq, c.Candidate, mid, mline, frag); err != nil {
			return fmt.Errorf("signal: append candidate: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyCandidate(CandidateRecord{CallID: callID, Role: role, Seq: seq, Candidate: c})
	return nil
}

// WatchCall implements Store.
func (s *SQLStore) WatchCall(callID string, fn func(CallRecord)) (CancelFunc, error) {
	rec, err := s.getCall(callID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	if s.callWatch[callID] == nil {
		s.callWatch[callID] = make(map[int]func(CallRecord))
	}
	s.callWatch[callID][id] = fn
	s.mu.Unlock()

	// Snapshot delivery so a subscriber never misses a write that landed
	// before it registered. Duplicates are the consumer's problem by contract.
	go fn(rec)

	return func() {
		s.mu.Lock()
		delete(s.callWatch[callID], id)
		s.mu.Unlock()
	}, nil
}

// WatchCandidates implements Store.
func (s *SQLStore) WatchCandidates(callID string, role Role, fn func(CandidateRecord)) (CancelFunc, error) {
	existing, err := s.listCandidates(callID, role)
	if err != nil {
		return nil, err
	}

	key := candKey{callID, role}
	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	if s.candWatch[key] == nil {
		s.candWatch[key] = make(map[int]func(CandidateRecord))
	}
	s.candWatch[key][id] = fn
	s.mu.Unlock()

	go func() {
		for _, cr := range existing {
			fn(cr)
		}
	}()

	return func() {
		s.mu.Lock()
		delete(s.candWatch[key], id)
		s.mu.Unlock()
	}, nil
}

// WatchIncoming implements Store.
func (s *SQLStore) WatchIncoming(calleeID string, fn func(CallRecord)) (CancelFunc, error) {
	existing, err := s.listLiveCalls(calleeID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	if s.inWatch[calleeID] == nil {
		s.inWatch[calleeID] = make(map[int]func(CallRecord))
	}
	s.inWatch[calleeID][id] = fn
	s.mu.Unlock()

	go func() {
		for _, rec := range existing {
			fn(rec)
		}
	}()

	return func() {
		s.mu.Lock()
		delete(s.inWatch[calleeID], id)
		s.mu.Unlock()
	}, nil
}

func (s *SQLStore) getCall(callID string) (CallRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, caller_id, callee_id, caller_name, call_type,
			offer_type, offer_sdp, answer_type, answer_sdp,
			created_at, ended_at, end_reason
		FROM calls WHERE id = ?`, callID)

	var rec CallRecord
	var callType, offerType, offerSDP, answerType, answerSDP string
	var endedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.CallerID, &rec.CalleeID, &rec.CallerName, &callType,
		&offerType, &offerSDP, &answerType, &answerSDP,
		&rec.CreatedAt, &endedAt, &rec.EndReason)
	if err == sql.ErrNoRows {
		return CallRecord{}, ErrNotFound
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("signal: read call: %w", err)
	}

	rec.Type = CallType(callType)
	rec.Offer = &webrtc.SessionDescription{Type: webrtc.NewSDPType(offerType), SDP: offerSDP}
	if answerSDP != "" {
		rec.Answer = &webrtc.SessionDescription{Type: webrtc.NewSDPType(answerType), SDP: answerSDP}
	}
	if endedAt.Valid {
		rec.EndedAt = endedAt.Time
	}
	return rec, nil
}

func (s *SQLStore) listCandidates(callID string, role Role) ([]CandidateRecord, error) {
	rows, err := s.db.Query(`
		SELECT seq, candidate, sdp_mid, sdp_mline_index, username_fragment
		FROM candidates WHERE call_id = ? AND role = ? ORDER BY seq`,
		callID, string(role))
	if err != nil {
		return nil, fmt.Errorf("signal: list candidates: %w", err)
	}
	defer rows.Close()

	var out []CandidateRecord
	for rows.Next() {
		cr := CandidateRecord{CallID: callID, Role: role}
		var mid, frag sql.NullString
		var mline sql.NullInt64
		if err := rows.Scan(&cr.Seq, &cr.Candidate.Candidate, &mid, &mline, &frag); err != nil {
			return nil, err
		}
		if mid.Valid {
			v := mid.String
			cr.Candidate.SDPMid = &v
		}
		if mline.Valid {
			v := uint16(mline.Int64)
			cr.Candidate.SDPMLineIndex = &v
		}
		if frag.Valid {
			v := frag.String
			cr.Candidate.UsernameFragment = &v
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (s *SQLStore) listLiveCalls(calleeID string) ([]CallRecord, error) {
	rows, err := s.db.Query(`
		SELECT id FROM calls
		WHERE callee_id = ? AND end_reason = '' ORDER BY created_at`, calleeID)
	if err != nil {
		return nil, fmt.Errorf("signal: list calls: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []CallRecord
	for _, id := range ids {
		rec, err := s.getCall(id)
		if err != nil {
			log.Printf("SIGNAL: skipping call %s: %v", id, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLStore) notifyCall(rec CallRecord) {
	s.mu.RLock()
	fns := make([]func(CallRecord), 0, len(s.callWatch[rec.ID]))
	for _, fn := range s.callWatch[rec.ID] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(rec)
	}
}

func (s *SQLStore) notifyCandidate(cr CandidateRecord) {
	key := candKey{cr.CallID, cr.Role}
	s.mu.RLock()
	fns := make([]func(CandidateRecord), 0, len(s.candWatch[key]))
	for _, fn := range s.candWatch[key] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(cr)
	}
}

func (s *SQLStore) notifyIncoming(rec CallRecord) {
	s.mu.RLock()
	fns := make([]func(CallRecord), 0, len(s.inWatch[rec.CalleeID]))
	for _, fn := range s.inWatch[rec.CalleeID] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(rec)
	}
}
