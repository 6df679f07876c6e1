package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/voxlink-app/voxlink/internal/media"
	"github.com/voxlink-app/voxlink/internal/signal"
)

// Config configures a call manager for one local user.
type Config struct {
	SelfID   string
	SelfName string
	Media    media.Config
}

// Manager drives calls for a single local user: at most one live session at
// a time, outbound dialing, inbound ringing, and the event feed the UI
// renders from. All methods are safe for concurrent use.
type Manager struct {
	cfg    Config
	store  signal.Store
	engine media.Engine

	mu      sync.RWMutex
	session *Session
	closed  bool

	subMu sync.RWMutex
	subs  map[chan Event]struct{}

	watcher *incomingWatcher
}

// New creates a manager and starts watching for inbound calls.
func New(store signal.Store, engine media.Engine, cfg Config) (*Manager, error) {
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("rtc: manager needs a user id")
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		engine: engine,
		subs:   make(map[chan Event]struct{}),
	}
	m.watcher = newIncomingWatcher(store, cfg.SelfID, m.handleIncoming)
	if err := m.watcher.start(); err != nil {
		return nil, fmt.Errorf("%w: watch incoming: %v", ErrSignalingRead, err)
	}
	return m, nil
}

// Subscribe returns a channel of call events. Slow consumers drop events
// rather than block the call core. The returned cancel is idempotent.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
		})
	}
	return ch, cancel
}

func (m *Manager) emit(ev Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// State returns the current call state, StateIdle when no session exists.
func (m *Manager) State() State {
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()
	if s == nil {
		return StateIdle
	}
	return s.State()
}

// Current returns the session in progress, or nil. Ended sessions are kept
// until the next call starts so the UI can still read their final state.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// StartCall dials calleeID. Media is acquired and the connection prepared
// before anything is written to the store, so a camera or microphone
// failure leaves no trace: no record, state still idle. Returns the new
// call record id.
func (m *Manager) StartCall(ctx context.Context, calleeID string, t signal.CallType) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("rtc: unknown call type %q", t)
	}
	if calleeID == "" || calleeID == m.cfg.SelfID {
		return "", fmt.Errorf("rtc: bad callee %q", calleeID)
	}

	s := newSession(m.store, m.emit, signal.RoleCaller, "", calleeID, t)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("rtc: manager closed")
	}
	if m.session != nil && !m.session.State().Terminal() {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: cannot dial in %s", ErrBusy, m.session.State())
	}
	m.session = s
	m.mu.Unlock()

	pc, err := m.engine.NewPeerConnection(m.cfg.Media)
	if err != nil {
		m.clearSession(s)
		return "", fmt.Errorf("%w: %v", ErrPeerConnection, err)
	}
	stream, err := m.engine.Capture(ctx, media.DefaultConstraints(t == signal.CallVideo))
	if err != nil {
		pc.Close()
		m.clearSession(s)
		return "", fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	abort := func(err error) (string, error) {
		stream.Close()
		pc.Close()
		m.clearSession(s)
		return "", err
	}

	for _, tr := range stream.Tracks() {
		if err := pc.AddTrack(tr); err != nil {
			return abort(fmt.Errorf("%w: add %s track: %v", ErrPeerConnection, tr.Kind(), err))
		}
	}
	s.bindConnection(pc, stream)

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		return abort(fmt.Errorf("%w: create offer: %v", ErrPeerConnection, err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return abort(fmt.Errorf("%w: set local offer: %v", ErrPeerConnection, err))
	}

	id, err := m.createCallWithRetry(ctx, signal.CallRecord{
		CallerID:   m.cfg.SelfID,
		CalleeID:   calleeID,
		CallerName: m.cfg.SelfName,
		Type:       t,
		Offer:      &offer,
	})
	if err != nil {
		return abort(err)
	}
	s.setCallID(id)

	// Dial before watching: the watch snapshot may already carry an answer,
	// and it only applies once the session is dialing.
	log.Printf("RTC: dialing %s (call %s, %s)", calleeID, id, t)
	s.fireAndEmit(eventDial)

	cancelCall, err := m.store.WatchCall(id, s.onCallUpdate)
	if err != nil {
		err = fmt.Errorf("%w: watch call: %v", ErrSignalingRead, err)
		s.fail(err)
		return "", err
	}
	cancelCand, err := m.store.WatchCandidates(id, s.role.Other(), s.onRemoteCandidate)
	if err != nil {
		cancelCall()
		err = fmt.Errorf("%w: watch candidates: %v", ErrSignalingRead, err)
		s.fail(err)
		return "", err
	}
	s.addCancels(cancelCall, cancelCand)
	return id, nil
}

// handleIncoming is invoked by the incoming watcher for each new inbound
// call. Busy clients let the call keep ringing for the caller; there is
// nothing to ring locally.
func (m *Manager) handleIncoming(rec signal.CallRecord) {
	s := newSession(m.store, m.emit, signal.RoleCallee, rec.ID, rec.CallerID, rec.Type)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.session != nil && !m.session.State().Terminal() {
		m.mu.Unlock()
		log.Printf("RTC: busy, ignoring inbound call %s from %s", rec.ID, rec.CallerID)
		return
	}
	m.session = s
	m.mu.Unlock()

	// Watch the record right away so a caller hanging up mid-ring is seen
	// even before the call is accepted.
	cancelCall, err := m.store.WatchCall(rec.ID, s.onCallUpdate)
	if err != nil {
		log.Printf("RTC: inbound call %s: watch: %v", rec.ID, err)
		m.clearSession(s)
		return
	}
	s.addCancels(cancelCall)

	log.Printf("RTC: inbound %s call %s from %s", rec.Type, rec.ID, rec.CallerID)
	s.fireAndEmit(eventIncoming)
	m.emit(Event{
		Kind:       EventIncomingCall,
		CallID:     rec.ID,
		CallerID:   rec.CallerID,
		CallerName: rec.CallerName,
		CallType:   rec.Type,
	})
}

// Accept answers the ringing inbound call. Failures after this point end
// the session as a whole; there is no half-accepted state.
func (m *Manager) Accept(ctx context.Context, callID string) error {
	s := m.ringingSession(callID)
	if s == nil {
		return fmt.Errorf("%w: no ringing call %s", ErrInvalidTransition, callID)
	}

	rec, err := m.store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("%w: read call: %v", ErrSignalingRead, err)
	}
	if rec.Ended() {
		s.remoteEnd(rec.EndReason)
		return fmt.Errorf("%w: call %s already ended", ErrInvalidTransition, callID)
	}

	pc, err := m.engine.NewPeerConnection(m.cfg.Media)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrPeerConnection, err)
		s.fail(err)
		return err
	}
	stream, err := m.engine.Capture(ctx, media.DefaultConstraints(rec.Type == signal.CallVideo))
	if err != nil {
		pc.Close()
		err = fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
		s.fail(err)
		return err
	}

	abort := func(err error) error {
		stream.Close()
		pc.Close()
		s.fail(err)
		return err
	}

	for _, tr := range stream.Tracks() {
		if err := pc.AddTrack(tr); err != nil {
			return abort(fmt.Errorf("%w: add %s track: %v", ErrPeerConnection, tr.Kind(), err))
		}
	}
	s.bindConnection(pc, stream)

	if err := pc.SetRemoteDescription(*rec.Offer); err != nil {
		return abort(fmt.Errorf("%w: set remote offer: %v", ErrPeerConnection, err))
	}
	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		return abort(fmt.Errorf("%w: create answer: %v", ErrPeerConnection, err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return abort(fmt.Errorf("%w: set local answer: %v", ErrPeerConnection, err))
	}

	if err := m.writeAnswerWithRetry(ctx, callID, answer); err != nil {
		return abort(err)
	}

	cancelCand, err := m.store.WatchCandidates(callID, s.role.Other(), s.onRemoteCandidate)
	if err != nil {
		return abort(fmt.Errorf("%w: watch candidates: %v", ErrSignalingRead, err))
	}
	s.addCancels(cancelCand)

	log.Printf("RTC: accepted call %s from %s", callID, rec.CallerID)
	s.fireAndEmit(eventAccept)
	return nil
}

// Reject declines the ringing inbound call.
func (m *Manager) Reject(callID string) error {
	s := m.ringingSession(callID)
	if s == nil {
		return fmt.Errorf("%w: no ringing call %s", ErrInvalidTransition, callID)
	}
	log.Printf("RTC: rejecting call %s", callID)
	s.reject()
	return nil
}

// End hangs up the current call. A no-op when nothing is in progress.
func (m *Manager) End() {
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()
	if s == nil {
		return
	}
	s.hangupLocal()
}

// SetAudioMuted toggles the microphone on the current call.
func (m *Manager) SetAudioMuted(muted bool) {
	if s := m.Current(); s != nil {
		s.SetAudioMuted(muted)
	}
}

// SetVideoMuted toggles the camera on the current call.
func (m *Manager) SetVideoMuted(muted bool) {
	if s := m.Current(); s != nil {
		s.SetVideoMuted(muted)
	}
}

// Close hangs up any call in progress and stops the inbound watcher.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.watcher.stop()
	m.End()

	m.subMu.Lock()
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	m.subMu.Unlock()
}

func (m *Manager) ringingSession(callID string) *Session {
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()
	if s == nil || s.CallID() != callID || s.State() != StateRinging {
		return nil
	}
	return s
}

func (m *Manager) clearSession(s *Session) {
	m.mu.Lock()
	if m.session == s {
		m.session = nil
	}
	m.mu.Unlock()
}

func (m *Manager) createCallWithRetry(ctx context.Context, rec signal.CallRecord) (string, error) {
	var id string
	var err error
	for attempt := 1; attempt <= signalWriteAttempts; attempt++ {
		if id, err = m.store.CreateCall(ctx, rec); err == nil {
			return id, nil
		}
		time.Sleep(signalWriteBackoff)
	}
	return "", fmt.Errorf("%w: create call: %v", ErrSignalingWrite, err)
}

func (m *Manager) writeAnswerWithRetry(ctx context.Context, callID string, answer webrtc.SessionDescription) error {
	var err error
	for attempt := 1; attempt <= signalWriteAttempts; attempt++ {
		err = m.store.UpdateCall(ctx, callID, signal.CallPatch{Answer: &answer})
		if err == nil {
			return nil
		}
		// A retry after a write that actually landed reads back as a
		// duplicate answer; that is success, not conflict.
		if errors.Is(err, signal.ErrAnswerAlreadySet) {
			log.Printf("RTC: call %s: answer already recorded", callID)
			return nil
		}
		time.Sleep(signalWriteBackoff)
	}
	return fmt.Errorf("%w: write answer: %v", ErrSignalingWrite, err)
}
