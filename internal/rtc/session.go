package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/voxlink-app/voxlink/internal/media"
	"github.com/voxlink-app/voxlink/internal/signal"
)

const (
	// signalWriteAttempts bounds retries for background signaling writes.
	signalWriteAttempts = 3
	signalWriteBackoff  = 200 * time.Millisecond

	keyframeInterval = 3 * time.Second
)

// Session is one call attempt from the local side's point of view. It owns
// the peer connection, the local capture stream, the signaling watches, and
// the lifecycle state machine. A session is single-use: once ended it stays
// ended, and all teardown paths are safe to hit more than once.
type Session struct {
	role     signal.Role
	callType signal.CallType
	remoteID string

	store signal.Store
	emit  func(Event)

	mu         sync.Mutex
	callID     string
	machine    stateMachine
	pc         media.PeerConnection
	stream     media.Stream
	audioMuted bool
	videoMuted bool
	cancels    []signal.CancelFunc

	// Remote candidates are applied strictly in sequence order. Anything
	// arriving early (out of order, or before the remote description) waits
	// in pending.
	lastApplied int
	pending     map[int]webrtc.ICECandidateInit

	// Local candidates gathered before the call record exists are queued
	// until the store has assigned an id to write them under.
	localQueue []webrtc.ICECandidateInit

	done chan struct{}

	subMu sync.RWMutex
	subs  map[chan []byte]struct{}
}

func newSession(store signal.Store, emit func(Event), role signal.Role, callID, remoteID string, t signal.CallType) *Session {
	return &Session{
		role:     role,
		callType: t,
		remoteID: remoteID,
		store:    store,
		emit:     emit,
		callID:   callID,
		pending:  make(map[int]webrtc.ICECandidateInit),
		done:     make(chan struct{}),
		subs:     make(map[chan []byte]struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.cur
}

// CallID returns the call record id, empty until the record exists.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// Role returns which side of the call this session is.
func (s *Session) Role() signal.Role { return s.role }

// Type returns the call's media type.
func (s *Session) Type() signal.CallType { return s.callType }

// RemoteID returns the peer's user id.
func (s *Session) RemoteID() string { return s.remoteID }

// Done is closed when the session reaches its terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// AudioMuted reports the local microphone mute flag.
func (s *Session) AudioMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioMuted
}

// VideoMuted reports the local camera mute flag.
func (s *Session) VideoMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoMuted
}

// SetAudioMuted toggles the local microphone.
func (s *Session) SetAudioMuted(muted bool) {
	s.mu.Lock()
	s.audioMuted = muted
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.SetAudioEnabled(!muted)
	}
}

// SetVideoMuted toggles the local camera.
func (s *Session) SetVideoMuted(muted bool) {
	s.mu.Lock()
	s.videoMuted = muted
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.SetVideoEnabled(!muted)
	}
}

// bindConnection hands the session its peer connection and capture stream
// and registers the connection callbacks. Must be called before negotiation
// starts so no candidate or track events are missed.
func (s *Session) bindConnection(pc media.PeerConnection, stream media.Stream) {
	s.mu.Lock()
	s.pc = pc
	s.stream = stream
	s.mu.Unlock()

	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnTrack(s.onRemoteTrack)
	pc.OnConnectionStateChange(s.onConnectionState)
}

// setCallID records the store-assigned id and flushes local candidates that
// were gathered before the record existed.
func (s *Session) setCallID(id string) {
	s.mu.Lock()
	s.callID = id
	queued := s.localQueue
	s.localQueue = nil
	s.mu.Unlock()

	for _, c := range queued {
		s.writeCandidate(id, c)
	}
}

// addCancels registers signaling watch cancels for teardown. If the session
// already ended, the watches are cancelled on the spot.
func (s *Session) addCancels(cancels ...signal.CancelFunc) {
	s.mu.Lock()
	if s.machine.cur.Terminal() {
		s.mu.Unlock()
		for _, c := range cancels {
			c()
		}
		return
	}
	s.cancels = append(s.cancels, cancels...)
	s.mu.Unlock()
}

// fireAndEmit applies a lifecycle event and notifies subscribers of the new
// state. Invalid transitions are logged and dropped.
func (s *Session) fireAndEmit(ev stateEvent) {
	s.mu.Lock()
	state, err := s.machine.fire(ev)
	id := s.callID
	s.mu.Unlock()
	if err != nil {
		log.Printf("RTC: call %s: dropping %s: %v", id, ev, err)
		return
	}
	s.emit(Event{Kind: EventStateChanged, CallID: id, State: state})
}

// onCallUpdate handles call record changes from the store. Deliveries are
// at-least-once, so every branch tolerates replays.
func (s *Session) onCallUpdate(rec signal.CallRecord) {
	if rec.Ended() {
		s.remoteEnd(rec.EndReason)
		return
	}
	if s.role == signal.RoleCaller && rec.Answer != nil {
		s.applyAnswer(*rec.Answer)
	}
}

// applyAnswer sets the remote description exactly once. Replayed answer
// notifications and answers arriving after the session moved on are ignored.
func (s *Session) applyAnswer(desc webrtc.SessionDescription) {
	s.mu.Lock()
	if s.machine.cur != StateDialing || s.pc == nil || s.pc.HasRemoteDescription() {
		s.mu.Unlock()
		return
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: set remote answer: %v", ErrPeerConnection, err))
		return
	}
	state, err := s.machine.fire(eventAnswer)
	if err != nil {
		s.mu.Unlock()
		return
	}
	id := s.callID
	s.flushCandidatesLocked()
	s.mu.Unlock()

	log.Printf("RTC: call %s answered", id)
	s.emit(Event{Kind: EventStateChanged, CallID: id, State: state})
}

// onRemoteCandidate buffers and applies the peer's ICE candidates in
// sequence order. Duplicates from watch replays are dropped by the cursor.
func (s *Session) onRemoteCandidate(cr signal.CandidateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.cur.Terminal() {
		return
	}
	if cr.Seq <= s.lastApplied {
		return
	}
	s.pending[cr.Seq] = cr.Candidate
	s.flushCandidatesLocked()
}

// flushCandidatesLocked applies every contiguous pending candidate. Held
// back until the remote description is set, as required by the ICE layer.
func (s *Session) flushCandidatesLocked() {
	if s.pc == nil || !s.pc.HasRemoteDescription() {
		return
	}
	for {
		c, ok := s.pending[s.lastApplied+1]
		if !ok {
			return
		}
		delete(s.pending, s.lastApplied+1)
		s.lastApplied++
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Printf("RTC: call %s: add candidate %d: %v", s.callID, s.lastApplied, err)
		}
	}
}

// onLocalCandidate publishes a locally gathered candidate to the store.
func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.machine.cur.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.callID == "" {
		s.localQueue = append(s.localQueue, c)
		s.mu.Unlock()
		return
	}
	id := s.callID
	s.mu.Unlock()

	s.writeCandidate(id, c)
}

func (s *Session) writeCandidate(callID string, c webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= signalWriteAttempts; attempt++ {
		if err = s.store.AppendCandidate(ctx, callID, s.role, c); err == nil {
			return
		}
		time.Sleep(signalWriteBackoff)
	}
	log.Printf("RTC: call %s: publish candidate: %v", callID, err)
}

// onConnectionState reacts to the connectivity layer. Connected moves the
// session to active; a hard failure ends it.
func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		next, err := s.machine.fire(eventConnected)
		id := s.callID
		s.mu.Unlock()
		if err != nil {
			return
		}
		log.Printf("RTC: call %s active", id)
		s.emit(Event{Kind: EventStateChanged, CallID: id, State: next})
	case webrtc.PeerConnectionStateFailed:
		s.fail(fmt.Errorf("%w: connection failed", ErrPeerConnection))
	}
}

// onRemoteTrack announces the peer's track and starts pumping its packets to
// media subscribers. Video tracks additionally get periodic keyframe
// requests so late joiners and lossy paths recover.
func (s *Session) onRemoteTrack(t media.RemoteTrack) {
	s.mu.Lock()
	id := s.callID
	s.mu.Unlock()

	log.Printf("RTC: call %s: remote %s track %s", id, t.Kind(), t.ID())
	s.emit(Event{Kind: EventRemoteTrack, CallID: id, Track: t})

	go s.readTrack(t)
	if t.Kind() == media.Video {
		go s.requestKeyframes(t.SSRC())
	}
}

func (s *Session) readTrack(t media.RemoteTrack) {
	for {
		pkt, err := t.ReadRTP()
		if err != nil {
			return
		}
		buf, err := pkt.Marshal()
		if err != nil {
			continue
		}
		s.broadcastMedia(buf)
	}
}

func (s *Session) requestKeyframes(ssrc uint32) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			pc := s.pc
			s.mu.Unlock()
			if pc == nil {
				return
			}
			pkts := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}
			if err := pc.WriteRTCP(pkts); err != nil {
				return
			}
		}
	}
}

// SubscribeMedia returns a channel of raw RTP packets from the remote
// tracks. Slow consumers drop packets rather than stall the read loop.
func (s *Session) SubscribeMedia() (<-chan []byte, func()) {
	ch := make(chan []byte, 256)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
		})
	}
	return ch, cancel
}

func (s *Session) broadcastMedia(buf []byte) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- buf:
		default:
		}
	}
}

// hangupLocal ends the call from the local side, choosing the end reason
// from the state the call was in. A no-op once the session has ended.
func (s *Session) hangupLocal() {
	s.mu.Lock()
	var reason string
	switch s.machine.cur {
	case StateDialing, StateRinging:
		reason = signal.EndCancelled
	case StateConnecting, StateActive:
		reason = signal.EndCompleted
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.teardown(eventHangup, reason, true)
}

// reject declines a ringing inbound call and records the rejection so the
// caller's watch sees it.
func (s *Session) reject() {
	s.teardown(eventReject, signal.EndRejected, true)
}

// remoteEnd handles the peer (or anyone else) having terminated the record.
func (s *Session) remoteEnd(reason string) {
	s.mu.Lock()
	terminal := s.machine.cur.Terminal()
	id := s.callID
	s.mu.Unlock()
	if terminal {
		return
	}
	log.Printf("RTC: call %s ended remotely (%s)", id, reason)
	s.teardown(eventRemoteHangup, "", false)
}

// fail surfaces err to subscribers and ends the session.
func (s *Session) fail(err error) {
	s.mu.Lock()
	id := s.callID
	terminal := s.machine.cur.Terminal()
	s.mu.Unlock()
	if terminal {
		return
	}
	log.Printf("RTC: call %s failed: %v", id, err)
	s.emit(Event{Kind: EventCallError, CallID: id, Err: err})
	s.teardown(eventFailure, signal.EndFailed, true)
}

// teardown is the single exit path: cancel watches, release media and the
// connection, optionally record the end reason, and announce the terminal
// state. Every resource release is idempotent, so concurrent teardown
// attempts are harmless.
func (s *Session) teardown(ev stateEvent, reason string, writeReason bool) {
	s.mu.Lock()
	if s.machine.cur.Terminal() {
		s.mu.Unlock()
		return
	}
	state, err := s.machine.fire(ev)
	if err != nil {
		s.mu.Unlock()
		log.Printf("RTC: call %s: teardown via %s: %v", s.callID, ev, err)
		return
	}
	id := s.callID
	cancels := s.cancels
	s.cancels = nil
	stream := s.stream
	pc := s.pc
	close(s.done)
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if stream != nil {
		stream.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Printf("RTC: call %s: close connection: %v", id, err)
		}
	}

	if writeReason && reason != "" && id != "" {
		s.writeEndReason(id, reason)
	}

	s.closeMediaSubs()
	log.Printf("RTC: call %s ended (%s)", id, ev)
	s.emit(Event{Kind: EventStateChanged, CallID: id, State: state})
}

func (s *Session) writeEndReason(callID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= signalWriteAttempts; attempt++ {
		err = s.store.UpdateCall(ctx, callID, signal.CallPatch{EndReason: reason})
		if err == nil || errors.Is(err, signal.ErrNotFound) {
			return
		}
		time.Sleep(signalWriteBackoff)
	}
	log.Printf("RTC: call %s: record end reason: %v", callID, err)
}

func (s *Session) closeMediaSubs() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}
