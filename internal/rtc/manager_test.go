package rtc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlink-app/voxlink/internal/signal"
	"github.com/voxlink-app/voxlink/internal/store"
)

func newTestStore(t *testing.T) *signal.SQLStore {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return signal.NewSQLStore(db)
}

func newTestManager(t *testing.T, st signal.Store, id string) (*Manager, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{}
	m, err := New(st, eng, Config{SelfID: id, SelfName: id})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, eng
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, 10*time.Millisecond, "waiting for state %s", want)
}

func nextEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestStartCallMediaDeniedLeavesNoTrace(t *testing.T) {
	st := newTestStore(t)
	m, eng := newTestManager(t, st, "alice")
	eng.mu.Lock()
	eng.captureErr = errors.New("permission denied")
	eng.mu.Unlock()

	_, err := m.StartCall(context.Background(), "bob", signal.CallVideo)
	require.ErrorIs(t, err, ErrMediaAcquisition)
	assert.Equal(t, StateIdle, m.State())

	// Nothing was written: the callee must never see a ring.
	got := make(chan signal.CallRecord, 1)
	cancel, err := st.WatchIncoming("bob", func(r signal.CallRecord) { got <- r })
	require.NoError(t, err)
	defer cancel()
	select {
	case r := <-got:
		t.Fatalf("unexpected call record %s", r.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStartCallWhileBusy(t *testing.T) {
	st := newTestStore(t)
	alice, _ := newTestManager(t, st, "alice")

	_, err := alice.StartCall(context.Background(), "bob", signal.CallAudio)
	require.NoError(t, err)
	require.Equal(t, StateDialing, alice.State())

	_, err = alice.StartCall(context.Background(), "carol", signal.CallAudio)
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, StateDialing, alice.State())
}

func TestCallFlowToActive(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	alice, aeng := newTestManager(t, st, "alice")
	bob, beng := newTestManager(t, st, "bob")

	bobEvents, cancelSub := bob.Subscribe()
	defer cancelSub()

	id, err := alice.StartCall(ctx, "bob", signal.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, StateDialing, alice.State())

	inc := nextEvent(t, bobEvents, EventIncomingCall)
	assert.Equal(t, id, inc.CallID)
	assert.Equal(t, "alice", inc.CallerID)
	assert.Equal(t, signal.CallVideo, inc.CallType)
	waitState(t, bob, StateRinging)

	apc := aeng.lastPC()
	require.NotNil(t, apc)
	apc.emitCandidate(1) // lands before the answer; replayed to the callee on accept

	require.NoError(t, bob.Accept(ctx, id))
	assert.Equal(t, StateConnecting, bob.State())
	waitState(t, alice, StateConnecting)

	apc.emitCandidate(2)
	bpc := beng.lastPC()
	require.NotNil(t, bpc)
	bpc.emitCandidate(1)
	bpc.emitCandidate(2)

	for name, pc := range map[string]*fakePC{"alice": apc, "bob": bpc} {
		require.Eventually(t, func() bool { return len(pc.appliedCandidates()) == 2 },
			2*time.Second, 10*time.Millisecond, "%s should apply both remote candidates", name)
		applied := pc.appliedCandidates()
		assert.Equal(t, "candidate 1", applied[0].Candidate)
		assert.Equal(t, "candidate 2", applied[1].Candidate)
	}

	apc.setState(webrtcConnected)
	bpc.setState(webrtcConnected)
	waitState(t, alice, StateActive)
	waitState(t, bob, StateActive)

	rec, err := st.GetCall(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, rec.Answer)
	assert.False(t, rec.Ended())
}

func TestAnswerAppliedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	alice, aeng := newTestManager(t, st, "alice")
	bob, _ := newTestManager(t, st, "bob")

	id, err := alice.StartCall(ctx, "bob", signal.CallAudio)
	require.NoError(t, err)
	waitState(t, bob, StateRinging)
	require.NoError(t, bob.Accept(ctx, id))
	waitState(t, alice, StateConnecting)

	// The store redelivers the record; the answer must not be re-applied.
	rec, err := st.GetCall(ctx, id)
	require.NoError(t, err)
	s := alice.Current()
	require.NotNil(t, s)
	s.onCallUpdate(rec)
	s.onCallUpdate(rec)

	assert.Equal(t, 1, aeng.lastPC().remoteSetCount())
	assert.Equal(t, StateConnecting, alice.State())
}

func TestHangupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	alice, aeng := newTestManager(t, st, "alice")
	bob, beng := newTestManager(t, st, "bob")

	id, err := alice.StartCall(ctx, "bob", signal.CallAudio)
	require.NoError(t, err)
	waitState(t, bob, StateRinging)
	require.NoError(t, bob.Accept(ctx, id))
	aeng.lastPC().setState(webrtcConnected)
	beng.lastPC().setState(webrtcConnected)
	waitState(t, alice, StateActive)
	waitState(t, bob, StateActive)

	alice.End()
	assert.Equal(t, StateEnded, alice.State())
	waitState(t, bob, StateEnded)

	rec, err := st.GetCall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, signal.EndCompleted, rec.EndReason)

	// Repeat hangups change nothing.
	alice.End()
	bob.End()
	rec, err = st.GetCall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, signal.EndCompleted, rec.EndReason)

	assert.GreaterOrEqual(t, aeng.lastStream().closeCount(), 1)
	assert.GreaterOrEqual(t, beng.lastStream().closeCount(), 1)
}

func TestRejectEndsBothSides(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	alice, _ := newTestManager(t, st, "alice")
	bob, _ := newTestManager(t, st, "bob")

	id, err := alice.StartCall(ctx, "bob", signal.CallAudio)
	require.NoError(t, err)
	waitState(t, bob, StateRinging)

	require.NoError(t, bob.Reject(id))
	assert.Equal(t, StateEnded, bob.State())
	waitState(t, alice, StateEnded)

	rec, err := st.GetCall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, signal.EndRejected, rec.EndReason)

	// The call is gone; a late accept is refused.
	err = bob.Accept(ctx, id)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelWhileRinging(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	alice, _ := newTestManager(t, st, "alice")
	bob, _ := newTestManager(t, st, "bob")

	id, err := alice.StartCall(ctx, "bob", signal.CallAudio)
	require.NoError(t, err)
	waitState(t, bob, StateRinging)

	alice.End()
	waitState(t, bob, StateEnded)

	rec, err := st.GetCall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, signal.EndCancelled, rec.EndReason)

	err = bob.Accept(ctx, id)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBusyCalleeIgnoresSecondInbound(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	alice, _ := newTestManager(t, st, "alice")
	bob, _ := newTestManager(t, st, "bob")
	carol, _ := newTestManager(t, st, "carol")

	bobEvents, cancelSub := bob.Subscribe()
	defer cancelSub()

	first, err := alice.StartCall(ctx, "bob", signal.CallAudio)
	require.NoError(t, err)
	inc := nextEvent(t, bobEvents, EventIncomingCall)
	require.Equal(t, first, inc.CallID)
	waitState(t, bob, StateRinging)

	_, err = carol.StartCall(ctx, "bob", signal.CallAudio)
	require.NoError(t, err)
	assert.Equal(t, StateDialing, carol.State())

	// The second call must not displace the ringing one.
	select {
	case ev := <-bobEvents:
		if ev.Kind == EventIncomingCall {
			t.Fatalf("busy callee rang for second call %s", ev.CallID)
		}
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, bob.Accept(ctx, first))
	assert.Equal(t, StateConnecting, bob.State())
}

func TestMuteTogglesStream(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	alice, aeng := newTestManager(t, st, "alice")

	_, err := alice.StartCall(ctx, "bob", signal.CallVideo)
	require.NoError(t, err)

	alice.SetAudioMuted(true)
	alice.SetVideoMuted(true)
	stream := aeng.lastStream()
	stream.mu.Lock()
	assert.False(t, stream.audioEnabled)
	assert.False(t, stream.videoEnabled)
	stream.mu.Unlock()
	assert.True(t, alice.Current().AudioMuted())
	assert.True(t, alice.Current().VideoMuted())

	alice.SetAudioMuted(false)
	stream.mu.Lock()
	assert.True(t, stream.audioEnabled)
	stream.mu.Unlock()
}

func candidateAt(seq int) signal.CandidateRecord {
	return signal.CandidateRecord{
		CallID:    "c1",
		Role:      signal.RoleCallee,
		Seq:       seq,
		Candidate: webrtcCandidate(fmt.Sprintf("candidate %d", seq)),
	}
}

func TestCandidatesAppliedInSequenceOrder(t *testing.T) {
	s := newSession(nil, func(Event) {}, signal.RoleCaller, "c1", "bob", signal.CallAudio)
	pc := &fakePC{}
	s.bindConnection(pc, &fakeStream{})
	s.machine.cur = StateConnecting
	require.NoError(t, pc.SetRemoteDescription(webrtcAnswer()))

	s.onRemoteCandidate(candidateAt(2))
	s.onRemoteCandidate(candidateAt(3))
	assert.Empty(t, pc.appliedCandidates(), "gap before seq 1 must hold everything back")

	s.onRemoteCandidate(candidateAt(1))
	applied := pc.appliedCandidates()
	require.Len(t, applied, 3)
	for i, c := range applied {
		assert.Equal(t, fmt.Sprintf("candidate %d", i+1), c.Candidate)
	}

	// Watch replays are dropped by the cursor.
	s.onRemoteCandidate(candidateAt(2))
	assert.Len(t, pc.appliedCandidates(), 3)
}

// answerOnWatchStore answers the call before the caller's watch registers,
// so the very first watch snapshot already carries the answer.
type answerOnWatchStore struct {
	signal.Store
}

func (s *answerOnWatchStore) WatchCall(callID string, fn func(signal.CallRecord)) (signal.CancelFunc, error) {
	a := webrtcAnswer()
	if err := s.Store.UpdateCall(context.Background(), callID, signal.CallPatch{Answer: &a}); err != nil {
		return nil, err
	}
	cancel, err := s.Store.WatchCall(callID, fn)
	if err != nil {
		return nil, err
	}
	rec, err := s.Store.GetCall(context.Background(), callID)
	if err != nil {
		return nil, err
	}
	fn(rec)
	return cancel, nil
}

func TestAnswerInWatchSnapshotIsApplied(t *testing.T) {
	st := &answerOnWatchStore{Store: newTestStore(t)}
	alice, aeng := newTestManager(t, st, "alice")

	_, err := alice.StartCall(context.Background(), "bob", signal.CallAudio)
	require.NoError(t, err)

	waitState(t, alice, StateConnecting)
	assert.Equal(t, 1, aeng.lastPC().remoteSetCount())
}

func TestCandidatesWaitForRemoteDescription(t *testing.T) {
	s := newSession(nil, func(Event) {}, signal.RoleCaller, "c1", "bob", signal.CallAudio)
	pc := &fakePC{}
	s.bindConnection(pc, &fakeStream{})
	s.machine.cur = StateDialing

	s.onRemoteCandidate(candidateAt(1))
	s.onRemoteCandidate(candidateAt(2))
	assert.Empty(t, pc.appliedCandidates())

	s.applyAnswer(webrtcAnswer())
	assert.Equal(t, StateConnecting, s.State())
	require.Len(t, pc.appliedCandidates(), 2)
}
