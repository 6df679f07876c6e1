// Package signal defines the call record store — the out-of-band channel two
// clients use to exchange session descriptions and ICE candidates before
// peer-to-peer media can flow. The store is a plain document relay: one
// record per call attempt plus two append-only candidate sequences, one per
// role. It carries no call logic of its own.
package signal

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

// CallType distinguishes audio-only from audio+video calls.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// Role identifies which side of a call owns a candidate sequence.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// End reasons written to a call record when it terminates.
const (
	EndCompleted = "completed"
	EndCancelled = "cancelled"
	EndRejected  = "rejected"
	EndFailed    = "failed"
)

// CallRecord is the shared signaling document for one call attempt.
// The offer is set at creation and never changes; the answer is written at
// most once, by the callee. EndReason is merge-written once by whichever
// side ends the call first — both sides treat a non-empty value as terminal.
type CallRecord struct {
	ID         string
	CallerID   string
	CalleeID   string
	CallerName string
	Type       CallType
	Offer      *webrtc.SessionDescription
	Answer     *webrtc.SessionDescription
	CreatedAt  time.Time
	EndedAt    time.Time
	EndReason  string
}

// Ended reports whether either side has terminated the call.
func (c CallRecord) Ended() bool {
	return c.EndReason != ""
}

// CandidateRecord is one entry in a call's per-role candidate sequence.
// Seq is assigned by the store: dense, 1-based, strictly increasing within
// (CallID, Role). Entries are never mutated or reordered after append.
type CandidateRecord struct {
	CallID    string
	Role      Role
	Seq       int
	Candidate webrtc.ICECandidateInit
}

// CallPatch is a merge-style partial update to a call record.
// Nil / zero fields are left untouched.
type CallPatch struct {
	Answer    *webrtc.SessionDescription
	EndReason string
}

var (
	// ErrNotFound is returned when a call record no longer exists.
	ErrNotFound = errors.New("signal: call record not found")

	// ErrAnswerAlreadySet is returned by UpdateCall when a patch carries an
	// answer but the record already has one.
	ErrAnswerAlreadySet = errors.New("signal: answer already set")
)

// CancelFunc tears down a watch. Safe to call more than once.
type CancelFunc func()

// Store is the signaling channel consumed by the call core.
//
// All watches are at-least-once: a change may be delivered more than once
// (e.g. snapshot replay on subscribe), so consumers must apply changes
// idempotently. Candidate watches deliver the existing sequence first and
// then each newly appended entry.
type Store interface {
	// CreateCall persists a new call record and returns its store-assigned id.
	// The record's CreatedAt is assigned by the store.
	CreateCall(ctx context.Context, rec CallRecord) (string, error)

	// GetCall fetches a call record by id.
	GetCall(ctx context.Context, callID string) (CallRecord, error)

	// WatchCall invokes fn with the current record and again after every
	// update until cancelled.
	WatchCall(callID string, fn func(CallRecord)) (CancelFunc, error)

	// UpdateCall merges patch into an existing record. Fails with
	// ErrNotFound if the record is gone and ErrAnswerAlreadySet if the
	// patch would overwrite an existing answer.
	UpdateCall(ctx context.Context, callID string, patch CallPatch) error

	// AppendCandidate appends c to the role's sequence for the call.
	AppendCandidate(ctx context.Context, callID string, role Role, c webrtc.ICECandidateInit) error

	// WatchCandidates invokes fn for every entry in the role's sequence,
	// existing and future, until cancelled.
	WatchCandidates(callID string, role Role, fn func(CandidateRecord)) (CancelFunc, error)

	// WatchIncoming invokes fn for every live call record addressed to
	// calleeID, existing and future, until cancelled.
	WatchIncoming(calleeID string, fn func(CallRecord)) (CancelFunc, error)
}
