package rtc

import (
	"github.com/voxlink-app/voxlink/internal/media"
	"github.com/voxlink-app/voxlink/internal/signal"
)

// EventKind classifies events emitted to the UI layer.
type EventKind string

const (
	// EventStateChanged fires on every session state transition.
	EventStateChanged EventKind = "state-changed"
	// EventIncomingCall fires when a new inbound call starts ringing.
	EventIncomingCall EventKind = "incoming-call"
	// EventRemoteTrack fires when a remote media track arrives.
	EventRemoteTrack EventKind = "remote-track"
	// EventCallError fires for user-visible call failures.
	EventCallError EventKind = "error"
)

// Event is one notification to the presentation layer. The core never
// reaches into UI state; rendering is entirely subscription-driven.
type Event struct {
	Kind   EventKind
	CallID string

	// EventStateChanged
	State State

	// EventIncomingCall
	CallerID   string
	CallerName string
	CallType   signal.CallType

	// EventRemoteTrack
	Track media.RemoteTrack

	// EventCallError
	Err error
}
