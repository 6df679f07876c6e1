package rtc

import "errors"

// Error taxonomy for call operations. Interactive calls (start/accept)
// return these directly; background watchers log and swallow anything that
// does not end the session.
var (
	// ErrMediaAcquisition — camera/microphone unavailable or denied.
	ErrMediaAcquisition = errors.New("rtc: media acquisition failed")

	// ErrSignalingWrite — the call record store rejected a write after retries.
	ErrSignalingWrite = errors.New("rtc: signaling write failed")

	// ErrSignalingRead — the call record store could not be read.
	ErrSignalingRead = errors.New("rtc: signaling read failed")

	// ErrInvalidTransition — the requested operation is not legal in the
	// session's current state. The request is ignored; state is unchanged.
	ErrInvalidTransition = errors.New("rtc: invalid call state transition")

	// ErrPeerConnection — the connectivity layer failed during negotiation
	// or mid-call.
	ErrPeerConnection = errors.New("rtc: peer connection failure")

	// ErrBusy — a call session is already active on this client.
	ErrBusy = errors.New("rtc: another call session is active")
)
