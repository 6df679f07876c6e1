// Package media abstracts local capture and peer connections so the call
// core can be driven by the real Pion stack in production and by fakes in
// tests. The wire types (session descriptions, ICE candidates, connection
// states) are Pion's own — they are the lingua franca of the signaling
// records too.
package media

import (
	"context"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	Audio TrackKind = "audio"
	Video TrackKind = "video"
)

// AudioConstraints are the fixed audio-processing flags applied to capture.
// They are always requested; platforms that cannot honour a flag capture
// without it rather than failing.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VideoConstraints bound the capture resolution and frame rate.
type VideoConstraints struct {
	MinWidth, IdealWidth, MaxWidth    int
	MinHeight, IdealHeight, MaxHeight int
	IdealFrameRate                    int
}

// Constraints describes one capture request. Video nil means audio only.
type Constraints struct {
	Audio AudioConstraints
	Video *VideoConstraints
}

// DefaultConstraints returns the app's fixed quality constraints:
// full audio processing, and for video 640×480 through 1920×1080 with a
// 1280×720 / 30 fps target.
func DefaultConstraints(video bool) Constraints {
	c := Constraints{
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
	if video {
		c.Video = &VideoConstraints{
			MinWidth: 640, IdealWidth: 1280, MaxWidth: 1920,
			MinHeight: 480, IdealHeight: 720, MaxHeight: 1080,
			IdealFrameRate: 30,
		}
	}
	return c
}

// Track is one local capture track.
type Track interface {
	ID() string
	Kind() TrackKind
}

// Stream owns a set of local capture tracks. Close stops the underlying
// devices and is idempotent.
type Stream interface {
	Tracks() []Track
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close()
}

// RemoteTrack is a track received from the peer. ReadRTP blocks until the
// next packet arrives and returns an error once the track or connection is
// closed.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	SSRC() uint32
	ReadRTP() (*rtp.Packet, error)
}

// Config configures a new peer connection.
type Config struct {
	STUNServers []string
}

// PeerConnection is the slice of the connectivity layer the call core
// drives. Handlers must be registered before negotiation starts.
type PeerConnection interface {
	AddTrack(t Track) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// Engine creates peer connections and acquires local media.
type Engine interface {
	NewPeerConnection(cfg Config) (PeerConnection, error)
	Capture(ctx context.Context, c Constraints) (Stream, error)
}
