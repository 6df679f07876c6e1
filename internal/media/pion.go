package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers mirrors the public STUN set the browser client shipped
// with. Enough for most NATs; no TURN fallback is configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// PionEngine is the production Engine: Pion peer connections and, where the
// platform supports it, pion/mediadevices capture.
type PionEngine struct{}

// NewPionEngine returns the Pion-backed media engine.
func NewPionEngine() *PionEngine {
	return &PionEngine{}
}

var _ Engine = (*PionEngine)(nil)

// NewPeerConnection implements Engine.
func (e *PionEngine) NewPeerConnection(cfg Config) (PeerConnection, error) {
	api, err := newPlatformAPI(settingEngine())
	if err != nil {
		return nil, fmt.Errorf("media: build webrtc api: %w", err)
	}

	servers := cfg.STUNServers
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	})
	if err != nil {
		return nil, fmt.Errorf("media: new peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

// Capture implements Engine.
func (e *PionEngine) Capture(ctx context.Context, c Constraints) (Stream, error) {
	return capturePlatform(ctx, c)
}

func settingEngine() webrtc.SettingEngine {
	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call; the default 5 s disconnected timeout is too short.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	return se
}

// localTrack is implemented by the platform capture wrappers so pionConn can
// hand the underlying Pion track to AddTrack.
type localTrack interface {
	Track
	trackLocal() webrtc.TrackLocal
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) AddTrack(t Track) error {
	lt, ok := t.(localTrack)
	if !ok {
		return fmt.Errorf("media: track %T is not a pion capture track", t)
	}
	if _, err := c.pc.AddTrack(lt.trackLocal()); err != nil {
		return fmt.Errorf("media: add track: %w", err)
	}
	return nil
}

func (c *pionConn) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(&pionRemoteTrack{tr: tr})
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) WriteRTCP(pkts []rtcp.Packet) error {
	return c.pc.WriteRTCP(pkts)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

type pionRemoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string { return t.tr.ID() }

func (t *pionRemoteTrack) Kind() TrackKind {
	if t.tr.Kind() == webrtc.RTPCodecTypeVideo {
		return Video
	}
	return Audio
}

func (t *pionRemoteTrack) SSRC() uint32 { return uint32(t.tr.SSRC()) }

func (t *pionRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.tr.ReadRTP()
	return pkt, err
}
