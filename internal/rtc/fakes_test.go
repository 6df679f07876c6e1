package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/voxlink-app/voxlink/internal/media"
)

// fakeEngine builds fake peer connections and capture streams so call flow
// can be driven without devices or a network.
type fakeEngine struct {
	mu         sync.Mutex
	captureErr error
	pcs        []*fakePC
	streams    []*fakeStream
}

func (e *fakeEngine) NewPeerConnection(cfg media.Config) (media.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pc := &fakePC{}
	e.pcs = append(e.pcs, pc)
	return pc, nil
}

func (e *fakeEngine) Capture(ctx context.Context, c media.Constraints) (media.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.captureErr != nil {
		return nil, e.captureErr
	}
	s := &fakeStream{audioEnabled: true, videoEnabled: true}
	s.tracks = append(s.tracks, fakeTrack{id: "mic", kind: media.Audio})
	if c.Video != nil {
		s.tracks = append(s.tracks, fakeTrack{id: "cam", kind: media.Video})
	}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *fakeEngine) lastPC() *fakePC {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pcs) == 0 {
		return nil
	}
	return e.pcs[len(e.pcs)-1]
}

func (e *fakeEngine) lastStream() *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.streams) == 0 {
		return nil
	}
	return e.streams[len(e.streams)-1]
}

type fakeTrack struct {
	id   string
	kind media.TrackKind
}

func (t fakeTrack) ID() string            { return t.id }
func (t fakeTrack) Kind() media.TrackKind { return t.kind }

type fakeStream struct {
	mu           sync.Mutex
	tracks       []media.Track
	audioEnabled bool
	videoEnabled bool
	closes       int
}

func (s *fakeStream) Tracks() []media.Track { return s.tracks }

func (s *fakeStream) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	s.audioEnabled = enabled
	s.mu.Unlock()
}

func (s *fakeStream) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	s.videoEnabled = enabled
	s.mu.Unlock()
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakePC struct {
	mu         sync.Mutex
	tracks     []media.Track
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	remoteSets int
	applied    []webrtc.ICECandidateInit
	rtcpSent   int
	closed     bool

	onCand  func(webrtc.ICECandidateInit)
	onTrack func(media.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePC) AddTrack(t media.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePC) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePC) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDesc = &desc
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDesc = &desc
	p.remoteSets++
	return nil
}

func (p *fakePC) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc != nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCand = fn
}

func (p *fakePC) OnTrack(fn func(media.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePC) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("closed")
	}
	p.rtcpSent += len(pkts)
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) emitCandidate(n int) {
	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	if fn != nil {
		mid := "0"
		fn(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate %d", n), SDPMid: &mid})
	}
}

func (p *fakePC) setState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *fakePC) emitTrack(t media.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (p *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(p.applied))
	copy(out, p.applied)
	return out
}

func (p *fakePC) remoteSetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

var webrtcConnected = webrtc.PeerConnectionStateConnected

func webrtcAnswer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
}

func webrtcCandidate(c string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: c}
}

type fakeRemoteTrack struct {
	id   string
	kind media.TrackKind
	ssrc uint32
	pkts chan *rtp.Packet
}

func newFakeRemoteTrack(id string, kind media.TrackKind, ssrc uint32) *fakeRemoteTrack {
	return &fakeRemoteTrack{id: id, kind: kind, ssrc: ssrc, pkts: make(chan *rtp.Packet, 16)}
}

func (t *fakeRemoteTrack) ID() string            { return t.id }
func (t *fakeRemoteTrack) Kind() media.TrackKind { return t.kind }
func (t *fakeRemoteTrack) SSRC() uint32          { return t.ssrc }

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.pkts
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}
