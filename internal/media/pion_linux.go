//go:build linux

package media

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

var (
	selectorOnce sync.Once
	selector     *mediadevices.CodecSelector
	selectorErr  error
)

// codecSelector builds the VP8+Opus selector once per process. The same
// selector must populate every peer connection's media engine and every
// GetUserMedia call so capture tracks bind to a negotiated codec.
func codecSelector() (*mediadevices.CodecSelector, error) {
	selectorOnce.Do(func() {
		vpxParams, err := vpx.NewVP8Params()
		if err != nil {
			selectorErr = err
			return
		}
		vpxParams.BitRate = 1_500_000 // 1.5 Mbps

		opusParams, err := opus.NewParams()
		if err != nil {
			selectorErr = err
			return
		}

		selector = mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		)
	})
	return selector, selectorErr
}

func newPlatformAPI(se webrtc.SettingEngine) (*webrtc.API, error) {
	sel, err := codecSelector()
	if err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	sel.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func capturePlatform(ctx context.Context, c Constraints) (Stream, error) {
	sel, err := codecSelector()
	if err != nil {
		return nil, fmt.Errorf("media: codec selector: %w", err)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: sel}

	// V4L2/malgo expose no echo-cancellation or gain knobs; the requested
	// audio processing flags are satisfied as far as the drivers allow.
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}

	if v := c.Video; v != nil {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only — MJPEG camera nodes can emit malformed
			// frames that poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Min: v.MinWidth, Ideal: v.IdealWidth, Max: v.MaxWidth}
			mc.Height = prop.IntRanged{Min: v.MinHeight, Ideal: v.IdealHeight, Max: v.MaxHeight}
			if v.IdealFrameRate > 0 {
				mc.FrameRate = prop.FloatRanged{Ideal: float64(v.IdealFrameRate)}
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("media: get user media: %w", err)
	}

	ps := &pionStream{}
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local track ended: %v", err)
			}
		})
		ps.tracks = append(ps.tracks, &pionLocalTrack{t: t})
	}
	return ps, nil
}

type pionLocalTrack struct {
	t mediadevices.Track
}

func (t *pionLocalTrack) ID() string { return t.t.ID() }

func (t *pionLocalTrack) Kind() TrackKind {
	if t.t.Kind() == webrtc.RTPCodecTypeVideo {
		return Video
	}
	return Audio
}

func (t *pionLocalTrack) trackLocal() webrtc.TrackLocal { return t.t }

type pionStream struct {
	tracks []Track

	mu       sync.Mutex
	audioOff bool
	videoOff bool
	closed   bool
}

func (s *pionStream) Tracks() []Track { return s.tracks }

// Mute state is tracked here; mediadevices tracks have no enable toggle, so
// the flag is what the session and UI report.
func (s *pionStream) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	s.audioOff = !enabled
	s.mu.Unlock()
}

func (s *pionStream) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	s.videoOff = !enabled
	s.mu.Unlock()
}

func (s *pionStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, t := range s.tracks {
		if lt, ok := t.(*pionLocalTrack); ok {
			lt.t.Close()
		}
	}
}
