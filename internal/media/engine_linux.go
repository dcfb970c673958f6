//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Engine builds peer connections with VP8+Opus codecs and captures local
// devices through pion/mediadevices (V4L2 + malgo on Linux).
type Engine struct {
	api      *webrtc.API
	selector *mediadevices.CodecSelector
}

// NewEngine constructs the codec selector and the WebRTC API around it.
func NewEngine() (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the session. The default disconnectedTimeout
	// is 5 s — too short for relay paths with short outages.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Engine{api: api, selector: selector}, nil
}

// NewPeerConnection creates a peer connection against the given STUN/TURN
// server URLs.
func (e *Engine) NewPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
}

// captureUserMedia opens camera and microphone with graceful fallback.
//
// GetUserMedia fails as a unit if either track cannot be opened, so a
// missing or busy microphone must not prevent the camera from working and
// vice versa: try video+audio first, then video-only, then audio-only.
func (e *Engine) captureUserMedia(_ context.Context) (CaptureTrack, CaptureTrack, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("MEDIA: no capture devices found")
	} else {
		for _, d := range devices {
			log.Debugf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: e.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// that produces malformed JPEG frames and poisons the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		var audio, video CaptureTrack
		for _, track := range stream.GetTracks() {
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				video = track
			} else {
				audio = track
			}
		}
		log.Infof("MEDIA: local capture opened (%s)", a.label)
		return audio, video, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no capture attempt ran")
	}
	return nil, nil, fmt.Errorf("all capture attempts failed: %w", lastErr)
}

// captureDisplayMedia opens a screen capture track.
func (e *Engine) captureDisplayMedia(_ context.Context) (CaptureTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: e.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.FloatRanged{Max: 15}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("display capture: %w", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, errors.New("display capture produced no video track")
	}
	return tracks[0], nil
}
