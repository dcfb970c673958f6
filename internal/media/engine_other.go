//go:build !linux

package media

import (
	"context"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Engine builds receive-only peer connections on platforms without
// capture drivers (V4L2/malgo are Linux-only here).
type Engine struct {
	api *webrtc.API
}

func NewEngine() (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Engine{api: api}, nil
}

// NewPeerConnection creates a peer connection against the given STUN/TURN
// server URLs.
func (e *Engine) NewPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
}

func (e *Engine) captureUserMedia(context.Context) (CaptureTrack, CaptureTrack, error) {
	return nil, nil, ErrNoCapture
}

func (e *Engine) captureDisplayMedia(context.Context) (CaptureTrack, error) {
	return nil, ErrNoCapture
}
