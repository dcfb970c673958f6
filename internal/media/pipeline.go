// Package media owns local capture and the outbound track lifecycle:
// camera/microphone acquisition, outbound mute, and camera↔screen
// substitution on the live video sender. Switching never renegotiates the
// session description: the sender keeps its slot and only the track
// behind it changes.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

var (
	// ErrPermissionDenied reports that a capture device was refused or
	// unavailable. User-visible; not retried automatically.
	ErrPermissionDenied = errors.New("media: permission denied")

	// ErrNoCapture reports that this platform has no capture drivers.
	// Callers proceed receive-only.
	ErrNoCapture = errors.New("media: no capture support on this platform")

	// ErrScreenShareDisabled reports a screen-share request on a pipeline
	// whose capabilities exclude it.
	ErrScreenShareDisabled = errors.New("media: screen share not enabled")
)

// CaptureTrack is a local capture device track. Satisfied by
// mediadevices.Track; tests substitute fakes.
type CaptureTrack interface {
	webrtc.TrackLocal
	OnEnded(func(error))
	Close() error
}

// TrackSender is the outbound sender slot a track is substituted on.
// Satisfied by *webrtc.RTPSender.
type TrackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// Capabilities configures what the local side captures and offers.
type Capabilities struct {
	Camera      bool
	ScreenShare bool
}

// Source identifies the current outgoing video source.
type Source int

const (
	SourceCamera Source = iota
	SourceScreen
)

func (s Source) String() string {
	if s == SourceScreen {
		return "screen"
	}
	return "camera"
}

// State is the local-only participant media state. Never persisted.
type State struct {
	MicEnabled    bool
	CamEnabled    bool
	ScreenActive  bool
	VideoSource   Source
	HasLocalMedia bool
}

// Pipeline controls the local capture devices for one session.
type Pipeline struct {
	userMedia    func(ctx context.Context) (audio, video CaptureTrack, err error)
	displayMedia func(ctx context.Context) (CaptureTrack, error)
	caps         Capabilities

	mu          sync.Mutex
	audio       CaptureTrack
	camera      CaptureTrack
	screen      CaptureTrack
	audioSender TrackSender
	videoSender TrackSender
	micEnabled  bool
	camEnabled  bool
	source      Source
	released    bool
}

// NewPipeline creates a pipeline capturing through eng. caps gates what
// Acquire opens and whether SwitchToScreen is available; the microphone is
// always attempted.
func NewPipeline(eng *Engine, caps Capabilities) *Pipeline {
	return &Pipeline{
		userMedia:    eng.captureUserMedia,
		displayMedia: eng.captureDisplayMedia,
		caps:         caps,
		micEnabled:   true,
		camEnabled:   true,
		source:       SourceCamera,
	}
}

// Acquire opens camera and microphone. On platforms without capture
// drivers the pipeline stays empty and the session runs receive-only; a
// refused device surfaces as ErrPermissionDenied with the cause attached.
func (p *Pipeline) Acquire(ctx context.Context) error {
	audio, video, err := p.userMedia(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCapture) {
			log.Warnf("MEDIA: %v — proceeding receive-only", err)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	if video != nil && !p.caps.Camera {
		video.Close()
		video = nil
	}

	p.mu.Lock()
	p.audio = audio
	p.camera = video
	p.mu.Unlock()
	log.Infof("MEDIA: local capture ready (audio=%v video=%v)", audio != nil, video != nil)
	return nil
}

// Tracks returns the acquired capture tracks for attaching to a peer
// connection. May be empty on receive-only platforms.
func (p *Pipeline) Tracks() []CaptureTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []CaptureTrack
	if p.audio != nil {
		out = append(out, p.audio)
	}
	if p.camera != nil {
		out = append(out, p.camera)
	}
	return out
}

// BindSenders attaches the sender slots the toggles substitute tracks on.
// Either may be nil when the corresponding track was not acquired.
func (p *Pipeline) BindSenders(audio, video TrackSender) {
	p.mu.Lock()
	p.audioSender = audio
	p.videoSender = video
	p.mu.Unlock()
}

// ToggleMic flips the outbound microphone. Muting substitutes nil on the
// audio sender; the capture device itself stays open so unmute is instant.
// Returns the new enabled state.
func (p *Pipeline) ToggleMic() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio == nil || p.audioSender == nil {
		return false, nil
	}
	p.micEnabled = !p.micEnabled
	var t webrtc.TrackLocal
	if p.micEnabled {
		t = p.audio
	}
	if err := p.audioSender.ReplaceTrack(t); err != nil {
		p.micEnabled = !p.micEnabled
		return p.micEnabled, fmt.Errorf("toggle mic: %w", err)
	}
	log.Debugf("MEDIA: mic enabled=%v", p.micEnabled)
	return p.micEnabled, nil
}

// ToggleCam flips the outbound camera. While the screen is the active
// source only the flag changes; the camera state applies again on revert.
func (p *Pipeline) ToggleCam() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.camera == nil || p.videoSender == nil {
		return false, nil
	}
	p.camEnabled = !p.camEnabled
	if p.source == SourceScreen {
		return p.camEnabled, nil
	}
	var t webrtc.TrackLocal
	if p.camEnabled {
		t = p.camera
	}
	if err := p.videoSender.ReplaceTrack(t); err != nil {
		p.camEnabled = !p.camEnabled
		return p.camEnabled, fmt.Errorf("toggle cam: %w", err)
	}
	log.Debugf("MEDIA: cam enabled=%v", p.camEnabled)
	return p.camEnabled, nil
}

// SwitchToScreen captures a display source and substitutes it on the
// active video sender. When the user stops sharing at the OS level the
// outgoing video reverts to the camera automatically.
func (p *Pipeline) SwitchToScreen(ctx context.Context) error {
	p.mu.Lock()
	if !p.caps.ScreenShare {
		p.mu.Unlock()
		return ErrScreenShareDisabled
	}
	if p.videoSender == nil {
		p.mu.Unlock()
		return errors.New("media: no video sender to substitute on")
	}
	if p.source == SourceScreen {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	screen, err := p.displayMedia(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCapture) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		screen.Close()
		return errors.New("media: pipeline released")
	}
	p.screen = screen
	p.source = SourceScreen
	sender := p.videoSender
	p.mu.Unlock()

	if err := sender.ReplaceTrack(screen); err != nil {
		p.mu.Lock()
		p.screen = nil
		p.source = SourceCamera
		p.mu.Unlock()
		screen.Close()
		return fmt.Errorf("substitute screen track: %w", err)
	}

	screen.OnEnded(func(err error) {
		if err != nil {
			log.Debugf("MEDIA: screen source ended: %v", err)
		}
		if err := p.SwitchToCamera(); err != nil {
			log.Warnf("MEDIA: revert to camera: %v", err)
		}
	})

	log.Infof("MEDIA: outgoing video switched to screen")
	return nil
}

// SwitchToCamera reverts the outgoing video to the camera source and
// closes the screen capture. No-op when the camera is already active.
func (p *Pipeline) SwitchToCamera() error {
	p.mu.Lock()
	if p.source != SourceScreen {
		p.mu.Unlock()
		return nil
	}
	screen := p.screen
	p.screen = nil
	p.source = SourceCamera
	sender := p.videoSender
	var t webrtc.TrackLocal
	if p.camera != nil && p.camEnabled {
		t = p.camera
	}
	released := p.released
	p.mu.Unlock()

	if screen != nil {
		screen.Close()
	}
	if released || sender == nil {
		return nil
	}
	if err := sender.ReplaceTrack(t); err != nil {
		return fmt.Errorf("restore camera track: %w", err)
	}
	log.Infof("MEDIA: outgoing video reverted to camera")
	return nil
}

// State reports the current local media state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		MicEnabled:    p.micEnabled,
		CamEnabled:    p.camEnabled,
		ScreenActive:  p.source == SourceScreen,
		VideoSource:   p.source,
		HasLocalMedia: p.audio != nil || p.camera != nil,
	}
}

// Release stops every acquired track (camera, microphone and screen)
// regardless of which source is active. Safe to call when nothing was
// acquired, and safe to call repeatedly.
func (p *Pipeline) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	tracks := []CaptureTrack{p.audio, p.camera, p.screen}
	p.audio, p.camera, p.screen = nil, nil, nil
	p.audioSender, p.videoSender = nil, nil
	p.mu.Unlock()

	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			log.Debugf("MEDIA: close track: %v", err)
		}
	}
	log.Infof("MEDIA: released local capture")
}
