package media

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const pliInterval = 3 * time.Second

// RemotePump forwards one inbound remote track into a local static-RTP
// track that renderers or recorders can consume. For video it also sends
// periodic picture-loss indications so the sender refreshes keyframes
// after packet loss.
type RemotePump struct {
	track *webrtc.TrackRemote
	local *webrtc.TrackLocalStaticRTP

	closeOnce sync.Once
	done      chan struct{}
}

// NewRemotePump starts forwarding tr. The pump stops on its own when the
// remote track ends; Close stops it earlier.
func NewRemotePump(pc *webrtc.PeerConnection, tr *webrtc.TrackRemote) (*RemotePump, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(tr.Codec().RTPCodecCapability, tr.ID(), tr.StreamID())
	if err != nil {
		return nil, err
	}
	p := &RemotePump{
		track: tr,
		local: local,
		done:  make(chan struct{}),
	}
	go p.forward()
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		go p.requestKeyframes(pc)
	}
	log.Infof("MEDIA: remote %s track %s forwarding", tr.Kind(), tr.ID())
	return p, nil
}

// Local returns the forwarded copy of the remote track.
func (p *RemotePump) Local() *webrtc.TrackLocalStaticRTP { return p.local }

// Kind reports whether this pump carries audio or video.
func (p *RemotePump) Kind() webrtc.RTPCodecType { return p.track.Kind() }

func (p *RemotePump) forward() {
	defer p.Close()
	for {
		select {
		case <-p.done:
			return
		default:
		}
		var pkt *rtp.Packet
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("MEDIA: remote %s track read: %v", p.track.Kind(), err)
			}
			return
		}
		if err := p.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debugf("MEDIA: remote %s track write: %v", p.track.Kind(), err)
			return
		}
	}
}

func (p *RemotePump) requestKeyframes(pc *webrtc.PeerConnection) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(p.track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// Close stops the pump. Idempotent.
func (p *RemotePump) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}
