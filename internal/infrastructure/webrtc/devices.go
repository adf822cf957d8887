package webrtc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
	"ringnet/pkg/utils"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 33 * time.Millisecond
	rtpOpusClockRate   = 48000
	rtpVP8ClockRate    = 90000
)

// opusSilence is a canned comfort-noise frame sent while capture has nothing
// better to offer.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// CaptureDevices produces local media as static RTP tracks fed by pacing
// writers. Mute and camera toggles gate the writers directly, so disabling a
// track never touches negotiation or signaling.
type CaptureDevices struct {
	logger *zap.SugaredLogger
}

func NewCaptureDevices(logger *zap.SugaredLogger) ports.MediaDevices {
	return &CaptureDevices{logger: logger}
}

func (d *CaptureDevices) Acquire(ctx context.Context, mode domain.CallMode) (ports.LocalMedia, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: bad mode %q", domain.ErrMediaAcquisition, mode)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}

	streamID := utils.GenerateID("capture")

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}

	media := &captureMedia{
		audioTrack: audioTrack,
		stop:       make(chan struct{}),
		logger:     d.logger,
	}
	media.audioOn.Store(true)

	if mode == domain.CallModeVideo {
		videoTrack, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video",
			streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
		}
		media.videoTrack = videoTrack
		media.videoOn.Store(true)
	}

	media.start()

	d.logger.Infow("acquired local media",
		"mode", mode,
		"stream_id", streamID,
	)
	return media, nil
}

// captureMedia owns the pacing writers for one call's local tracks.
type captureMedia struct {
	audioTrack *webrtc.TrackLocalStaticRTP
	videoTrack *webrtc.TrackLocalStaticRTP

	audioOn atomic.Bool
	videoOn atomic.Bool

	stop      chan struct{}
	closeOnce sync.Once
	logger    *zap.SugaredLogger
}

func (m *captureMedia) start() {
	go m.paceAudio()
	if m.videoTrack != nil {
		go m.paceVideo()
	}
}

func (m *captureMedia) paceAudio() {
	ticker := time.NewTicker(audioFrameInterval)
	defer ticker.Stop()

	seq := uint16(rand.Uint32())
	ts := rand.Uint32()
	ssrc := rand.Uint32()
	tsStep := uint32(rtpOpusClockRate / int(time.Second/audioFrameInterval))

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			// Timestamps advance even while muted so the receiver's jitter
			// buffer sees a continuous clock when audio resumes.
			seq++
			ts += tsStep
			if !m.audioOn.Load() {
				continue
			}
			m.writePacket(m.audioTrack, seq, ts, ssrc, opusSilence)
		}
	}
}

func (m *captureMedia) paceVideo() {
	ticker := time.NewTicker(videoFrameInterval)
	defer ticker.Stop()

	seq := uint16(rand.Uint32())
	ts := rand.Uint32()
	ssrc := rand.Uint32()
	tsStep := uint32(rtpVP8ClockRate / int(time.Second/videoFrameInterval))
	frame := make([]byte, 64)

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			seq++
			ts += tsStep
			if !m.videoOn.Load() {
				continue
			}
			m.writePacket(m.videoTrack, seq, ts, ssrc, frame)
		}
	}
}

func (m *captureMedia) writePacket(track *webrtc.TrackLocalStaticRTP, seq uint16, ts, ssrc uint32, payload []byte) {
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	// Writes to an unbound track go nowhere, which is fine before attach.
	if err := track.WriteRTP(packet); err != nil {
		m.logger.Debugw("failed to write capture packet", "track_id", track.ID(), "error", err)
	}
}

func (m *captureMedia) tracks() []*webrtc.TrackLocalStaticRTP {
	out := []*webrtc.TrackLocalStaticRTP{m.audioTrack}
	if m.videoTrack != nil {
		out = append(out, m.videoTrack)
	}
	return out
}

func (m *captureMedia) SetAudioEnabled(enabled bool) { m.audioOn.Store(enabled) }
func (m *captureMedia) AudioEnabled() bool           { return m.audioOn.Load() }
func (m *captureMedia) SetVideoEnabled(enabled bool) { m.videoOn.Store(enabled) }
func (m *captureMedia) VideoEnabled() bool           { return m.videoOn.Load() }
func (m *captureMedia) HasVideo() bool               { return m.videoTrack != nil }

func (m *captureMedia) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
	})
	return nil
}
