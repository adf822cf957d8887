package webrtc

import (
	"context"
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
)

// Config holds the connectivity configuration for peer connections
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Connector builds peer connections from one shared API instance so every
// connection carries the same codec set and port range.
type Connector struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewConnector(config Config, logger *zap.SugaredLogger) (ports.Connector, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &Connector{
		config: config,
		api:    api,
		logger: logger,
	}, nil
}

func (c *Connector) NewConnection(ctx context.Context) (ports.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := c.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   c.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	return &peerConnection{pc: pc, logger: c.logger}, nil
}

// peerConnection adapts a pion connection to the core media port.
type peerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger
}

func (p *peerConnection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return toDomainSDP(offer), nil
}

func (p *peerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return toDomainSDP(answer), nil
}

func (p *peerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	if err := p.pc.SetLocalDescription(fromDomainSDP(desc)); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return nil
}

func (p *peerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(fromDomainSDP(desc)); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (p *peerConnection) AddCandidate(cand domain.Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

func (p *peerConnection) AttachMedia(media ports.LocalMedia) error {
	capture, ok := media.(*captureMedia)
	if !ok {
		return fmt.Errorf("media was not produced by this engine")
	}

	for _, track := range capture.tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
		}
		go p.drainSenderRTCP(sender, track.ID())
	}
	return nil
}

// drainSenderRTCP reads RTCP feedback off a sender. The reports must be
// consumed or the interceptor buffers back up; loss indications are worth a
// debug line.
func (p *peerConnection) drainSenderRTCP(sender *webrtc.RTPSender, trackID string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if _, ok := packet.(*rtcp.PictureLossIndication); ok {
				p.logger.Debugw("picture loss indication from remote", "track_id", trackID)
			}
		}
	}
}

func (p *peerConnection) OnCandidate(h func(domain.Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; there is nothing to relay.
		if c == nil {
			return
		}
		init := c.ToJSON()
		h(domain.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *peerConnection) OnRemoteTrack(h func(ports.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Infow("remote track started",
			"track_id", track.ID(),
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)
		h(&remoteTrack{track: track})

		go p.drainReceiverRTCP(receiver)
		go p.drainRemoteRTP(track)
	})
}

func (p *peerConnection) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// drainRemoteRTP keeps the inbound track flowing. Rendering is the embedding
// application's job; this process only needs the packets consumed.
func (p *peerConnection) drainRemoteRTP(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (p *peerConnection) OnStateChange(h func(domain.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h(toDomainConnectionState(state))
	})
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string   { return t.track.ID() }
func (t *remoteTrack) Kind() string { return t.track.Kind().String() }

func toDomainSDP(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{
		Type: domain.SDPType(desc.Type.String()),
		SDP:  desc.SDP,
	}
}

func fromDomainSDP(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	}
}

func toDomainConnectionState(state webrtc.PeerConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return domain.ConnectionStateNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed
	}
	return domain.ConnectionStateNew
}

// ICEServersFromURLs builds the pion server list from configured URLs.
func ICEServersFromURLs(urls []string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}
