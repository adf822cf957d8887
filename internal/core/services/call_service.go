package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
)

// CallConfig bounds the two waits a call setup performs.
type CallConfig struct {
	// AcquireTimeout bounds local device acquisition.
	AcquireTimeout time.Duration
	// AnswerTimeout bounds the caller's wait for the callee's answer.
	AnswerTimeout time.Duration
}

func DefaultCallConfig() CallConfig {
	return CallConfig{
		AcquireTimeout: 30 * time.Second,
		AnswerTimeout:  30 * time.Second,
	}
}

// signalingOpTimeout bounds fire-and-forget store writes made from
// connection callbacks (candidate relay, teardown deletes).
const signalingOpTimeout = 10 * time.Second

// activeCall holds everything owned by one call attempt. It is created and
// destroyed whole: a new attempt never inherits resources from the previous
// one.
type activeCall struct {
	gen       uint64
	channelID domain.ChannelID
	mode      domain.CallMode
	side      domain.CandidateSide
	callerID  domain.UserID
	peerID    domain.UserID

	pc    ports.PeerConnection
	media ports.LocalMedia

	cancels     []ports.CancelFunc
	answerTimer *time.Timer

	speakerMuted bool
	answered     bool
	trackSeen    bool
	startedAt    time.Time
	connectedAt  time.Time
}

type callService struct {
	signaling ports.SignalingChannel
	connector ports.Connector
	devices   ports.MediaDevices
	recorder  ports.CallRecorder
	cfg       CallConfig
	logger    *zap.SugaredLogger

	mu   sync.Mutex
	st   domain.CallState
	call *activeCall
	gen  uint64

	subMu   sync.RWMutex
	subs    map[int]func(ports.CallEvent)
	nextSub int
}

func NewCallService(
	signaling ports.SignalingChannel,
	connector ports.Connector,
	devices ports.MediaDevices,
	recorder ports.CallRecorder,
	cfg CallConfig,
	logger *zap.SugaredLogger,
) ports.CallService {
	return &callService{
		signaling: signaling,
		connector: connector,
		devices:   devices,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
		st:        domain.CallStateIdle,
		subs:      make(map[int]func(ports.CallEvent)),
	}
}

func (s *callService) StartCall(ctx context.Context, channelID domain.ChannelID, mode domain.CallMode, callerID, peerID domain.UserID) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: bad mode %q", domain.ErrMalformedDocument, mode)
	}

	call, err := s.begin(channelID, mode, domain.SideCaller, callerID, peerID, domain.CallStateCalling)
	if err != nil {
		return err
	}
	s.emit(ports.CallEvent{State: domain.CallStateCalling, ChannelID: channelID})
	s.recorder.RecordCallStarted(mode, domain.SideCaller)

	if err := s.setupLocal(ctx, call); err != nil {
		s.abort(call.gen, err)
		return err
	}

	offer, err := call.pc.CreateOffer(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		s.abort(call.gen, err)
		return err
	}
	if err := call.pc.SetLocalDescription(offer); err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		s.abort(call.gen, err)
		return err
	}

	session := &domain.CallSession{
		ChannelID: channelID,
		Mode:      mode,
		CallerID:  callerID,
		PeerID:    peerID,
		Offer:     &offer,
		CreatedAt: time.Now(),
	}
	// Single attempt. Retrying a write after an ambiguous failure could
	// resurrect a document the callee already acted on.
	if err := s.signaling.CreateSession(ctx, session); err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrSignalingWrite, err)
		s.abort(call.gen, err)
		return err
	}

	if err := s.observe(ctx, call); err != nil {
		s.abort(call.gen, err)
		return err
	}

	// The callee gets a bounded window to answer; after that the attempt
	// tears down exactly like a failure.
	gen := call.gen
	timer := time.AfterFunc(s.cfg.AnswerTimeout, func() {
		s.mu.Lock()
		c := s.current(gen)
		expired := c != nil && !c.answered
		s.mu.Unlock()
		if expired {
			s.logger.Warnw("call timed out waiting for answer", "channel_id", channelID)
			s.teardown(gen, domain.ErrCallTimeout)
		}
	})

	s.mu.Lock()
	if c := s.current(gen); c != nil {
		c.answerTimer = timer
	} else {
		timer.Stop()
	}
	s.mu.Unlock()

	s.logger.Infow("call started",
		"channel_id", channelID,
		"mode", mode,
		"peer_id", peerID,
	)
	return nil
}

func (s *callService) AnswerCall(ctx context.Context, channelID domain.ChannelID, mode domain.CallMode) error {
	// The session document, not the invitation, is authoritative for the
	// call's parameters.
	session, err := s.signaling.GetSession(ctx, channelID)
	if err != nil {
		return err
	}
	if session.Mode != mode {
		s.logger.Warnw("invitation mode disagrees with session, using session",
			"channel_id", channelID,
			"invitation_mode", mode,
			"session_mode", session.Mode,
		)
	}

	call, err := s.begin(channelID, session.Mode, domain.SideCallee, session.CallerID, session.PeerID, domain.CallStateRinging)
	if err != nil {
		return err
	}
	s.emit(ports.CallEvent{State: domain.CallStateRinging, ChannelID: channelID})
	s.recorder.RecordCallStarted(session.Mode, domain.SideCallee)

	if err := s.setupLocal(ctx, call); err != nil {
		s.abort(call.gen, err)
		return err
	}

	if err := call.pc.SetRemoteDescription(*session.Offer); err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		s.abort(call.gen, err)
		return err
	}

	answer, err := call.pc.CreateAnswer(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		s.abort(call.gen, err)
		return err
	}
	if err := call.pc.SetLocalDescription(answer); err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		s.abort(call.gen, err)
		return err
	}

	if err := s.signaling.SetAnswer(ctx, channelID, answer); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			// Caller hung up between our read and our write.
			s.abort(call.gen, domain.ErrCallEnded)
			return domain.ErrCallEnded
		}
		err = fmt.Errorf("%w: %v", domain.ErrSignalingWrite, err)
		s.abort(call.gen, err)
		return err
	}

	if err := s.observe(ctx, call); err != nil {
		s.abort(call.gen, err)
		return err
	}

	// Provisional until the first remote track confirms media flow.
	s.transition(call.gen, domain.CallStateConnected, nil)

	s.logger.Infow("call answered",
		"channel_id", channelID,
		"mode", session.Mode,
	)
	return nil
}

// begin claims the single active-call slot or fails with no side effects.
func (s *callService) begin(channelID domain.ChannelID, mode domain.CallMode, side domain.CandidateSide, callerID, peerID domain.UserID, state domain.CallState) (*activeCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st != domain.CallStateIdle {
		return nil, domain.ErrAlreadyInCall
	}

	s.gen++
	call := &activeCall{
		gen:       s.gen,
		channelID: channelID,
		mode:      mode,
		side:      side,
		callerID:  callerID,
		peerID:    peerID,
		startedAt: time.Now(),
	}
	s.call = call
	s.st = state
	return call, nil
}

// setupLocal acquires capture, creates the connection and wires every
// callback. Each continuation re-checks the generation before touching state:
// by the time a callback or await completes, the call it belongs to may
// already be gone.
func (s *callService) setupLocal(ctx context.Context, call *activeCall) error {
	gen := call.gen
	channelID := call.channelID

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	media, err := s.devices.Acquire(acquireCtx, call.mode)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The user abandoned the attempt mid-acquire, which is not a
			// device failure.
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: media acquisition: %v", domain.ErrCallTimeout, err)
		}
		if errors.Is(err, domain.ErrMediaAcquisition) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}

	s.mu.Lock()
	if c := s.current(gen); c != nil {
		c.media = media
	} else {
		s.mu.Unlock()
		media.Close()
		return domain.ErrCallEnded
	}
	s.mu.Unlock()

	pc, err := s.connector.NewConnection(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	s.mu.Lock()
	if c := s.current(gen); c != nil {
		c.pc = pc
	} else {
		s.mu.Unlock()
		pc.Close()
		return domain.ErrCallEnded
	}
	s.mu.Unlock()

	side := call.side
	pc.OnCandidate(func(cand domain.Candidate) {
		// Best effort: a lost candidate costs a connectivity path, not the
		// call.
		opCtx, opCancel := context.WithTimeout(context.Background(), signalingOpTimeout)
		defer opCancel()
		if err := s.signaling.AppendCandidate(opCtx, channelID, side, cand); err != nil {
			s.logger.Warnw("failed to relay local candidate",
				"channel_id", channelID,
				"error", err,
			)
		}
	})

	pc.OnRemoteTrack(func(track ports.RemoteTrack) {
		s.handleRemoteTrack(gen, track)
	})

	pc.OnStateChange(func(state domain.ConnectionState) {
		s.handleConnectionState(gen, state)
	})

	if err := pc.AttachMedia(media); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	return nil
}

// observe wires the two store watches: the session document for the answer
// and the remote hang-up, and the other side's candidate list.
func (s *callService) observe(ctx context.Context, call *activeCall) error {
	gen := call.gen
	channelID := call.channelID

	sessionCancel, err := s.signaling.ObserveSession(ctx, channelID, ports.SessionHandler{
		OnUpdate: func(session *domain.CallSession) {
			s.handleSessionUpdate(gen, session)
		},
		OnDeleted: func() {
			// Deletion is the authoritative remote hang-up.
			s.teardown(gen, domain.ErrCallEnded)
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignalingWrite, err)
	}
	s.addCancel(gen, sessionCancel)

	candCancel, err := s.signaling.ObserveCandidates(ctx, channelID, call.side.Other(), func(cand domain.Candidate) {
		s.handleRemoteCandidate(gen, cand)
	})
	if err != nil {
		sessionCancel()
		return fmt.Errorf("%w: %v", domain.ErrSignalingWrite, err)
	}
	s.addCancel(gen, candCancel)

	return nil
}

func (s *callService) addCancel(gen uint64, cancel ports.CancelFunc) {
	s.mu.Lock()
	if c := s.current(gen); c != nil {
		c.cancels = append(c.cancels, cancel)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	cancel()
}

func (s *callService) handleSessionUpdate(gen uint64, session *domain.CallSession) {
	s.mu.Lock()
	c := s.current(gen)
	if c == nil || c.side != domain.SideCaller || c.answered || session.Answer == nil {
		s.mu.Unlock()
		return
	}
	c.answered = true
	if c.answerTimer != nil {
		c.answerTimer.Stop()
	}
	pc := c.pc
	answer := *session.Answer
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(answer); err != nil {
		s.logger.Errorw("failed to apply answer",
			"channel_id", session.ChannelID,
			"error", err,
		)
		s.teardown(gen, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
		return
	}

	s.transition(gen, domain.CallStateConnected, nil)
	s.logger.Infow("answer applied", "channel_id", session.ChannelID)
}

func (s *callService) handleRemoteCandidate(gen uint64, cand domain.Candidate) {
	s.mu.Lock()
	c := s.current(gen)
	if c == nil || c.pc == nil {
		s.mu.Unlock()
		return
	}
	pc := c.pc
	s.mu.Unlock()

	// Duplicates and late arrivals against a closing connection are normal;
	// neither is worth more than a debug line.
	if err := pc.AddCandidate(cand); err != nil {
		s.logger.Debugw("remote candidate rejected", "error", err)
	}
}

// handleRemoteTrack records the moment media actually flows. This, not the
// answer, is the authoritative connected signal: an applied answer with no
// media is still a dead call.
func (s *callService) handleRemoteTrack(gen uint64, track ports.RemoteTrack) {
	s.mu.Lock()
	c := s.current(gen)
	if c == nil || c.trackSeen {
		s.mu.Unlock()
		return
	}
	c.trackSeen = true
	c.connectedAt = time.Now()
	stats := domain.CallStats{
		ChannelID:     c.channelID,
		Mode:          c.mode,
		Side:          c.side,
		SetupDuration: c.connectedAt.Sub(c.startedAt),
		Timestamp:     c.connectedAt,
	}
	s.mu.Unlock()

	s.recorder.RecordCallConnected(stats)
	s.transition(gen, domain.CallStateConnected, nil)
	s.logger.Infow("remote media flowing",
		"channel_id", stats.ChannelID,
		"track_id", track.ID(),
		"kind", track.Kind(),
		"setup_ms", stats.SetupDuration.Milliseconds(),
	)
}

func (s *callService) handleConnectionState(gen uint64, state domain.ConnectionState) {
	if !state.Broken() {
		return
	}
	s.logger.Warnw("connection broke", "state", state)
	s.teardown(gen, domain.ErrConnectionFailed)
}

func (s *callService) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.media == nil {
		return false
	}
	// Explicit read-modify-write against the tracks themselves, so repeated
	// toggles can never drift from the real track state.
	enabled := s.call.media.AudioEnabled()
	s.call.media.SetAudioEnabled(!enabled)
	return enabled
}

func (s *callService) ToggleCam() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.media == nil || !s.call.media.HasVideo() {
		return false
	}
	enabled := s.call.media.VideoEnabled()
	s.call.media.SetVideoEnabled(!enabled)
	return enabled
}

func (s *callService) ToggleSpeaker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil {
		return false
	}
	s.call.speakerMuted = !s.call.speakerMuted
	return s.call.speakerMuted
}

func (s *callService) HangUp() {
	s.mu.Lock()
	gen := uint64(0)
	if s.call != nil {
		gen = s.call.gen
	}
	s.mu.Unlock()

	if gen != 0 {
		s.teardown(gen, nil)
	}
}

func (s *callService) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *callService) Subscribe(h func(ports.CallEvent)) ports.CancelFunc {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = h
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// current returns the active call iff it is still the one identified by gen.
// Caller must hold s.mu.
func (s *callService) current(gen uint64) *activeCall {
	if s.call != nil && s.call.gen == gen {
		return s.call
	}
	return nil
}

// abort is the failure exit from a setup path: tear down and report.
func (s *callService) abort(gen uint64, reason error) {
	s.logger.Warnw("call setup failed", "error", reason)
	s.teardown(gen, reason)
}

// teardown releases everything a call attempt holds. It is idempotent per
// generation, and every release step tolerates the resource never having been
// created: setup can fail at any point.
func (s *callService) teardown(gen uint64, reason error) {
	s.mu.Lock()
	call := s.current(gen)
	if call == nil {
		s.mu.Unlock()
		return
	}
	s.call = nil
	s.gen++
	s.st = domain.CallStateIdle
	s.mu.Unlock()

	if call.answerTimer != nil {
		call.answerTimer.Stop()
	}
	for _, cancel := range call.cancels {
		cancel()
	}
	if call.pc != nil {
		if err := call.pc.Close(); err != nil {
			s.logger.Warnw("failed to close connection", "channel_id", call.channelID, "error", err)
		}
	}
	if call.media != nil {
		if err := call.media.Close(); err != nil {
			s.logger.Warnw("failed to release media", "channel_id", call.channelID, "error", err)
		}
	}

	// Delete the session even when reacting to a remote delete: the store
	// treats it as a no-op, and it guarantees our own side never leaves a
	// live document behind.
	opCtx, opCancel := context.WithTimeout(context.Background(), signalingOpTimeout)
	if err := s.signaling.Teardown(opCtx, call.channelID); err != nil {
		s.logger.Warnw("failed to delete session", "channel_id", call.channelID, "error", err)
	}
	opCancel()

	now := time.Now()
	if !call.connectedAt.IsZero() {
		s.recorder.RecordCallEnded(domain.CallStats{
			ChannelID:     call.channelID,
			Mode:          call.mode,
			Side:          call.side,
			SetupDuration: call.connectedAt.Sub(call.startedAt),
			Duration:      now.Sub(call.connectedAt),
			Timestamp:     now,
		})
	} else {
		s.recorder.RecordCallFailed(failureReason(reason))
	}

	s.emit(ports.CallEvent{State: domain.CallStateIdle, ChannelID: call.channelID, Reason: reason})
	s.logger.Infow("call ended",
		"channel_id", call.channelID,
		"reason", reasonString(reason),
	)
}

// transition publishes a state change for the given generation, if it is
// still the active call.
func (s *callService) transition(gen uint64, state domain.CallState, reason error) {
	s.mu.Lock()
	c := s.current(gen)
	if c == nil {
		s.mu.Unlock()
		return
	}
	changed := s.st != state
	s.st = state
	channelID := c.channelID
	s.mu.Unlock()

	if changed {
		s.emit(ports.CallEvent{State: state, ChannelID: channelID, Reason: reason})
	}
}

func (s *callService) emit(ev ports.CallEvent) {
	s.subMu.RLock()
	handlers := make([]func(ports.CallEvent), 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func failureReason(err error) string {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, domain.ErrCallTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrMediaAcquisition):
		return "media_acquisition"
	case errors.Is(err, domain.ErrSignalingWrite):
		return "signaling_write"
	case errors.Is(err, domain.ErrConnectionFailed):
		return "connection_failed"
	case errors.Is(err, domain.ErrCallEnded):
		return "remote_hangup"
	default:
		return "other"
	}
}

func reasonString(err error) string {
	if err == nil {
		return "local_hangup"
	}
	return err.Error()
}
