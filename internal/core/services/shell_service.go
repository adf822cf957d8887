package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
	"ringnet/pkg/utils"
)

// DisplayPhase is what a call surface should render right now.
type DisplayPhase string

const (
	PhaseHidden     DisplayPhase = "hidden"
	PhaseCalling    DisplayPhase = "calling"
	PhaseConnecting DisplayPhase = "connecting"
	PhaseConnected  DisplayPhase = "connected"
)

// DisplayState is the full render contract for the call surface: one phase
// plus a formatted elapsed-time label that only runs while connected.
type DisplayState struct {
	Phase     DisplayPhase
	ChannelID domain.ChannelID
	Elapsed   time.Duration
	Duration  string
}

// ShellService translates call state machine events into render states and
// drives the once-per-second duration counter. The counter resets for every
// session: a reconnected call starts again from 00:00.
type ShellService struct {
	logger *zap.SugaredLogger

	mu          sync.Mutex
	state       DisplayState
	connectedAt time.Time
	stopTicker  chan struct{}
	unsubscribe ports.CancelFunc

	subMu   sync.RWMutex
	subs    map[int]func(DisplayState)
	nextSub int
}

func NewShellService(calls ports.CallService, logger *zap.SugaredLogger) *ShellService {
	s := &ShellService{
		logger: logger,
		state:  DisplayState{Phase: PhaseHidden, Duration: utils.FormatCallDuration(0)},
		subs:   make(map[int]func(DisplayState)),
	}
	s.unsubscribe = calls.Subscribe(s.handleCallEvent)
	return s
}

func (s *ShellService) handleCallEvent(ev ports.CallEvent) {
	s.mu.Lock()
	switch ev.State {
	case domain.CallStateCalling:
		s.setPhaseLocked(PhaseCalling, ev.ChannelID)
	case domain.CallStateRinging:
		s.setPhaseLocked(PhaseConnecting, ev.ChannelID)
	case domain.CallStateConnected:
		if s.state.Phase != PhaseConnected {
			s.connectedAt = utils.Now()
			s.setPhaseLocked(PhaseConnected, ev.ChannelID)
			s.startTickerLocked()
		}
	case domain.CallStateIdle:
		s.stopTickerLocked()
		s.connectedAt = time.Time{}
		s.setPhaseLocked(PhaseHidden, "")
	}
	state := s.state
	s.mu.Unlock()

	s.notify(state)
}

// setPhaseLocked resets the counter on every phase change so a new session
// never inherits the previous one's elapsed time.
func (s *ShellService) setPhaseLocked(phase DisplayPhase, channelID domain.ChannelID) {
	s.state = DisplayState{
		Phase:     phase,
		ChannelID: channelID,
		Elapsed:   0,
		Duration:  utils.FormatCallDuration(0),
	}
}

func (s *ShellService) startTickerLocked() {
	stop := make(chan struct{})
	s.stopTicker = stop

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.tick(stop)
			}
		}
	}()
}

func (s *ShellService) tick(stop chan struct{}) {
	s.mu.Lock()
	// The stop channel doubles as a session token: a tick racing teardown
	// must not repaint the counter of whatever came after.
	if s.stopTicker != stop || s.state.Phase != PhaseConnected {
		s.mu.Unlock()
		return
	}
	s.state.Elapsed = utils.Since(s.connectedAt)
	s.state.Duration = utils.FormatCallDuration(s.state.Elapsed)
	state := s.state
	s.mu.Unlock()

	s.notify(state)
}

func (s *ShellService) stopTickerLocked() {
	if s.stopTicker != nil {
		close(s.stopTicker)
		s.stopTicker = nil
	}
}

// State returns the current render state.
func (s *ShellService) State() DisplayState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers a render callback, invoked on every phase change and
// every counter tick.
func (s *ShellService) Subscribe(h func(DisplayState)) ports.CancelFunc {
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

// Close detaches from the call service and stops the counter.
func (s *ShellService) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Lock()
	s.stopTickerLocked()
	s.mu.Unlock()
}

func (s *ShellService) notify(state DisplayState) {
	s.subMu.RLock()
	handlers := make([]func(DisplayState), 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subMu.RUnlock()

	for _, h := range handlers {
		h(state)
	}
}
