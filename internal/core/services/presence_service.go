package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
)

// presenceService watches one identity's invitation mailbox. It runs for the
// whole authenticated lifetime, independent of any active call.
type presenceService struct {
	mailbox ports.InviteMailbox
	selfID  domain.UserID
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	current *domain.Invitation
	// dismissed remembers call IDs this user already acted on, so a slow
	// store echo cannot re-raise a dismissed invitation.
	dismissed map[domain.ChannelID]bool
	cancel    ports.CancelFunc
	running   bool

	subMu   sync.RWMutex
	subs    map[int]func(*domain.Invitation)
	nextSub int
}

func NewPresenceService(mailbox ports.InviteMailbox, selfID domain.UserID, logger *zap.SugaredLogger) ports.PresenceService {
	return &presenceService{
		mailbox:   mailbox,
		selfID:    selfID,
		logger:    logger,
		dismissed: make(map[domain.ChannelID]bool),
		subs:      make(map[int]func(*domain.Invitation)),
	}
}

func (s *presenceService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("presence already started for %s", s.selfID)
	}
	s.running = true
	s.mu.Unlock()

	cancel, err := s.mailbox.Observe(ctx, s.selfID, s.handleChange)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to watch mailbox for %s: %w", s.selfID, err)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Infow("watching invitation mailbox", "user_id", s.selfID)
	return nil
}

func (s *presenceService) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.current = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *presenceService) handleChange(inv *domain.Invitation) {
	s.mu.Lock()
	s.current = inv
	actionable := inv.PendingFor(s.selfID) && !s.dismissed[inv.CallID]
	s.mu.Unlock()

	if actionable {
		s.logger.Infow("incoming call",
			"call_id", inv.CallID,
			"caller_id", inv.CallerID,
			"mode", inv.Mode,
		)
		s.notify(inv)
		return
	}
	// Non-actionable changes still reach subscribers with nil so the shell
	// can drop a stale banner (e.g. caller cancelled, status flipped).
	s.notify(nil)
}

func (s *presenceService) Current() *domain.Invitation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || !s.current.PendingFor(s.selfID) || s.dismissed[s.current.CallID] {
		return nil
	}
	out := *s.current
	return &out
}

func (s *presenceService) Ring(ctx context.Context, inv *domain.Invitation) error {
	inv.Status = domain.InviteStatusRinging
	inv.UpdatedAt = time.Now()
	if err := s.mailbox.Write(ctx, inv); err != nil {
		// The caller cannot proceed without the callee ever ringing.
		return fmt.Errorf("%w: ring %s: %v", domain.ErrSignalingWrite, inv.RecipientID, err)
	}
	s.logger.Infow("invitation sent",
		"call_id", inv.CallID,
		"recipient_id", inv.RecipientID,
		"mode", inv.Mode,
	)
	return nil
}

func (s *presenceService) Accept(ctx context.Context, inv *domain.Invitation) error {
	s.dismiss(inv.CallID)
	// Best effort: the status flip is a courtesy to the caller's UI; the
	// answer itself travels through the signaling channel.
	if err := s.mailbox.SetStatus(ctx, s.selfID, domain.InviteStatusAccepted); err != nil {
		s.logger.Warnw("failed to mark invitation accepted",
			"call_id", inv.CallID,
			"error", err,
		)
	}
	return nil
}

func (s *presenceService) Decline(ctx context.Context, inv *domain.Invitation) error {
	s.dismiss(inv.CallID)
	if err := s.mailbox.SetStatus(ctx, s.selfID, domain.InviteStatusDeclined); err != nil {
		s.logger.Warnw("failed to mark invitation declined",
			"call_id", inv.CallID,
			"error", err,
		)
	}
	return nil
}

func (s *presenceService) dismiss(callID domain.ChannelID) {
	s.mu.Lock()
	s.dismissed[callID] = true
	s.mu.Unlock()
	s.notify(nil)
}

func (s *presenceService) Subscribe(h func(*domain.Invitation)) ports.CancelFunc {
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

func (s *presenceService) notify(inv *domain.Invitation) {
	s.subMu.RLock()
	handlers := make([]func(*domain.Invitation), 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subMu.RUnlock()

	for _, h := range handlers {
		h(inv)
	}
}
