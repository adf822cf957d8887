package memory

import (
	"context"
	"sync"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
)

// inviteSub delivers mailbox changes on its own goroutine, same scheme as
// sessionSub: a handler may call Accept/Decline back into the store.
type inviteSub struct {
	mu     sync.Mutex
	queue  []*domain.Invitation
	wake   chan struct{}
	closed bool
	h      func(*domain.Invitation)
}

func newInviteSub(h func(*domain.Invitation)) *inviteSub {
	s := &inviteSub{
		wake: make(chan struct{}, 1),
		h:    h,
	}
	go s.loop()
	return s
}

func (s *inviteSub) push(inv *domain.Invitation) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, inv)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *inviteSub) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *inviteSub) loop() {
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			inv := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.h(inv)
		}
	}
}

// MemoryMailboxRepository is a process-local invitation mailbox: one mutable
// slot per recipient, overwritten whole on each ring.
type MemoryMailboxRepository struct {
	mu    sync.RWMutex
	slots map[domain.UserID]*domain.Invitation
	subs  map[domain.UserID]map[*inviteSub]struct{}
}

func NewMemoryMailboxRepository() ports.InviteMailbox {
	return &MemoryMailboxRepository{
		slots: make(map[domain.UserID]*domain.Invitation),
		subs:  make(map[domain.UserID]map[*inviteSub]struct{}),
	}
}

func (r *MemoryMailboxRepository) Write(ctx context.Context, inv *domain.Invitation) error {
	if err := inv.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := copyInvitation(inv)
	r.slots[inv.RecipientID] = stored
	r.notifyLocked(inv.RecipientID, stored)
	return nil
}

func (r *MemoryMailboxRepository) Get(ctx context.Context, recipient domain.UserID) (*domain.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.slots[recipient]
	if !ok {
		return nil, domain.ErrInvitationNotFound
	}
	return copyInvitation(inv), nil
}

func (r *MemoryMailboxRepository) SetStatus(ctx context.Context, recipient domain.UserID, status domain.InviteStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.slots[recipient]
	if !ok {
		return domain.ErrInvitationNotFound
	}

	inv.Status = status
	r.notifyLocked(recipient, inv)
	return nil
}

func (r *MemoryMailboxRepository) Observe(ctx context.Context, recipient domain.UserID, h func(*domain.Invitation)) (ports.CancelFunc, error) {
	sub := newInviteSub(h)

	r.mu.Lock()
	if r.subs[recipient] == nil {
		r.subs[recipient] = make(map[*inviteSub]struct{})
	}
	r.subs[recipient][sub] = struct{}{}

	if inv, ok := r.slots[recipient]; ok {
		sub.push(copyInvitation(inv))
	}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[recipient], sub)
			r.mu.Unlock()
			sub.close()
		})
	}
	return cancel, nil
}

func (r *MemoryMailboxRepository) notifyLocked(recipient domain.UserID, inv *domain.Invitation) {
	for sub := range r.subs[recipient] {
		sub.push(copyInvitation(inv))
	}
}

func copyInvitation(i *domain.Invitation) *domain.Invitation {
	out := *i
	return &out
}
