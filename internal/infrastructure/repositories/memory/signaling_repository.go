package memory

import (
	"context"
	"sync"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
)

// sessionEvent carries one session document change to a subscriber.
// A nil session means the document was deleted.
type sessionEvent struct {
	session *domain.CallSession
}

// sessionSub delivers events on its own goroutine so a handler may call back
// into the store (e.g. OnDeleted triggering Teardown) without deadlocking.
type sessionSub struct {
	mu     sync.Mutex
	queue  []sessionEvent
	wake   chan struct{}
	closed bool
	h      ports.SessionHandler
}

func newSessionSub(h ports.SessionHandler) *sessionSub {
	s := &sessionSub{
		wake: make(chan struct{}, 1),
		h:    h,
	}
	go s.loop()
	return s
}

func (s *sessionSub) push(ev sessionEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *sessionSub) close() {
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

func (s *sessionSub) loop() {
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
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if ev.session == nil {
				if s.h.OnDeleted != nil {
					s.h.OnDeleted()
				}
			} else if s.h.OnUpdate != nil {
				s.h.OnUpdate(ev.session)
			}
		}
	}
}

// candidateSub mirrors sessionSub for candidate append events.
type candidateSub struct {
	mu     sync.Mutex
	queue  []domain.Candidate
	wake   chan struct{}
	closed bool
	h      ports.CandidateHandler
}

func newCandidateSub(h ports.CandidateHandler) *candidateSub {
	s := &candidateSub{
		wake: make(chan struct{}, 1),
		h:    h,
	}
	go s.loop()
	return s
}

func (s *candidateSub) push(cand domain.Candidate) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, cand)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *candidateSub) close() {
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

func (s *candidateSub) loop() {
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
			cand := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.h(cand)
		}
	}
}

type candidateKey struct {
	id   domain.ChannelID
	side domain.CandidateSide
}

// MemorySignalingRepository is a process-local signaling channel. It is used
// by tests and single-node deployments; multi-node deployments use the redis
// implementation instead.
type MemorySignalingRepository struct {
	mu            sync.RWMutex
	sessions      map[domain.ChannelID]*domain.CallSession
	candidates    map[candidateKey][]domain.Candidate
	sessionSubs   map[domain.ChannelID]map[*sessionSub]struct{}
	candidateSubs map[candidateKey]map[*candidateSub]struct{}
}

func NewMemorySignalingRepository() ports.SignalingChannel {
	return &MemorySignalingRepository{
		sessions:      make(map[domain.ChannelID]*domain.CallSession),
		candidates:    make(map[candidateKey][]domain.Candidate),
		sessionSubs:   make(map[domain.ChannelID]map[*sessionSub]struct{}),
		candidateSubs: make(map[candidateKey]map[*candidateSub]struct{}),
	}
}

func (r *MemorySignalingRepository) CreateSession(ctx context.Context, session *domain.CallSession) error {
	if err := session.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := copySession(session)
	r.sessions[session.ChannelID] = stored
	r.notifySessionLocked(session.ChannelID, stored)
	return nil
}

func (r *MemorySignalingRepository) GetSession(ctx context.Context, id domain.ChannelID) (*domain.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(session), nil
}

func (r *MemorySignalingRepository) SetAnswer(ctx context.Context, id domain.ChannelID, answer domain.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}

	a := answer
	session.Answer = &a
	r.notifySessionLocked(id, session)
	return nil
}

func (r *MemorySignalingRepository) AppendCandidate(ctx context.Context, id domain.ChannelID, side domain.CandidateSide, cand domain.Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := candidateKey{id: id, side: side}
	r.candidates[key] = append(r.candidates[key], cand)

	for sub := range r.candidateSubs[key] {
		sub.push(cand)
	}
	return nil
}

func (r *MemorySignalingRepository) ObserveSession(ctx context.Context, id domain.ChannelID, h ports.SessionHandler) (ports.CancelFunc, error) {
	sub := newSessionSub(h)

	r.mu.Lock()
	if r.sessionSubs[id] == nil {
		r.sessionSubs[id] = make(map[*sessionSub]struct{})
	}
	r.sessionSubs[id][sub] = struct{}{}

	// Initial snapshot, if any, is enqueued under the lock so no later
	// update can be observed before it.
	if session, ok := r.sessions[id]; ok {
		sub.push(sessionEvent{session: copySession(session)})
	}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.sessionSubs[id], sub)
			r.mu.Unlock()
			sub.close()
		})
	}
	return cancel, nil
}

func (r *MemorySignalingRepository) ObserveCandidates(ctx context.Context, id domain.ChannelID, side domain.CandidateSide, h ports.CandidateHandler) (ports.CancelFunc, error) {
	sub := newCandidateSub(h)
	key := candidateKey{id: id, side: side}

	r.mu.Lock()
	if r.candidateSubs[key] == nil {
		r.candidateSubs[key] = make(map[*candidateSub]struct{})
	}
	r.candidateSubs[key][sub] = struct{}{}

	// Backlog first, then live appends, preserving append order.
	for _, cand := range r.candidates[key] {
		sub.push(cand)
	}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.candidateSubs[key], sub)
			r.mu.Unlock()
			sub.close()
		})
	}
	return cancel, nil
}

func (r *MemorySignalingRepository) Teardown(ctx context.Context, id domain.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return nil
	}

	delete(r.sessions, id)
	delete(r.candidates, candidateKey{id: id, side: domain.SideCaller})
	delete(r.candidates, candidateKey{id: id, side: domain.SideCallee})

	for sub := range r.sessionSubs[id] {
		sub.push(sessionEvent{session: nil})
	}
	return nil
}

func (r *MemorySignalingRepository) notifySessionLocked(id domain.ChannelID, session *domain.CallSession) {
	for sub := range r.sessionSubs[id] {
		sub.push(sessionEvent{session: copySession(session)})
	}
}

func copySession(s *domain.CallSession) *domain.CallSession {
	out := *s
	if s.Offer != nil {
		offer := *s.Offer
		out.Offer = &offer
	}
	if s.Answer != nil {
		answer := *s.Answer
		out.Answer = &answer
	}
	return &out
}
