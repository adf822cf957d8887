package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
)

// Sessions are signaling scratch space, not records. The TTL sweeps up
// documents whose owners crashed before tearing down.
const sessionTTL = 24 * time.Hour

const (
	sessionEventUpdated = "updated"
	sessionEventDeleted = "deleted"
)

// sessionEvent is the pubsub payload for session document changes.
type sessionEvent struct {
	Type    string              `json:"type"`
	Session *domain.CallSession `json:"session,omitempty"`
}

// RedisSignalingRepository implements the signaling channel on Redis: the
// session document is a JSON value, per-side candidates are lists, and
// observers ride pubsub channels keyed by the channel ID. Pubsub is
// at-most-once per subscriber, so every observer takes a snapshot first;
// consumers already tolerate duplicates between snapshot and stream.
type RedisSignalingRepository struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

func NewRedisSignalingRepository(client *redis.Client, logger *zap.SugaredLogger) ports.SignalingChannel {
	return &RedisSignalingRepository{
		client: client,
		prefix: "ringnet:call:",
		logger: logger,
	}
}

func (r *RedisSignalingRepository) sessionKey(id domain.ChannelID) string {
	return r.prefix + string(id)
}

func (r *RedisSignalingRepository) candidatesKey(id domain.ChannelID, side domain.CandidateSide) string {
	return fmt.Sprintf("%s%s:cand:%s", r.prefix, id, side)
}

func (r *RedisSignalingRepository) eventsChannel(id domain.ChannelID) string {
	return fmt.Sprintf("%s%s:events", r.prefix, id)
}

func (r *RedisSignalingRepository) candidateEventsChannel(id domain.ChannelID, side domain.CandidateSide) string {
	return fmt.Sprintf("%s%s:cand:%s:events", r.prefix, id, side)
}

func (r *RedisSignalingRepository) CreateSession(ctx context.Context, session *domain.CallSession) error {
	if err := session.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := r.client.Set(ctx, r.sessionKey(session.ChannelID), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}

	r.publishSessionEvent(ctx, session.ChannelID, sessionEvent{Type: sessionEventUpdated, Session: session})
	return nil
}

func (r *RedisSignalingRepository) GetSession(ctx context.Context, id domain.ChannelID) (*domain.CallSession, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.CallSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedDocument, err)
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	return &session, nil
}

func (r *RedisSignalingRepository) SetAnswer(ctx context.Context, id domain.ChannelID, answer domain.SessionDescription) error {
	// Only the callee ever writes the answer, so a plain read-modify-write
	// is race-free against the caller (who only deletes).
	session, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}

	a := answer
	session.Answer = &a

	return r.writeAnswered(ctx, session)
}

// writeAnswered stores the answered document. XX: the write must not recreate
// a session the caller tore down between the read and this set; a recreated
// key would also lose its TTL.
func (r *RedisSignalingRepository) writeAnswered(ctx context.Context, session *domain.CallSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = r.client.SetArgs(ctx, r.sessionKey(session.ChannelID), data, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err == redis.Nil {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to set answer in Redis: %w", err)
	}

	r.publishSessionEvent(ctx, session.ChannelID, sessionEvent{Type: sessionEventUpdated, Session: session})
	return nil
}

func (r *RedisSignalingRepository) AppendCandidate(ctx context.Context, id domain.ChannelID, side domain.CandidateSide, cand domain.Candidate) error {
	data, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}

	key := r.candidatesKey(id, side)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append candidate in Redis: %w", err)
	}

	if err := r.client.Publish(ctx, r.candidateEventsChannel(id, side), data).Err(); err != nil {
		return fmt.Errorf("failed to publish candidate: %w", err)
	}
	return nil
}

func (r *RedisSignalingRepository) ObserveSession(ctx context.Context, id domain.ChannelID, h ports.SessionHandler) (ports.CancelFunc, error) {
	// Subscribe before the snapshot so no change can fall between them.
	pubsub := r.client.Subscribe(ctx, r.eventsChannel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to session events: %w", err)
	}

	go func() {
		if session, err := r.GetSession(ctx, id); err == nil {
			if h.OnUpdate != nil {
				h.OnUpdate(session)
			}
		}

		for msg := range pubsub.Channel() {
			var ev sessionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warnw("dropping malformed session event", "channel_id", id, "error", err)
				continue
			}

			switch ev.Type {
			case sessionEventUpdated:
				if ev.Session == nil || ev.Session.Validate() != nil {
					r.logger.Warnw("dropping malformed session update", "channel_id", id)
					continue
				}
				if h.OnUpdate != nil {
					h.OnUpdate(ev.Session)
				}
			case sessionEventDeleted:
				if h.OnDeleted != nil {
					h.OnDeleted()
				}
			}
		}
	}()

	return func() { pubsub.Close() }, nil
}

func (r *RedisSignalingRepository) ObserveCandidates(ctx context.Context, id domain.ChannelID, side domain.CandidateSide, h ports.CandidateHandler) (ports.CancelFunc, error) {
	pubsub := r.client.Subscribe(ctx, r.candidateEventsChannel(id, side))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to candidate events: %w", err)
	}

	go func() {
		// Backlog first. A candidate published between RPush and this read
		// may be seen twice; duplicates are harmless to the consumer.
		backlog, err := r.client.LRange(ctx, r.candidatesKey(id, side), 0, -1).Result()
		if err != nil && err != redis.Nil {
			r.logger.Warnw("failed to read candidate backlog", "channel_id", id, "side", side, "error", err)
		}
		for _, raw := range backlog {
			r.dispatchCandidate(id, raw, h)
		}

		for msg := range pubsub.Channel() {
			r.dispatchCandidate(id, msg.Payload, h)
		}
	}()

	return func() { pubsub.Close() }, nil
}

func (r *RedisSignalingRepository) dispatchCandidate(id domain.ChannelID, raw string, h ports.CandidateHandler) {
	var cand domain.Candidate
	if err := json.Unmarshal([]byte(raw), &cand); err != nil {
		r.logger.Warnw("dropping malformed candidate", "channel_id", id, "error", err)
		return
	}
	if cand.Candidate == "" {
		return
	}
	h(cand)
}

func (r *RedisSignalingRepository) Teardown(ctx context.Context, id domain.ChannelID) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(id))
	pipe.Del(ctx, r.candidatesKey(id, domain.SideCaller))
	pipe.Del(ctx, r.candidatesKey(id, domain.SideCallee))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}

	r.publishSessionEvent(ctx, id, sessionEvent{Type: sessionEventDeleted})
	return nil
}

func (r *RedisSignalingRepository) publishSessionEvent(ctx context.Context, id domain.ChannelID, ev sessionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Errorw("failed to marshal session event", "channel_id", id, "error", err)
		return
	}
	if err := r.client.Publish(ctx, r.eventsChannel(id), data).Err(); err != nil {
		r.logger.Warnw("failed to publish session event", "channel_id", id, "type", ev.Type, "error", err)
	}
}
