package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
)

// RedisMailboxRepository implements the invitation mailbox on Redis: one JSON
// value per recipient, overwritten whole on each ring, with a pubsub channel
// per recipient for watchers. The slot carries no TTL: a declined or accepted
// invitation stays readable until the next ring overwrites it.
type RedisMailboxRepository struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

func NewRedisMailboxRepository(client *redis.Client, logger *zap.SugaredLogger) ports.InviteMailbox {
	return &RedisMailboxRepository{
		client: client,
		prefix: "ringnet:mailbox:",
		logger: logger,
	}
}

func (r *RedisMailboxRepository) slotKey(recipient domain.UserID) string {
	return r.prefix + string(recipient)
}

func (r *RedisMailboxRepository) eventsChannel(recipient domain.UserID) string {
	return r.prefix + string(recipient) + ":events"
}

func (r *RedisMailboxRepository) Write(ctx context.Context, inv *domain.Invitation) error {
	if err := inv.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invitation: %w", err)
	}

	if err := r.client.Set(ctx, r.slotKey(inv.RecipientID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set invitation in Redis: %w", err)
	}

	r.publish(ctx, inv.RecipientID, data)
	return nil
}

func (r *RedisMailboxRepository) Get(ctx context.Context, recipient domain.UserID) (*domain.Invitation, error) {
	data, err := r.client.Get(ctx, r.slotKey(recipient)).Result()
	if err == redis.Nil {
		return nil, domain.ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation from Redis: %w", err)
	}

	var inv domain.Invitation
	if err := json.Unmarshal([]byte(data), &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedDocument, err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	return &inv, nil
}

func (r *RedisMailboxRepository) SetStatus(ctx context.Context, recipient domain.UserID, status domain.InviteStatus) error {
	inv, err := r.Get(ctx, recipient)
	if err != nil {
		return err
	}

	inv.Status = status

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invitation: %w", err)
	}

	if err := r.client.Set(ctx, r.slotKey(recipient), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update invitation in Redis: %w", err)
	}

	r.publish(ctx, recipient, data)
	return nil
}

func (r *RedisMailboxRepository) Observe(ctx context.Context, recipient domain.UserID, h func(*domain.Invitation)) (ports.CancelFunc, error) {
	// Subscribe before the snapshot so no overwrite can fall between them.
	pubsub := r.client.Subscribe(ctx, r.eventsChannel(recipient))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to mailbox events: %w", err)
	}

	go func() {
		if inv, err := r.Get(ctx, recipient); err == nil {
			h(inv)
		}

		for msg := range pubsub.Channel() {
			var inv domain.Invitation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				r.logger.Warnw("dropping malformed mailbox event", "recipient", recipient, "error", err)
				continue
			}
			if inv.Validate() != nil {
				r.logger.Warnw("dropping malformed invitation", "recipient", recipient)
				continue
			}
			h(&inv)
		}
	}()

	return func() { pubsub.Close() }, nil
}

func (r *RedisMailboxRepository) publish(ctx context.Context, recipient domain.UserID, data []byte) {
	if err := r.client.Publish(ctx, r.eventsChannel(recipient), data).Err(); err != nil {
		r.logger.Warnw("failed to publish mailbox event", "recipient", recipient, "error", err)
	}
}
