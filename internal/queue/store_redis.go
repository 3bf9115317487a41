package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisKey prefixes every key the Redis store uses.
const DefaultRedisKey = "labinterface:queue"

// RedisStore keeps pending message ids in a list, message bodies in a
// hash, failed messages in a second hash and archived messages in a list.
type RedisStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, now: time.Now}
}

func (s *RedisStore) pendingKey() string  { return s.key + ":pending" }
func (s *RedisStore) messagesKey() string { return s.key + ":messages" }
func (s *RedisStore) errorsKey() string   { return s.key + ":errors" }
func (s *RedisStore) archiveKey() string  { return s.key + ":archive" }

func (s *RedisStore) Enqueue(ctx context.Context, data, source string) (*Message, error) {
	m := newMessage(data, source, s.now())
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode lab message: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.messagesKey(), m.ID.String(), body)
		p.RPush(ctx, s.pendingKey(), m.ID.String())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue lab message: %w", err)
	}
	return m, nil
}

func (s *RedisStore) Next(ctx context.Context) (*Message, error) {
	id, err := s.client.LIndex(ctx, s.pendingKey(), 0).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next lab message: %w", err)
	}
	body, err := s.client.HGet(ctx, s.messagesKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		// Drop the orphan so the ids behind it stay reachable.
		if lerr := s.client.LRem(ctx, s.pendingKey(), 1, id).Err(); lerr != nil {
			return nil, fmt.Errorf("drop orphan lab message id %s: %w", id, lerr)
		}
		return nil, fmt.Errorf("%w: pending id %s has no body", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load lab message %s: %w", id, err)
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode lab message %s: %w", id, err)
	}
	return &m, nil
}

// settleScript moves a pending message to its final place. It writes
// nothing and returns 0 when the id is not on the pending list.
//
// KEYS: pending, messages, destination. ARGV: id, body, mode.
var settleScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
if ARGV[3] == 'archive' then
	redis.call('RPUSH', KEYS[3], ARGV[2])
else
	redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
end
return 1
`)

func (s *RedisStore) settle(ctx context.Context, id string, body []byte, dest, mode string) error {
	moved, err := settleScript.Run(ctx, s.client,
		[]string{s.pendingKey(), s.messagesKey(), dest}, id, body, mode).Int()
	if err != nil {
		return err
	}
	if moved == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *RedisStore) Archive(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode lab message %s: %w", msg.ID, err)
	}
	id := msg.ID.String()
	if err := s.settle(ctx, id, body, s.archiveKey(), "archive"); err != nil {
		return fmt.Errorf("archive lab message: %w", err)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, msg *Message, cause error) error {
	now := s.now().UTC()
	failed := *msg
	failed.Status, failed.Error, failed.FailedAt = StatusError, causeText(cause), &now
	body, err := json.Marshal(&failed)
	if err != nil {
		return fmt.Errorf("encode lab message %s: %w", msg.ID, err)
	}
	id := msg.ID.String()
	if err := s.settle(ctx, id, body, s.errorsKey(), "fail"); err != nil {
		return fmt.Errorf("fail lab message: %w", err)
	}
	*msg = failed
	return nil
}

// Failed returns the parked message with id.
func (s *RedisStore) Failed(ctx context.Context, id string) (*Message, error) {
	body, err := s.client.HGet(ctx, s.errorsKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode lab message %s: %w", id, err)
	}
	return &m, nil
}

func (s *RedisStore) Size(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.pendingKey()).Result()
	return int(n), err
}

func (s *RedisStore) ArchiveSize(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.archiveKey()).Result()
	return int(n), err
}

var _ Store = (*RedisStore)(nil)
