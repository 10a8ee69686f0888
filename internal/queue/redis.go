package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on Redis. Each lane keeps three keys:
// a ready list (FIFO), a delayed zset scored by due time, and a leased
// zset scored by visibility deadline. Envelope payloads for leased
// messages live in one shared hash keyed by lease token.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
}

// popScript atomically pops the oldest ready envelope and records its
// lease, so a worker crash between pop and lease cannot lose the
// message.
var popScript = redis.NewScript(`
local msg = redis.call('RPOP', KEYS[1])
if not msg then
	return false
end
local env = cjson.decode(msg)
redis.call('ZADD', KEYS[2], ARGV[1], env.token)
redis.call('HSET', KEYS[3], env.token, msg)
return msg
`)

// NewRedisBroker connects a broker to Redis using a URL of the form
// redis://host:port/db. The prefix namespaces every key.
func NewRedisBroker(url, prefix string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if prefix == "" {
		prefix = "mp4q"
	}
	return &RedisBroker{rdb: redis.NewClient(opt), prefix: prefix}, nil
}

// Ping checks broker connectivity for health reporting.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBroker) keyReady(lane string) string   { return b.prefix + ":" + lane + ":ready" }
func (b *RedisBroker) keyDelayed(lane string) string { return b.prefix + ":" + lane + ":delayed" }
func (b *RedisBroker) keyLeased(lane string) string  { return b.prefix + ":" + lane + ":leased" }
func (b *RedisBroker) keyPayloads() string           { return b.prefix + ":payloads" }

func (b *RedisBroker) Enqueue(ctx context.Context, lane string, msg Message, delay time.Duration) error {
	raw, err := msg.encode()
	if err != nil {
		return err
	}
	if delay > 0 {
		due := float64(time.Now().Add(delay).UnixMilli())
		return b.rdb.ZAdd(ctx, b.keyDelayed(lane), redis.Z{Score: due, Member: raw}).Err()
	}
	return b.rdb.LPush(ctx, b.keyReady(lane), raw).Err()
}

// promoteDue moves delayed envelopes whose due time has passed onto
// the ready list. ZRem arbitrates between concurrent workers: only the
// caller that removes the member pushes it.
func (b *RedisBroker) promoteDue(ctx context.Context, lane string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.rdb.ZRangeByScore(ctx, b.keyDelayed(lane), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 128,
	}).Result()
	if err != nil {
		return
	}
	for _, m := range members {
		removed, err := b.rdb.ZRem(ctx, b.keyDelayed(lane), m).Result()
		if err != nil || removed == 0 {
			continue
		}
		// Redeliveries jump the line relative to new enqueues.
		b.rdb.RPush(ctx, b.keyReady(lane), m)
	}
}

// reapExpired returns messages whose lease deadline passed to the
// ready list, making a crashed worker's work redeliverable.
func (b *RedisBroker) reapExpired(ctx context.Context, lane string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	tokens, err := b.rdb.ZRangeByScore(ctx, b.keyLeased(lane), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 128,
	}).Result()
	if err != nil {
		return
	}
	for _, token := range tokens {
		removed, err := b.rdb.ZRem(ctx, b.keyLeased(lane), token).Result()
		if err != nil || removed == 0 {
			continue
		}
		raw, err := b.rdb.HGet(ctx, b.keyPayloads(), token).Result()
		b.rdb.HDel(ctx, b.keyPayloads(), token)
		if err != nil || raw == "" {
			continue
		}
		msg, err := decodeMessage([]byte(raw))
		if err != nil {
			continue
		}
		// Requeue under a fresh token so the dead holder's token is
		// invalid from here on and cannot touch the next delivery.
		msg.Token = uuid.New().String()
		fresh, err := msg.encode()
		if err != nil {
			continue
		}
		b.rdb.RPush(ctx, b.keyReady(lane), fresh)
	}
}

func (b *RedisBroker) Dequeue(ctx context.Context, lane string, wait, lease time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		b.promoteDue(ctx, lane)
		b.reapExpired(ctx, lane)

		leaseDeadline := strconv.FormatInt(time.Now().Add(lease).UnixMilli(), 10)
		res, err := popScript.Run(ctx, b.rdb,
			[]string{b.keyReady(lane), b.keyLeased(lane), b.keyPayloads()},
			leaseDeadline).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		if raw, ok := res.(string); ok && raw != "" {
			msg, err := decodeMessage([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("decode envelope: %w", err)
			}
			return &Delivery{Message: msg, Token: msg.Token}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// leasedMessage resolves a lease token back to its envelope.
func (b *RedisBroker) leasedMessage(ctx context.Context, token string) (Message, error) {
	raw, err := b.rdb.HGet(ctx, b.keyPayloads(), token).Result()
	if err == redis.Nil {
		return Message{}, ErrUnknownLease
	}
	if err != nil {
		return Message{}, err
	}
	return decodeMessage([]byte(raw))
}

func (b *RedisBroker) ExtendLease(ctx context.Context, token string, lease time.Duration) error {
	msg, err := b.leasedMessage(ctx, token)
	if err != nil {
		return err
	}
	deadline := float64(time.Now().Add(lease).UnixMilli())
	n, err := b.rdb.ZAddXX(ctx, b.keyLeased(msg.Lane), redis.Z{Score: deadline, Member: token}).Result()
	if err != nil {
		return err
	}
	// XX returns 0 both for updates and misses; confirm the token is
	// still leased.
	if n == 0 {
		if err := b.rdb.ZScore(ctx, b.keyLeased(msg.Lane), token).Err(); err == redis.Nil {
			return ErrUnknownLease
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBroker) Complete(ctx context.Context, token string) error {
	msg, err := b.leasedMessage(ctx, token)
	if err != nil {
		return err
	}
	removed, err := b.rdb.ZRem(ctx, b.keyLeased(msg.Lane), token).Result()
	if err != nil {
		return err
	}
	b.rdb.HDel(ctx, b.keyPayloads(), token)
	if removed == 0 {
		return ErrUnknownLease
	}
	return nil
}

func (b *RedisBroker) Release(ctx context.Context, token string, delay time.Duration) error {
	msg, err := b.leasedMessage(ctx, token)
	if err != nil {
		return err
	}
	removed, err := b.rdb.ZRem(ctx, b.keyLeased(msg.Lane), token).Result()
	if err != nil {
		return err
	}
	b.rdb.HDel(ctx, b.keyPayloads(), token)
	if removed == 0 {
		// Lease already expired; the reaper requeued the message.
		return ErrUnknownLease
	}

	// Fresh token on requeue: the released lease's identity must not
	// carry into the next delivery.
	msg.Token = uuid.New().String()
	raw, err := msg.encode()
	if err != nil {
		return err
	}
	if delay > 0 {
		due := float64(time.Now().Add(delay).UnixMilli())
		return b.rdb.ZAdd(ctx, b.keyDelayed(msg.Lane), redis.Z{Score: due, Member: raw}).Err()
	}
	return b.rdb.RPush(ctx, b.keyReady(msg.Lane), raw).Err()
}

func (b *RedisBroker) Depth(ctx context.Context, lane string) (int64, error) {
	ready, err := b.rdb.LLen(ctx, b.keyReady(lane)).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := b.rdb.ZCard(ctx, b.keyDelayed(lane)).Result()
	if err != nil {
		return 0, err
	}
	return ready + delayed, nil
}

func (b *RedisBroker) InFlight(ctx context.Context, lane string) (int64, error) {
	return b.rdb.ZCard(ctx, b.keyLeased(lane)).Result()
}
