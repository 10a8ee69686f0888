package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryLease struct {
	msg      Message
	deadline time.Time
}

type memoryLane struct {
	ready   []Message
	delayed map[string]time.Time // token → due time
	byToken map[string]Message
}

// MemoryBroker is an in-process Broker with the same lease semantics
// as the Redis implementation. It backs tests and single-node setups
// without a Redis.
type MemoryBroker struct {
	mu     sync.Mutex
	lanes  map[string]*memoryLane
	leases map[string]*memoryLease
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		lanes:  make(map[string]*memoryLane),
		leases: make(map[string]*memoryLease),
	}
}

func (b *MemoryBroker) lane(name string) *memoryLane {
	l, ok := b.lanes[name]
	if !ok {
		l = &memoryLane{
			delayed: make(map[string]time.Time),
			byToken: make(map[string]Message),
		}
		b.lanes[name] = l
	}
	return l
}

func (b *MemoryBroker) Enqueue(_ context.Context, lane string, msg Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lane(lane)
	if delay > 0 {
		l.delayed[msg.Token] = time.Now().Add(delay)
		l.byToken[msg.Token] = msg
		return nil
	}
	l.ready = append(l.ready, msg)
	return nil
}

// tick promotes due delayed messages and reaps expired leases. Called
// with the lock held.
func (b *MemoryBroker) tick(now time.Time) {
	for name, l := range b.lanes {
		for token, due := range l.delayed {
			if due.After(now) {
				continue
			}
			l.ready = append(l.ready, l.byToken[token])
			delete(l.delayed, token)
			delete(l.byToken, token)
		}
		for token, lease := range b.leases {
			if lease.msg.Lane != name || lease.deadline.After(now) {
				continue
			}
			// Fresh token on redelivery; the dead holder's token must
			// not match the next delivery's lease.
			msg := lease.msg
			msg.Token = uuid.New().String()
			l.ready = append(l.ready, msg)
			delete(b.leases, token)
		}
	}
}

func (b *MemoryBroker) tryPop(lane string, lease time.Duration) *Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick(time.Now())
	l := b.lane(lane)
	if len(l.ready) == 0 {
		return nil
	}
	msg := l.ready[0]
	l.ready = l.ready[1:]
	b.leases[msg.Token] = &memoryLease{msg: msg, deadline: time.Now().Add(lease)}
	return &Delivery{Message: msg, Token: msg.Token}
}

func (b *MemoryBroker) Dequeue(ctx context.Context, lane string, wait, lease time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		if d := b.tryPop(lane, lease); d != nil {
			return d, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) ExtendLease(_ context.Context, token string, lease time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	held, ok := b.leases[token]
	if !ok {
		return ErrUnknownLease
	}
	held.deadline = time.Now().Add(lease)
	return nil
}

func (b *MemoryBroker) Complete(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.leases[token]; !ok {
		return ErrUnknownLease
	}
	delete(b.leases, token)
	return nil
}

func (b *MemoryBroker) Release(_ context.Context, token string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	held, ok := b.leases[token]
	if !ok {
		return ErrUnknownLease
	}
	delete(b.leases, token)
	l := b.lane(held.msg.Lane)
	msg := held.msg
	msg.Token = uuid.New().String()
	if delay > 0 {
		l.delayed[msg.Token] = time.Now().Add(delay)
		l.byToken[msg.Token] = msg
		return nil
	}
	l.ready = append(l.ready, msg)
	return nil
}

func (b *MemoryBroker) Depth(_ context.Context, lane string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick(time.Now())
	l := b.lane(lane)
	return int64(len(l.ready) + len(l.delayed)), nil
}

func (b *MemoryBroker) InFlight(_ context.Context, lane string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, lease := range b.leases {
		if lease.msg.Lane == lane {
			n++
		}
	}
	return n, nil
}
