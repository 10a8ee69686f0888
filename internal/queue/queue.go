// Package queue defines the broker seam between job creation and the
// worker pools: at-least-once delivery, per-lane ordering, and
// visibility timeouts so a crashed worker's lease expires and the
// message becomes redeliverable.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoMessage is returned by Dequeue when no message arrived
	// within the wait window.
	ErrNoMessage = errors.New("no message available")
	// ErrUnknownLease is returned when a lease token is not held by
	// the broker, typically because it already expired and was
	// redelivered.
	ErrUnknownLease = errors.New("unknown lease token")
)

// Message is the envelope carried through the broker. It references a
// job by id; the Job Record Store remains the source of truth for
// state, so losing or duplicating an envelope is recoverable. Token
// identifies one delivery's lease; brokers mint a fresh token whenever
// they requeue an envelope, so a holder that outlived its lease can
// never act on a later delivery.
type Message struct {
	Token      string    `json:"token"`
	JobID      uuid.UUID `json:"job_id"`
	Lane       string    `json:"lane"`
	Kind       string    `json:"kind"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (m Message) encode() ([]byte, error) { return json.Marshal(m) }

func decodeMessage(raw []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(raw, &m)
	return m, err
}

// Delivery is one dequeued message plus the lease token the worker
// must use for heartbeats and acknowledgement.
type Delivery struct {
	Message Message
	Token   string
}

// Broker is the queue adapter contract. Implementations must provide
// at-least-once delivery, FIFO-ish ordering within a lane, and lease
// expiry that returns unacknowledged messages to the lane.
type Broker interface {
	// Enqueue schedules a message on a lane, optionally after a delay.
	Enqueue(ctx context.Context, lane string, msg Message, delay time.Duration) error
	// Dequeue blocks up to wait for the next message on a lane and
	// leases it for the given visibility window. Returns ErrNoMessage
	// when the wait elapses empty.
	Dequeue(ctx context.Context, lane string, wait, lease time.Duration) (*Delivery, error)
	// ExtendLease pushes a held lease's visibility deadline forward.
	ExtendLease(ctx context.Context, token string, lease time.Duration) error
	// Complete acknowledges a delivery; the message is gone for good.
	Complete(ctx context.Context, token string) error
	// Release returns a leased message to its lane, optionally after a
	// delay, for retry.
	Release(ctx context.Context, token string, delay time.Duration) error
	// Depth reports how many messages are waiting on a lane, including
	// delayed ones not yet due.
	Depth(ctx context.Context, lane string) (int64, error)
	// InFlight reports how many messages are currently leased on a lane.
	InFlight(ctx context.Context, lane string) (int64, error)
}

// NewMessage builds an envelope for a job with a fresh lease token.
func NewMessage(jobID uuid.UUID, lane, kind string) Message {
	return Message{
		Token:      uuid.New().String(),
		JobID:      jobID,
		Lane:       lane,
		Kind:       kind,
		EnqueuedAt: time.Now().UTC(),
	}
}
