package client

import (
	"log/slog"
	"sync"

	"github.com/mbocsi/devlink/proto"
)

// Overflow selects what Enqueue does when a bounded queue is full.
type Overflow int

const (
	DropOldest Overflow = iota
	RejectNew
)

type queued struct {
	seq uint64
	env proto.Envelope
}

// Queue buffers envelopes that could not be transmitted yet. A zero Limit
// means unbounded.
type Queue struct {
	Limit    int
	Overflow Overflow

	mu      sync.Mutex
	items   []queued
	nextSeq uint64
	dropped int
}

func NewQueue(limit int, overflow Overflow) *Queue {
	return &Queue{Limit: limit, Overflow: overflow}
}

func (q *Queue) Enqueue(env proto.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.Limit > 0 && len(q.items) >= q.Limit {
		if q.Overflow == RejectNew {
			slog.Warn("Outbound queue full, rejecting envelope", "type", env.Type, "limit", q.Limit)
			return ErrQueueFull
		}
		slog.Warn("Outbound queue full, dropping oldest envelope", "type", q.items[0].env.Type, "limit", q.Limit)
		q.items = q.items[1:]
		q.dropped++
	}

	q.nextSeq++
	q.items = append(q.items, queued{seq: q.nextSeq, env: env})
	return nil
}

// Flush transmits queued envelopes in FIFO order. An entry is removed only
// after transmit succeeds for it; on the first error that entry and every
// later one stay queued and the error is returned.
func (q *Queue) Flush(transmit func(proto.Envelope) error) (sent int, err error) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return sent, nil
		}
		head := q.items[0]
		q.mu.Unlock()

		if err := transmit(head.env); err != nil {
			return sent, err
		}
		sent++

		q.mu.Lock()
		// the head may already have been dropped by a full DropOldest queue
		if len(q.items) > 0 && q.items[0].seq == head.seq {
			q.items = q.items[1:]
		}
		q.mu.Unlock()
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many envelopes DropOldest has discarded.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
