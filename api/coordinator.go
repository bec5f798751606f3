package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultDebounceDelay is the debounce window used by Client.Request.
const DefaultDebounceDelay = 300 * time.Millisecond

// Coordinator collapses concurrent identical requests (Dedupe) and bursts of
// requests under one key (Debounce).
type Coordinator struct {
	group singleflight.Group

	mu        sync.Mutex
	debounced map[string]*debounceEntry
}

type debounceResult struct {
	resp *Response
	err  error
}

type debounceEntry struct {
	gen     uint64
	timer   *time.Timer
	ctx     context.Context
	fn      func(context.Context) (*Response, error)
	waiters []chan debounceResult
}

func NewCoordinator() *Coordinator {
	return &Coordinator{debounced: make(map[string]*debounceEntry)}
}

// Dedupe runs fn unless a call for key is already in flight, in which case it
// waits for that call instead. The registration is dropped before waiters are
// released. When the shared call fails every caller gets a *DedupeError. The
// second result reports whether the result was shared.
func (c *Coordinator) Dedupe(ctx context.Context, key string, fn func() (*Response, error)) (*Response, bool, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return fn()
	})

	select {
	case res := <-ch:
		resp, _ := res.Val.(*Response)
		if res.Err != nil {
			if res.Shared {
				return nil, true, &DedupeError{Key: key, Cause: res.Err}
			}
			return nil, false, res.Err
		}
		return resp, res.Shared, nil
	case <-ctx.Done():
		return nil, false, canceled(ctx.Err())
	}
}

// Debounce schedules fn to run after delay. Another call for key before the
// timer fires replaces fn and restarts the timer. Only the last fn runs, and
// every caller still waiting receives its result.
func (c *Coordinator) Debounce(ctx context.Context, key string, delay time.Duration, fn func(context.Context) (*Response, error)) (*Response, error) {
	done := make(chan debounceResult, 1)

	c.mu.Lock()
	entry, ok := c.debounced[key]
	if !ok {
		entry = &debounceEntry{}
		c.debounced[key] = entry
	} else if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.gen++
	gen := entry.gen
	// the last caller's values, without its cancellation
	entry.ctx = context.WithoutCancel(ctx)
	entry.fn = fn
	entry.waiters = append(entry.waiters, done)
	entry.timer = time.AfterFunc(delay, func() { c.fire(key, entry, gen) })
	c.mu.Unlock()

	select {
	case res := <-done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, canceled(ctx.Err())
	}
}

func (c *Coordinator) fire(key string, entry *debounceEntry, gen uint64) {
	c.mu.Lock()
	// a later call may have rescheduled after this timer already fired
	if c.debounced[key] != entry || entry.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.debounced, key)
	ctx, fn, waiters := entry.ctx, entry.fn, entry.waiters
	c.mu.Unlock()

	resp, err := fn(ctx)
	for _, w := range waiters {
		w <- debounceResult{resp: resp, err: err}
	}
}

// Pending returns the number of debounce keys waiting to fire.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.debounced)
}

// CancelAll drops every scheduled debounce; its waiters receive ErrCanceled.
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	entries := c.debounced
	c.debounced = make(map[string]*debounceEntry)
	c.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		for _, w := range entry.waiters {
			w <- debounceResult{err: canceled(errors.New("debounce canceled"))}
		}
	}
	return len(entries)
}
