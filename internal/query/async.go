package query

import (
	"context"
	"sync"
)

// pending tracks one in-flight (or completed) execution. The collect
// goroutine is the sole writer of the terminal state; done is closed
// exactly once.
type pending struct {
	executionID string
	cancel      context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	result    *Result
	err       error
	done      chan struct{}
}

func (p *pending) succeed(res *Result) {
	p.mu.Lock()
	p.result = res
	p.mu.Unlock()
	close(p.done)
}

func (p *pending) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *pending) outcome() (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

func (p *pending) markCancelled() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

func (p *pending) wasCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// registry keeps pending and completed executions addressable by id so
// fetch_async_query_result can find them.
type registry struct {
	mu   sync.Mutex
	byID map[string]*pending
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*pending)}
}

func (r *registry) add(executionID string, cancel context.CancelFunc) *pending {
	p := &pending{
		executionID: executionID,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	r.mu.Lock()
	r.byID[executionID] = p
	r.mu.Unlock()
	return p
}

func (r *registry) get(executionID string) *pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[executionID]
}
