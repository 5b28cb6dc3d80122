// Package orchestrator implements the per-host permit pool, provisioner
// plugin interface, and matching/reconciliation jobs from spec.md §4.5.
package orchestrator

import (
	"context"
	"sync"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/domain"
)

// PermitPool is a counting semaphore of capacity P (spec.md §3 "Permit",
// §4.5 "Permit pool"): acquire blocks until a token is free, release
// returns it. Invariant: at most one permit per session id.
type PermitPool struct {
	tokens chan struct{}

	mu      sync.Mutex
	granted map[domain.ID]struct{}
}

// NewPermitPool constructs a pool with capacity permits free.
func NewPermitPool(capacity int) *PermitPool {
	tokens := make(chan struct{}, capacity)
	for i := 0; i < capacity; i++ {
		tokens <- struct{}{}
	}
	return &PermitPool{tokens: tokens, granted: map[domain.ID]struct{}{}}
}

// Acquire blocks until a permit is available or ctx is cancelled, then
// records it against sessionID.
func (p *PermitPool) Acquire(ctx context.Context, sessionID domain.ID) error {
	select {
	case <-p.tokens:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, already := p.granted[sessionID]; already {
		// A second acquire for the same id is a bug in the caller; return
		// the spare token immediately rather than leaking it.
		p.tokens <- struct{}{}
		return errors.Newf("orchestrator: permit already held for session %s", sessionID)
	}
	p.granted[sessionID] = struct{}{}
	return nil
}

// Release returns sessionID's permit to the pool. A no-op if the session
// holds no permit.
func (p *PermitPool) Release(sessionID domain.ID) {
	p.mu.Lock()
	_, held := p.granted[sessionID]
	if held {
		delete(p.granted, sessionID)
	}
	p.mu.Unlock()

	if held {
		p.tokens <- struct{}{}
	}
}

// ReleaseDead releases every permit whose session id is not in alive,
// covering the loss of a SessionTerminated event (spec.md §4.5, invariant
// 3 in §8).
func (p *PermitPool) ReleaseDead(alive map[domain.ID]struct{}) {
	p.mu.Lock()
	var dead []domain.ID
	for id := range p.granted {
		if _, ok := alive[id]; !ok {
			dead = append(dead, id)
		}
	}
	p.mu.Unlock()

	for _, id := range dead {
		p.Release(id)
	}
}

// InFlight reports the current count of held permits (spec.md §8 invariant
// 2: this must never exceed the configured capacity P).
func (p *PermitPool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.granted)
}

// Capacity returns P.
func (p *PermitPool) Capacity() int {
	return cap(p.tokens)
}

// Resize adjusts the pool from its current capacity to newCapacity. Growing
// appends fresh tokens; shrinking removes available tokens (blocking until
// enough become available), never preempting in-flight sessions (spec.md §8
// boundary behaviour).
func (p *PermitPool) Resize(ctx context.Context, newCapacity int) error {
	current := cap(p.tokens)
	if newCapacity == current {
		return nil
	}

	if newCapacity > current {
		grown := make(chan struct{}, newCapacity)
		// Drain whatever is currently free into the new, larger channel,
		// then top up with the extra tokens.
		for {
			select {
			case t := <-p.tokens:
				grown <- t
				continue
			default:
			}
			break
		}
		for i := 0; i < newCapacity-current; i++ {
			grown <- struct{}{}
		}
		p.tokens = grown
		return nil
	}

	toRemove := current - newCapacity
	shrunk := make(chan struct{}, newCapacity)
	removed := 0
	for removed < toRemove {
		select {
		case <-p.tokens:
			removed++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case t := <-p.tokens:
			shrunk <- t
			continue
		default:
		}
		break
	}
	p.tokens = shrunk
	return nil
}
