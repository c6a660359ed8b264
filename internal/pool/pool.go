// Package pool implements a fixed-capacity block budget shared by the TX
// queues and their tree nodes. Go's runtime owns the actual memory; the pool
// tracks block ownership so that exhaustion is a hard, observable condition
// like it is on embedded targets.
package pool

import "sync"

// Allocator is the block budget consumed by the tree and queue layers.
// TryAcquire claims one block and reports false when the budget is spent;
// Release returns one block.
type Allocator interface {
	TryAcquire() bool
	Release()
}

// Pool is a bounded block budget with usage accounting.
type Pool struct {
	mu       sync.Mutex
	capacity int
	used     int
	peak     int
}

// New creates a pool holding capacity blocks.
func New(capacity int) *Pool {
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{capacity: capacity}
}

func (p *Pool) TryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used >= p.capacity {
		return false
	}
	p.used++
	if p.used > p.peak {
		p.peak = p.used
	}
	return true
}

func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used > 0 {
		p.used--
	}
}

func (p *Pool) Capacity() int { p.mu.Lock(); defer p.mu.Unlock(); return p.capacity }
func (p *Pool) Used() int     { p.mu.Lock(); defer p.mu.Unlock(); return p.used }
func (p *Pool) Free() int     { p.mu.Lock(); defer p.mu.Unlock(); return p.capacity - p.used }

// Peak returns the highest number of blocks ever held at the same time.
func (p *Pool) Peak() int { p.mu.Lock(); defer p.mu.Unlock(); return p.peak }

// Limited caps the number of blocks one consumer may hold from a parent
// pool. Several Limited views share the parent's physical budget, so one
// consumer's backlog can still starve another.
type Limited struct {
	mu     sync.Mutex
	parent Allocator
	quota  int
	used   int
}

// Limit wraps parent with a per-consumer quota.
func Limit(parent Allocator, quota int) *Limited {
	if quota < 0 {
		quota = 0
	}
	return &Limited{parent: parent, quota: quota}
}

func (l *Limited) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used >= l.quota {
		return false
	}
	if !l.parent.TryAcquire() {
		return false
	}
	l.used++
	return true
}

func (l *Limited) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used > 0 {
		l.used--
		l.parent.Release()
	}
}

// Used reports blocks currently held through this view.
func (l *Limited) Used() int { l.mu.Lock(); defer l.mu.Unlock(); return l.used }
