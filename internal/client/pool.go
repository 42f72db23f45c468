package client

import (
	"context"
	"sync"

	"github.com/zcmesh/zctun/internal/metrics"
)

// PoolCapacity is the maximum number of idle data channels the client
// keeps cached for reuse (spec §4.5).
const PoolCapacity = 100

// poolItem is the constraint a pooled data channel connection must
// satisfy: closeable, and comparable so Remove can find it by identity.
type poolItem interface {
	comparable
	Close() error
}

// DataPool is a FIFO cache of idle, reusable outbound connections to the
// server. Borrow hands back the oldest idle connection if one exists,
// otherwise dials a fresh one. Return enqueues a connection for reuse
// unless the pool is already at capacity, in which case the connection
// is closed instead of being held onto indefinitely.
type DataPool[T poolItem] struct {
	dial func(ctx context.Context) (T, error)

	mu       sync.Mutex
	idle     []T
	capacity int

	metrics *metrics.Metrics
}

// NewDataPool creates a pool bounded at capacity, dialing new connections
// via dial when empty.
func NewDataPool[T poolItem](capacity int, dial func(ctx context.Context) (T, error), m *metrics.Metrics) *DataPool[T] {
	return &DataPool[T]{dial: dial, capacity: capacity, metrics: m}
}

// Borrow returns an idle connection if one is cached, otherwise dials a
// new one.
func (p *DataPool[T]) Borrow(ctx context.Context) (T, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		item := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		p.reportSize(n - 1)
		return item, nil
	}
	p.mu.Unlock()

	return p.dial(ctx)
}

// Return enqueues item for reuse. If the pool is already at capacity,
// item is closed instead — per spec §8's boundary behavior, pool size
// never exceeds capacity and the excess connection is simply dropped.
func (p *DataPool[T]) Return(item T) {
	p.mu.Lock()
	if len(p.idle) >= p.capacity {
		p.mu.Unlock()
		item.Close()
		if p.metrics != nil {
			p.metrics.RecordDataPoolExhausted()
		}
		return
	}
	p.idle = append(p.idle, item)
	n := len(p.idle)
	p.mu.Unlock()
	p.reportSize(n)
}

// Remove evicts item from the idle set without closing it, used when the
// caller has already determined the connection is unusable and will
// close it itself.
func (p *DataPool[T]) Remove(item T) {
	p.mu.Lock()
	for i, c := range p.idle {
		if c == item {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	n := len(p.idle)
	p.mu.Unlock()
	p.reportSize(n)
}

// CloseAll closes every idle connection and empties the pool, used when
// the control channel is lost (§4.7: "the pool is implicitly invalidated").
func (p *DataPool[T]) CloseAll() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	p.reportSize(0)
}

// Len returns the current idle count.
func (p *DataPool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *DataPool[T]) reportSize(n int) {
	if p.metrics != nil {
		p.metrics.SetDataPoolSize(n)
	}
}
