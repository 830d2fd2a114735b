// Package scope provides per-partition mutual exclusion with FIFO ordering.
//
// A caller registers for every partition it will touch in one step. Each
// partition keeps a chain of registrations; a registration proceeds once every
// earlier registration on each of its partitions has released. Registration
// across all keys happens under one lock, so the chains agree on a single
// global order and there are no lock-order cycles between multi-partition
// scopes.
package scope

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/evidence/internal/ir"
)

// Manager hands out exclusive scopes over sets of partitions.
// The zero value is not usable; call NewManager.
type Manager struct {
	mu    sync.Mutex
	tails map[ir.PartitionKey]chan struct{}
	seq   uint64
}

// NewManager creates an empty scope manager.
func NewManager() *Manager {
	return &Manager{tails: make(map[ir.PartitionKey]chan struct{})}
}

// Scope is a held set of partitions. Release exactly once.
type Scope struct {
	m       *Manager
	keys    []ir.PartitionKey
	done    chan struct{}
	ticket  uint64
	release sync.Once
}

// Keys returns the sorted, de-duplicated partitions covered by the scope.
func (s *Scope) Keys() []ir.PartitionKey {
	return s.keys
}

// Ticket is the scope's position in the global acquisition order.
func (s *Scope) Ticket() uint64 {
	return s.ticket
}

// Release lets the next waiter on each partition proceed.
func (s *Scope) Release() {
	s.release.Do(func() {
		s.m.mu.Lock()
		for _, k := range s.keys {
			if s.m.tails[k] == s.done {
				delete(s.m.tails, k)
			}
		}
		s.m.mu.Unlock()
		close(s.done)
	})
}

// Acquire blocks until the caller holds every partition in keys.
// Waiters on a partition are admitted in the order they called Acquire.
//
// If ctx ends while waiting, Acquire returns ctx.Err(). The abandoned place in
// line is handed on to later waiters once the earlier holders release, so
// ordering for everyone else is unchanged.
func (m *Manager) Acquire(ctx context.Context, keys []ir.PartitionKey) (*Scope, error) {
	sorted := normalize(keys)
	done := make(chan struct{})

	m.mu.Lock()
	m.seq++
	ticket := m.seq
	waits := make([]chan struct{}, 0, len(sorted))
	for _, k := range sorted {
		if prev, ok := m.tails[k]; ok {
			waits = append(waits, prev)
		}
		m.tails[k] = done
	}
	m.mu.Unlock()

	s := &Scope{m: m, keys: sorted, done: done, ticket: ticket}

	for i, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			rest := waits[i:]
			go func() {
				for _, w := range rest {
					<-w
				}
				s.Release()
			}()
			return nil, ctx.Err()
		}
	}
	return s, nil
}

// Held reports how many partitions currently have a holder or waiter.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tails)
}

func normalize(keys []ir.PartitionKey) []ir.PartitionKey {
	seen := make(map[ir.PartitionKey]struct{}, len(keys))
	out := make([]ir.PartitionKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
