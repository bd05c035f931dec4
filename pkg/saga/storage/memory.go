// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package storage provides saga.StateStore implementations. The in-memory
// store suits development, tests, and workloads that do not need durability
// across restarts; the Redis store provides durable state for crash-resume.
package storage

import (
	"context"
	"sync"

	"github.com/playmech/gametx/pkg/saga"
)

// MemoryStore is an in-memory saga.StateStore backed by a map protected by a
// read-write mutex. Reads and writes exchange deep copies, so callers can
// never observe engine-internal mutation.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*saga.Instance
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*saga.Instance),
	}
}

// Save persists a deep copy of the instance.
func (m *MemoryStore) Save(ctx context.Context, inst *saga.Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if inst == nil || inst.TransactionID == "" {
		return saga.NewTransientError(saga.ErrCodeStorageFailure, "instance has no transaction id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return saga.ErrStoreClosed
	}
	m.instances[inst.TransactionID] = inst.Clone()
	return nil
}

// Get retrieves a deep copy of the instance for the transaction ID.
func (m *MemoryStore) Get(ctx context.Context, transactionID string) (*saga.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, saga.ErrStoreClosed
	}
	inst, ok := m.instances[transactionID]
	if !ok {
		return nil, saga.ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

// Delete removes the instance for the transaction ID.
func (m *MemoryStore) Delete(ctx context.Context, transactionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return saga.ErrStoreClosed
	}
	if _, ok := m.instances[transactionID]; !ok {
		return saga.ErrInstanceNotFound
	}
	delete(m.instances, transactionID)
	return nil
}

// List returns deep copies of the instances matching the filter.
func (m *MemoryStore) List(ctx context.Context, filter *saga.Filter) ([]*saga.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, saga.ErrStoreClosed
	}

	var out []*saga.Instance
	for _, inst := range m.instances {
		if !filter.Matches(inst) {
			continue
		}
		out = append(out, inst.Clone())
		if filter != nil && filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Close marks the store closed; subsequent operations fail.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.instances = nil
	return nil
}
