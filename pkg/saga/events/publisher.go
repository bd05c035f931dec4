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

// Package events provides saga.EventPublisher implementations: a zap-backed
// logging publisher for production traces, an in-memory capture publisher
// for tests and demos, and a no-op publisher.
package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/playmech/gametx/pkg/saga"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("event publisher is closed")

// LogPublisher emits every saga event as a structured zap log entry.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher writing to the given logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event with its correlation context.
func (p *LogPublisher) Publish(_ context.Context, event *saga.Event) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("transaction_id", event.TransactionID),
		zap.String("saga_type", event.SagaType),
		zap.String("player_id", event.Correlation.PlayerID),
	}
	if event.StepName != "" {
		fields = append(fields,
			zap.String("step", event.StepName),
			zap.Int("attempt", event.Attempt),
			zap.Int("max_attempts", event.MaxAttempts),
		)
	}
	if event.Duration > 0 {
		fields = append(fields, zap.Duration("duration", event.Duration))
	}
	if event.Error != "" {
		fields = append(fields,
			zap.String("error", event.Error),
			zap.String("error_kind", string(event.ErrorKind)),
		)
		p.logger.Warn(string(event.Type), fields...)
		return nil
	}
	p.logger.Info(string(event.Type), fields...)
	return nil
}

// Close implements saga.EventPublisher.
func (p *LogPublisher) Close() error {
	return nil
}

// MemoryPublisher records events in memory. Intended for tests and demos.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*saga.Event
	closed bool
}

// NewMemoryPublisher creates an empty capture publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish appends the event to the capture buffer.
func (p *MemoryPublisher) Publish(_ context.Context, event *saga.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	p.events = append(p.events, event)
	return nil
}

// Events returns a snapshot of the captured events.
func (p *MemoryPublisher) Events() []*saga.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*saga.Event, len(p.events))
	copy(out, p.events)
	return out
}

// EventsOfType returns the captured events of the given type, in order.
func (p *MemoryPublisher) EventsOfType(t saga.EventType) []*saga.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*saga.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Close implements saga.EventPublisher.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that drops everything.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Publish implements saga.EventPublisher.
func (p *NoopPublisher) Publish(context.Context, *saga.Event) error { return nil }

// Close implements saga.EventPublisher.
func (p *NoopPublisher) Close() error { return nil }
