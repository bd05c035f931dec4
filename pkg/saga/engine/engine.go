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

// Package engine implements the saga workflow engine: it drives a saga
// instance through its step sequence, invokes external operations with
// bounded retries and timeouts, runs compensations in reverse order on
// failure, and guarantees idempotent behavior when a transaction is retried
// or resumed after a crash.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/playmech/gametx/pkg/logger"
	"github.com/playmech/gametx/pkg/saga"
	"github.com/playmech/gametx/pkg/saga/events"
)

var (
	// ErrEngineClosed indicates the engine has been shut down.
	ErrEngineClosed = errors.New("saga engine is closed")

	// ErrStoreNotConfigured indicates the state store is missing.
	ErrStoreNotConfigured = errors.New("state store not configured")

	// ErrDefinitionExists indicates a saga type is already registered.
	ErrDefinitionExists = errors.New("saga definition already registered")
)

// Config contains the engine dependencies. Only the state store is
// required; the remaining collaborators default to no-op implementations.
type Config struct {
	// Store persists saga instances for idempotency and crash-resume.
	Store saga.StateStore

	// Publisher receives trace events. Defaults to a no-op publisher.
	Publisher saga.EventPublisher

	// Metrics collects engine measurements. Defaults to a no-op collector.
	Metrics MetricsCollector

	// DefaultRetry applies to steps without their own policy.
	// Defaults to saga.DefaultRetryPolicy().
	DefaultRetry *saga.RetryPolicy

	// Logger is the engine logger. Defaults to the process logger.
	Logger *zap.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Store == nil {
		return ErrStoreNotConfigured
	}
	if c.DefaultRetry != nil {
		if err := c.DefaultRetry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Engine drives saga instances to a terminal state. Distinct transaction
// IDs run fully independently and concurrently; two Run calls for the same
// transaction ID are serialized by a per-ID lock, so overlapping steps are
// impossible. The engine does not own the store or publisher lifecycles.
type Engine struct {
	store        saga.StateStore
	publisher    saga.EventPublisher
	metrics      MetricsCollector
	defaultRetry *saga.RetryPolicy
	logger       *zap.SugaredLogger

	invoker     *invoker
	compensator *compensator

	mu      sync.RWMutex
	defs    map[string]*saga.Definition
	stats   EngineMetrics
	closed  bool
	txnLock sync.Map // transactionID -> *sync.Mutex
}

// New creates an engine from the configuration.
func New(config *Config) (*Engine, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	publisher := config.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NoopMetricsCollector()
	}
	defaultRetry := config.DefaultRetry
	if defaultRetry == nil {
		defaultRetry = saga.DefaultRetryPolicy()
	}
	log := config.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	sugared := log.Sugar()

	iv := &invoker{
		publisher:    publisher,
		metrics:      metrics,
		logger:       sugared,
		tracer:       otel.Tracer("gametx/saga"),
		defaultRetry: defaultRetry,
	}

	e := &Engine{
		store:        config.Store,
		publisher:    publisher,
		metrics:      metrics,
		defaultRetry: defaultRetry,
		logger:       sugared,
		invoker:      iv,
		compensator: &compensator{
			invoker:   iv,
			store:     config.Store,
			publisher: publisher,
			logger:    sugared,
		},
		defs: make(map[string]*saga.Definition),
		stats: EngineMetrics{
			StartTime:      time.Now(),
			LastUpdateTime: time.Now(),
		},
	}
	return e, nil
}

// Register adds a saga definition to the engine registry. Definitions are
// immutable once registered.
func (e *Engine) Register(def *saga.Definition) error {
	if def == nil {
		return errors.New("definition cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, exists := e.defs[def.Type]; exists {
		return fmt.Errorf("%w: %s", ErrDefinitionExists, def.Type)
	}
	e.defs[def.Type] = def
	return nil
}

// Run drives the transaction to a terminal state and reports it.
//
// Idempotency: re-invoking Run with the transaction ID of an instance that
// is already terminal returns the stored terminal result without executing
// any step. Re-invoking with the ID of a non-terminal instance (the
// crash-resume case) continues from the persisted current step rather than
// restarting at step zero.
//
// An empty transactionID asks the engine to generate one.
//
// Cancellation never converts into a saga failure: a run interrupted by its
// caller, whether between steps, during an attempt, or during retry backoff,
// leaves the instance non-terminal and resumable, and Run returns the
// context error. A compensation pass already underway is detached from
// caller cancellation and runs to completion; its attempts stay bounded by
// the step retry policies and timeouts.
func (e *Engine) Run(ctx context.Context, sagaType, transactionID string, input any) (*saga.TerminalResult, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrEngineClosed
	}
	def, ok := e.defs[sagaType]
	e.mu.RUnlock()
	if !ok {
		return nil, saga.NewBusinessError(saga.ErrCodeUnknownSagaType, "unknown saga type %q", sagaType)
	}

	if transactionID == "" {
		transactionID = uuid.NewString()
	}

	// Per-transaction mutual exclusion: two Run calls for the same ID must
	// never execute overlapping steps. The second caller blocks, then
	// observes the stored result.
	lock := e.lockFor(transactionID)
	lock.Lock()
	result, err := e.runLocked(ctx, def, transactionID, input)
	lock.Unlock()

	if result != nil {
		// Terminal transactions never execute again, so their serialization
		// entry can go. A caller racing on the old mutex locks an orphan and
		// then reads the stored terminal result.
		e.txnLock.Delete(transactionID)
	}
	return result, err
}

// runLocked is the Run body executed under the per-transaction lock.
func (e *Engine) runLocked(ctx context.Context, def *saga.Definition, transactionID string, input any) (*saga.TerminalResult, error) {
	inst, err := e.loadOrCreate(ctx, def, transactionID, input)
	if err != nil {
		return nil, err
	}
	if inst.IsTerminal() {
		// Idempotent resubmission: no step re-executes.
		return inst.TerminalResult(), nil
	}

	e.trackActive(1)
	defer e.trackActive(-1)
	return e.execute(ctx, def, inst)
}

// GetStatus returns a read-only snapshot of the instance for polling and
// resume decisions.
func (e *Engine) GetStatus(ctx context.Context, transactionID string) (*saga.Instance, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrEngineClosed
	}
	e.mu.RUnlock()

	return e.store.Get(ctx, transactionID)
}

// ActiveSagas lists non-terminal instances matching the filter.
func (e *Engine) ActiveSagas(ctx context.Context, filter *saga.Filter) ([]*saga.Instance, error) {
	if filter == nil {
		filter = &saga.Filter{}
	}
	if len(filter.States) == 0 {
		filter.States = []saga.SagaState{saga.StatePending, saga.StateRunning, saga.StateCompensating}
	}
	return e.store.List(ctx, filter)
}

// Metrics returns a snapshot of aggregate engine activity.
func (e *Engine) Metrics() EngineMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := e.stats
	stats.LastUpdateTime = time.Now()
	return stats
}

// Close shuts the engine down. In-flight Run calls finish their current
// transaction; new calls fail with ErrEngineClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.closed = true
	return nil
}

// lockFor returns the mutex serializing Run calls for a transaction ID.
func (e *Engine) lockFor(transactionID string) *sync.Mutex {
	actual, _ := e.txnLock.LoadOrStore(transactionID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// trackActive adjusts the gauge of saga executions currently in flight.
func (e *Engine) trackActive(delta int64) {
	e.mu.Lock()
	e.stats.ActiveSagas += delta
	e.stats.LastUpdateTime = time.Now()
	e.mu.Unlock()
}

// loadOrCreate fetches the persisted instance for the transaction ID or
// creates and persists a fresh one.
func (e *Engine) loadOrCreate(ctx context.Context, def *saga.Definition, transactionID string, input any) (*saga.Instance, error) {
	inst, err := e.store.Get(ctx, transactionID)
	if err == nil {
		if inst.SagaType != def.Type {
			return nil, saga.NewBusinessError(saga.ErrCodeSagaTypeMismatch,
				"transaction %s belongs to saga type %q, not %q", transactionID, inst.SagaType, def.Type)
		}
		if !inst.IsTerminal() {
			e.logger.Infow("resuming saga",
				"transaction_id", transactionID,
				"saga_type", def.Type,
				"current_step", inst.CurrentStep,
			)
			e.publishLifecycle(ctx, saga.EventSagaResumed, def, inst)
		}
		return inst, nil
	}
	if !errors.Is(err, saga.ErrInstanceNotFound) {
		return nil, saga.WrapError(err, saga.KindRetryableTransient, saga.ErrCodeStorageFailure,
			"failed to load saga instance")
	}

	now := time.Now()
	inst = &saga.Instance{
		TransactionID: transactionID,
		SagaType:      def.Type,
		State:         saga.StatePending,
		CurrentStep:   0,
		Correlation:   correlationFor(transactionID, input),
		Input:         input,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Save(ctx, inst); err != nil {
		return nil, saga.WrapError(err, saga.KindRetryableTransient, saga.ErrCodeStorageFailure,
			"failed to persist new saga instance")
	}

	e.mu.Lock()
	e.stats.TotalSagas++
	e.stats.LastUpdateTime = now
	e.mu.Unlock()

	e.metrics.RecordSagaStarted(def.Type)
	e.publishLifecycle(ctx, saga.EventSagaStarted, def, inst)
	return inst, nil
}

// execute advances the instance step by step until it reaches a terminal
// state or the caller cancels at a step boundary.
func (e *Engine) execute(ctx context.Context, def *saga.Definition, inst *saga.Instance) (*saga.TerminalResult, error) {
	// A crash mid-compensation resumes the compensation pass, never the
	// forward path. Already-compensated steps are skipped by their flag.
	if inst.State == saga.StateCompensating {
		return e.settleCompensation(ctx, def, inst), nil
	}

	e.setState(ctx, inst, saga.StateRunning)

	data := currentData(inst)
	for i := inst.CurrentStep; i < len(def.Steps); i++ {
		// Cancellation is accepted only between steps.
		select {
		case <-ctx.Done():
			e.logger.Warnw("saga cancelled at step boundary",
				"transaction_id", inst.TransactionID,
				"saga_type", def.Type,
				"next_step", i,
			)
			e.persist(ctx, inst)
			return nil, ctx.Err()
		default:
		}

		step := &def.Steps[i]
		outcome, output, stepErr := e.invoker.invokeForward(ctx, def, inst, i, data)

		if stepErr != nil && ctx.Err() != nil {
			// The caller cancelled while the attempt or its backoff was in
			// flight. The step never got a real verdict, so the failure does
			// not count: no outcome is recorded and no compensation starts.
			// The instance stays at this step, resumable.
			e.logger.Warnw("saga cancelled during step",
				"transaction_id", inst.TransactionID,
				"saga_type", def.Type,
				"step", step.Name,
			)
			e.persist(ctx, inst)
			return nil, ctx.Err()
		}

		inst.StepOutcomes = append(inst.StepOutcomes, outcome)
		inst.UpdatedAt = time.Now()

		if stepErr == nil {
			if output != nil {
				data = output
			}
			inst.CurrentStep = i + 1
			e.persist(ctx, inst)
			continue
		}

		if !step.IsCritical() {
			// Best-effort steps never block completion and never trigger
			// compensation.
			e.logger.Warnw("best-effort step failed, continuing",
				"transaction_id", inst.TransactionID,
				"saga_type", def.Type,
				"step", step.Name,
				"error", stepErr,
			)
			inst.CurrentStep = i + 1
			e.persist(ctx, inst)
			continue
		}

		// Critical failure: compensate completed critical steps in reverse
		// order, then settle on Failed or CompensationFailed.
		inst.Error = stepErr
		e.setState(ctx, inst, saga.StateCompensating)
		return e.settleCompensation(ctx, def, inst), nil
	}

	return e.finish(ctx, def, inst, saga.StateCompleted), nil
}

// settleCompensation runs the compensation pass and lands the instance on
// its terminal state: Failed when every required compensation completed,
// CompensationFailed with the reconciliation work list otherwise.
//
// The pass is detached from caller cancellation: side effects already made
// must be undone even when the caller gives up mid-pass. CompensationFailed
// is reserved for compensating actions that genuinely failed.
func (e *Engine) settleCompensation(ctx context.Context, def *saga.Definition, inst *saga.Instance) *saga.TerminalResult {
	ctx = context.WithoutCancel(ctx)
	result := e.compensator.compensate(ctx, def, inst)
	if result.err != nil {
		inst.Error = result.err
		inst.Uncompensated = result.uncompensated
		return e.finish(ctx, def, inst, saga.StateCompensationFailed)
	}
	return e.finish(ctx, def, inst, saga.StateFailed)
}

// finish moves the instance into a terminal state, persists it, updates
// metrics, and builds the caller-visible result.
func (e *Engine) finish(ctx context.Context, def *saga.Definition, inst *saga.Instance, state saga.SagaState) *saga.TerminalResult {
	now := time.Now()
	inst.State = state
	inst.CompletedAt = &now
	inst.UpdatedAt = now
	e.persist(ctx, inst)

	e.mu.Lock()
	switch state {
	case saga.StateCompleted:
		e.stats.CompletedSagas++
	case saga.StateFailed:
		e.stats.FailedSagas++
	case saga.StateCompensationFailed:
		e.stats.CompensationFailedSagas++
	}
	e.stats.LastUpdateTime = now
	e.mu.Unlock()

	duration := now.Sub(inst.StartedAt)
	e.metrics.RecordSagaFinished(def.Type, state, duration)

	eventType := saga.EventSagaCompleted
	if state != saga.StateCompleted {
		eventType = saga.EventSagaFailed
	}
	e.publishLifecycle(ctx, eventType, def, inst)

	e.logger.Infow("saga finished",
		"transaction_id", inst.TransactionID,
		"saga_type", def.Type,
		"state", state.String(),
		"duration", duration,
	)
	return inst.TerminalResult()
}

// setState transitions the instance state and persists it.
func (e *Engine) setState(ctx context.Context, inst *saga.Instance, state saga.SagaState) {
	inst.State = state
	inst.UpdatedAt = time.Now()
	e.persist(ctx, inst)
}

// persist saves the instance, logging storage failures without interrupting
// orchestration. The in-memory instance remains authoritative for this run;
// a write that keeps failing costs resumability, not correctness. The save
// is detached from caller cancellation so a cancelled run still leaves a
// resumable checkpoint behind.
func (e *Engine) persist(ctx context.Context, inst *saga.Instance) {
	ctx = context.WithoutCancel(ctx)
	if err := e.store.Save(ctx, inst); err != nil {
		e.logger.Errorw("failed to persist saga instance",
			"transaction_id", inst.TransactionID,
			"state", inst.State.String(),
			"error", err,
		)
	}
}

// publishLifecycle emits a saga lifecycle event.
func (e *Engine) publishLifecycle(ctx context.Context, t saga.EventType, def *saga.Definition, inst *saga.Instance) {
	event := &saga.Event{
		ID:            uuid.NewString(),
		Type:          t,
		TransactionID: inst.TransactionID,
		SagaType:      def.Type,
		Correlation:   inst.Correlation,
		Timestamp:     time.Now(),
	}
	if inst.Error != nil {
		event.ErrorKind = inst.Error.Kind
		event.Error = inst.Error.Error()
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warnw("failed to publish saga event",
			"transaction_id", inst.TransactionID,
			"event_type", string(t),
			"error", err,
		)
	}
}

// correlationFor builds the correlation context for a new instance. Inputs
// implementing saga.Correlatable contribute their own identifiers.
func correlationFor(transactionID string, input any) saga.CorrelationContext {
	if c, ok := input.(saga.Correlatable); ok {
		cc := c.Correlation()
		cc.TransactionID = transactionID
		return cc
	}
	return saga.CorrelationContext{TransactionID: transactionID}
}

// currentData reconstructs the running payload for the next step: the
// output of the last succeeded step that produced one, or the original
// input. This makes resumption a pure function of the outcome log.
func currentData(inst *saga.Instance) any {
	data := inst.Input
	for _, oc := range inst.StepOutcomes {
		if oc.Status == saga.StepSucceeded && oc.Output != nil {
			data = oc.Output
		}
	}
	return data
}
