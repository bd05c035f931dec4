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

// Package saga defines the core model for multi-step business transactions
// that span independently-failing external services. A saga is an ordered
// sequence of forward steps with optional compensating actions; when a
// critical step fails, the completed critical steps are undone in reverse
// order. Error classification decides what is retried, what triggers
// compensation, and what requires operator intervention.
package saga

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// SagaState represents the overall state of a saga instance.
type SagaState int

const (
	// StatePending indicates the instance is created but no step has executed.
	StatePending SagaState = iota

	// StateRunning indicates a forward step is currently executing.
	StateRunning

	// StateCompensating indicates compensating actions are executing.
	StateCompensating

	// StateCompleted indicates all critical steps completed successfully.
	StateCompleted

	// StateFailed indicates the saga failed and every required compensation
	// succeeded. This is a business failure, not a system fault.
	StateFailed

	// StateCompensationFailed indicates a compensating action itself failed.
	// The instance is terminal and requires manual operator reconciliation.
	StateCompensationFailed
)

// String returns the string representation of the SagaState.
func (s SagaState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompensating:
		return "compensating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCompensationFailed:
		return "compensation_failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if no further transitions are possible from this state.
func (s SagaState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCompensationFailed
}

// IsActive returns true if the saga is currently executing or compensating.
func (s SagaState) IsActive() bool {
	return s == StateRunning || s == StateCompensating
}

// StepStatus represents the result of one forward step execution.
type StepStatus int

const (
	// StepSucceeded indicates the forward action completed successfully.
	StepSucceeded StepStatus = iota

	// StepFailed indicates the forward action failed after exhausting its
	// retry policy, or failed with a non-retryable error.
	StepFailed
)

// String returns the string representation of the StepStatus.
func (s StepStatus) String() string {
	switch s {
	case StepSucceeded:
		return "succeeded"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Criticality declares how a step failure affects the saga outcome.
type Criticality int

const (
	// Critical steps must succeed; their failure triggers compensation of
	// prior critical steps and fails the saga.
	Critical Criticality = iota

	// BestEffort steps tolerate failure: the failure is logged and recorded,
	// the saga proceeds, and the step is never compensated.
	BestEffort
)

// String returns the string representation of the Criticality.
func (c Criticality) String() string {
	switch c {
	case Critical:
		return "critical"
	case BestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// CorrelationContext is threaded through every external call for tracing.
// It correlates retries of the same logical transaction across services.
type CorrelationContext struct {
	TransactionID       string `json:"transaction_id"`
	PlayerID            string `json:"player_id,omitempty"`
	ProductID           string `json:"product_id,omitempty"`
	LevelID             string `json:"level_id,omitempty"`
	ParentCorrelationID string `json:"parent_correlation_id,omitempty"`
}

// Correlatable is implemented by saga inputs that carry their own
// correlation identifiers. The engine consults it when creating an instance.
type Correlatable interface {
	Correlation() CorrelationContext
}

// RetryPolicy defines a bounded exponential-backoff retry strategy.
// The delay before retry n (zero-indexed) is min(BaseDelay * 2^n, MaxDelay)
// plus random jitter.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Must be >= 1; a value of 1 disables retries.
	MaxAttempts int `json:"max_attempts"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps the computed backoff delay. A value of 0 means no cap.
	MaxDelay time.Duration `json:"max_delay"`

	// Jitter adds randomness to delays to avoid thundering herds.
	// Value between 0.0 (no jitter) and 1.0.
	Jitter float64 `json:"jitter"`
}

// DefaultRetryPolicy returns the retry policy used when a step does not
// declare its own: 3 attempts, 100ms base delay, 5s cap, 10% jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.1,
	}
}

// Validate checks the policy for internal consistency.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry policy: base delay must be >= 0, got %v", p.BaseDelay)
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry policy: max delay %v is below base delay %v", p.MaxDelay, p.BaseDelay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("retry policy: jitter must be in [0,1], got %v", p.Jitter)
	}
	return nil
}

// Delay returns the backoff delay before the given retry, zero-indexed:
// Delay(0) is the wait after the first failed attempt. The exponential
// component is capped at MaxDelay before jitter is applied, and the final
// value never exceeds MaxDelay.
func (p *RetryPolicy) Delay(retry int) time.Duration {
	if retry < 0 || p.BaseDelay <= 0 {
		return 0
	}

	delay := p.BaseDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		jittered := delay + time.Duration(rand.Float64()*p.Jitter*float64(delay))
		if p.MaxDelay > 0 && jittered > p.MaxDelay {
			jittered = p.MaxDelay
		}
		delay = jittered
	}

	return delay
}

// StepHandler is the forward action of a step. It receives the correlation
// context and the current saga payload, and returns the payload for the next
// step. Returning a nil output leaves the running payload unchanged.
type StepHandler func(ctx context.Context, cc CorrelationContext, input any) (any, error)

// CompensationHandler semantically undoes a completed forward step. It
// receives the output recorded when the forward action succeeded.
// Compensations must be idempotent: a crash-resume may invoke one twice.
type CompensationHandler func(ctx context.Context, cc CorrelationContext, output any) error

// StepDefinition describes a single step of a saga type. Definitions are
// immutable once registered; the engine never mutates them.
type StepDefinition struct {
	// Name uniquely identifies the step within its saga definition.
	Name string

	// Execute is the forward action. Required.
	Execute StepHandler

	// Compensate undoes the forward action. Optional; steps whose forward
	// action has no side effect to undo leave it nil.
	Compensate CompensationHandler

	// Criticality declares whether failure triggers compensation (Critical)
	// or is tolerated (BestEffort).
	Criticality Criticality

	// Retry overrides the definition-level retry policy for this step.
	Retry *RetryPolicy

	// Timeout bounds a single attempt of the forward action and of the
	// compensating action. A value of 0 falls back to the definition default.
	Timeout time.Duration
}

// IsCritical reports whether a failure of this step must fail the saga.
func (s *StepDefinition) IsCritical() bool {
	return s.Criticality == Critical
}

// HasCompensation reports whether the step declares a compensating action.
func (s *StepDefinition) HasCompensation() bool {
	return s.Compensate != nil
}

// Definition describes a saga type: an ordered step sequence with its
// compensation and criticality policy.
type Definition struct {
	// Type is the registry key callers pass to Engine.Run.
	Type string

	// Name is a human-readable name for logs and events.
	Name string

	// Description explains what the saga does.
	Description string

	// Steps are executed strictly in order.
	Steps []StepDefinition

	// DefaultRetry applies to steps that do not declare their own policy.
	// If nil, the engine default is used.
	DefaultRetry *RetryPolicy

	// DefaultTimeout applies to steps that do not declare their own timeout.
	DefaultTimeout time.Duration
}

// Validate checks the definition for correctness: a non-empty type, at least
// one step, unique step names, forward actions on every step, and valid
// retry policies.
func (d *Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("saga definition: type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga definition %q: at least one step is required", d.Type)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("saga definition %q: step %d has no name", d.Type, i)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("saga definition %q: duplicate step name %q", d.Type, step.Name)
		}
		seen[step.Name] = struct{}{}
		if step.Execute == nil {
			return fmt.Errorf("saga definition %q: step %q has no forward action", d.Type, step.Name)
		}
		if step.Criticality == BestEffort && step.Compensate != nil {
			return fmt.Errorf("saga definition %q: best-effort step %q must not declare a compensation", d.Type, step.Name)
		}
		if step.Retry != nil {
			if err := step.Retry.Validate(); err != nil {
				return fmt.Errorf("saga definition %q: step %q: %w", d.Type, step.Name, err)
			}
		}
	}
	if d.DefaultRetry != nil {
		if err := d.DefaultRetry.Validate(); err != nil {
			return fmt.Errorf("saga definition %q: %w", d.Type, err)
		}
	}
	return nil
}

// StepOutcome records the result of one step of a saga instance. Outcomes
// are appended to the instance log as steps execute and are never mutated
// after append, except for the compensation bookkeeping fields which are
// written exactly once when the step is compensated.
type StepOutcome struct {
	StepName    string      `json:"step_name"`
	StepIndex   int         `json:"step_index"`
	Criticality Criticality `json:"criticality"`

	// Attempts is the number of forward attempts actually made.
	Attempts int        `json:"attempts"`
	Status   StepStatus `json:"status"`

	// ErrorKind and Error are set when Status is StepFailed.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     *Error    `json:"error,omitempty"`

	// Output is the value returned by a succeeded forward action. It is the
	// input to the step's compensating action.
	Output any `json:"output,omitempty"`

	// Compensated is set when the compensating action succeeded.
	Compensated bool `json:"compensated"`

	// CompensationAttempts is the number of compensation attempts made.
	CompensationAttempts int `json:"compensation_attempts,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Instance is the full state of one saga run, keyed by transaction ID.
// It is owned exclusively by the engine for its lifetime and mutated only by
// the engine, never by steps directly.
type Instance struct {
	TransactionID string             `json:"transaction_id"`
	SagaType      string             `json:"saga_type"`
	State         SagaState          `json:"state"`
	CurrentStep   int                `json:"current_step"`
	StepOutcomes  []*StepOutcome     `json:"step_outcomes"`
	Correlation   CorrelationContext `json:"correlation"`

	// Input is the payload submitted with the transaction. It seeds the
	// first step and is retained for crash-resume.
	Input any `json:"input,omitempty"`

	// Error is the classified error that failed the saga, if any.
	Error *Error `json:"error,omitempty"`

	// Uncompensated lists, for a CompensationFailed instance, the names of
	// succeeded critical steps whose compensation did not complete. This is
	// the operator's reconciliation work list.
	Uncompensated []string `json:"uncompensated,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the instance reached a terminal state.
func (i *Instance) IsTerminal() bool {
	return i.State.IsTerminal()
}

// Clone returns a deep copy of the instance. Step outcomes are copied;
// opaque payloads (Input, Output) are shared, since the engine treats them
// as immutable values.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	dup := *i
	if i.StepOutcomes != nil {
		dup.StepOutcomes = make([]*StepOutcome, len(i.StepOutcomes))
		for n, oc := range i.StepOutcomes {
			c := *oc
			dup.StepOutcomes[n] = &c
		}
	}
	if i.Uncompensated != nil {
		dup.Uncompensated = append([]string(nil), i.Uncompensated...)
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}

// TerminalResult produces the caller-visible result for a terminal instance.
func (i *Instance) TerminalResult() *TerminalResult {
	return &TerminalResult{
		TransactionID: i.TransactionID,
		SagaType:      i.SagaType,
		State:         i.State,
		StepOutcomes:  i.StepOutcomes,
		Error:         i.Error,
		Uncompensated: i.Uncompensated,
	}
}

// TerminalResult is what Engine.Run reports to the caller. The State field
// distinguishes "business failure, fully compensated" (StateFailed) from
// "compensation fatal, manual action required" (StateCompensationFailed).
type TerminalResult struct {
	TransactionID string         `json:"transaction_id"`
	SagaType      string         `json:"saga_type"`
	State         SagaState      `json:"state"`
	StepOutcomes  []*StepOutcome `json:"step_outcomes"`
	Error         *Error         `json:"error,omitempty"`
	Uncompensated []string       `json:"uncompensated,omitempty"`
}

// Filter narrows Engine.ActiveSagas and StateStore.List results.
type Filter struct {
	// States restricts results to instances in these states. Empty means all.
	States []SagaState `json:"states,omitempty"`

	// SagaTypes restricts results to these saga types. Empty means all.
	SagaTypes []string `json:"saga_types,omitempty"`

	// Limit bounds the number of results. Zero means no limit.
	Limit int `json:"limit,omitempty"`
}

// Matches reports whether the instance passes the filter.
func (f *Filter) Matches(inst *Instance) bool {
	if f == nil {
		return true
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if inst.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.SagaTypes) > 0 {
		ok := false
		for _, t := range f.SagaTypes {
			if inst.SagaType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// StateStore persists saga instances keyed by transaction ID. Implementations
// must preserve the append-only step-outcome log and the single-writer-per-
// transaction contract: the engine is the only writer for a given ID.
type StateStore interface {
	// Save persists the instance, overwriting any prior version.
	Save(ctx context.Context, inst *Instance) error

	// Get retrieves an instance by transaction ID. Returns
	// ErrInstanceNotFound if no instance exists for the ID.
	Get(ctx context.Context, transactionID string) (*Instance, error)

	// Delete removes an instance. Returns ErrInstanceNotFound if absent.
	Delete(ctx context.Context, transactionID string) error

	// List returns instances matching the filter.
	List(ctx context.Context, filter *Filter) ([]*Instance, error)

	// Close releases storage resources.
	Close() error
}

// EventType identifies a saga trace event.
type EventType string

const (
	EventSagaStarted   EventType = "saga.started"
	EventSagaResumed   EventType = "saga.resumed"
	EventSagaCompleted EventType = "saga.completed"
	EventSagaFailed    EventType = "saga.failed"

	EventStepAttempt   EventType = "saga.step.attempt"
	EventStepSucceeded EventType = "saga.step.succeeded"
	EventStepFailed    EventType = "saga.step.failed"

	EventCompensationStarted       EventType = "compensation.started"
	EventCompensationStepSucceeded EventType = "compensation.step.succeeded"
	EventCompensationStepFailed    EventType = "compensation.step.failed"
	EventCompensationCompleted     EventType = "compensation.completed"
	EventCompensationFailed        EventType = "compensation.failed"
)

// Event is one structured trace event. The engine emits one per step
// attempt and per lifecycle transition, carrying the correlation context.
type Event struct {
	ID            string             `json:"id"`
	Type          EventType          `json:"type"`
	TransactionID string             `json:"transaction_id"`
	SagaType      string             `json:"saga_type"`
	StepName      string             `json:"step_name,omitempty"`
	Attempt       int                `json:"attempt,omitempty"`
	MaxAttempts   int                `json:"max_attempts,omitempty"`
	ErrorKind     ErrorKind          `json:"error_kind,omitempty"`
	Error         string             `json:"error,omitempty"`
	Duration      time.Duration      `json:"duration,omitempty"`
	Correlation   CorrelationContext `json:"correlation"`
	Timestamp     time.Time          `json:"timestamp"`
}

// EventPublisher receives saga trace events. Publish failures are logged and
// never affect orchestration.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}
