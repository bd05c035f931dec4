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

package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/playmech/gametx/pkg/saga"
)

// invoker executes one remote operation with a timeout and the step's
// bounded exponential-backoff retry policy, and surfaces the classified
// outcome. It emits one structured trace event per attempt carrying the
// correlation context.
type invoker struct {
	publisher    saga.EventPublisher
	metrics      MetricsCollector
	logger       *zap.SugaredLogger
	tracer       trace.Tracer
	defaultRetry *saga.RetryPolicy
}

// invokeForward runs a step's forward action. It returns the appended-ready
// outcome, the step output on success, and the classified error on failure.
// A NonRetryableBusiness classification aborts retries immediately; a
// RetryableTransient classification is retried until the policy exhausts,
// in which case the failure carries code RETRY_EXHAUSTED.
func (iv *invoker) invokeForward(
	ctx context.Context,
	def *saga.Definition,
	inst *saga.Instance,
	stepIndex int,
	input any,
) (*saga.StepOutcome, any, *saga.Error) {
	step := &def.Steps[stepIndex]
	policy := iv.retryPolicyFor(def, step)

	outcome := &saga.StepOutcome{
		StepName:    step.Name,
		StepIndex:   stepIndex,
		Criticality: step.Criticality,
		StartedAt:   time.Now(),
	}

	var lastErr *saga.Error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		outcome.Attempts = attempt

		start := time.Now()
		output, err := iv.attempt(ctx, def, step, inst.Correlation, input)
		elapsed := time.Since(start)

		if err == nil {
			outcome.Status = saga.StepSucceeded
			outcome.Output = output
			outcome.FinishedAt = time.Now()

			iv.metrics.RecordStepExecuted(def.Type, step.Name, true, elapsed)
			iv.publishAttempt(ctx, saga.EventStepSucceeded, def, inst, step, attempt, policy.MaxAttempts, elapsed, nil)
			iv.logger.Infow("step succeeded",
				"transaction_id", inst.TransactionID,
				"saga_type", def.Type,
				"step", step.Name,
				"attempt", attempt,
				"duration", elapsed,
			)
			return outcome, output, nil
		}

		kind := saga.Classify(err)
		lastErr = saga.WrapError(err, kind, saga.ErrCodeStepFailed, "step "+step.Name+" failed")
		iv.publishAttempt(ctx, saga.EventStepAttempt, def, inst, step, attempt, policy.MaxAttempts, elapsed, lastErr)
		iv.logger.Warnw("step attempt failed",
			"transaction_id", inst.TransactionID,
			"saga_type", def.Type,
			"step", step.Name,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"error_kind", string(kind),
			"error", err,
		)

		if kind == saga.KindNonRetryableBusiness {
			break
		}
		if attempt == policy.MaxAttempts {
			lastErr = saga.WrapError(err, kind, saga.ErrCodeRetryExhausted,
				"step "+step.Name+" exhausted retries")
			break
		}

		iv.metrics.RecordStepRetried(def.Type, step.Name, attempt)
		if waitErr := iv.backoff(ctx, policy, attempt-1); waitErr != nil {
			// Caller cancelled during backoff; surface the last failure.
			break
		}
	}

	outcome.Status = saga.StepFailed
	outcome.ErrorKind = lastErr.Kind
	outcome.Error = lastErr
	outcome.FinishedAt = time.Now()

	iv.metrics.RecordStepExecuted(def.Type, step.Name, false, outcome.FinishedAt.Sub(outcome.StartedAt))
	iv.publishAttempt(ctx, saga.EventStepFailed, def, inst, step, outcome.Attempts, policy.MaxAttempts, 0, lastErr)
	return outcome, nil, lastErr
}

// invokeCompensation runs a step's compensating action through the same
// retry policy as its forward action. Any failure that survives the policy
// is promoted to CompensationFatal.
func (iv *invoker) invokeCompensation(
	ctx context.Context,
	def *saga.Definition,
	inst *saga.Instance,
	outcome *saga.StepOutcome,
) (int, *saga.Error) {
	step := &def.Steps[outcome.StepIndex]
	policy := iv.retryPolicyFor(def, step)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		start := time.Now()
		err := iv.attemptCompensation(ctx, def, step, inst.Correlation, outcome.Output)
		elapsed := time.Since(start)

		if err == nil {
			iv.metrics.RecordCompensationExecuted(def.Type, step.Name, true, elapsed)
			iv.publishAttempt(ctx, saga.EventCompensationStepSucceeded, def, inst, step, attempt, policy.MaxAttempts, elapsed, nil)
			iv.logger.Infow("compensation succeeded",
				"transaction_id", inst.TransactionID,
				"saga_type", def.Type,
				"step", step.Name,
				"attempt", attempt,
			)
			return attempt, nil
		}

		lastErr = err
		kind := saga.Classify(err)
		iv.logger.Warnw("compensation attempt failed",
			"transaction_id", inst.TransactionID,
			"saga_type", def.Type,
			"step", step.Name,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"error", err,
		)

		if kind == saga.KindNonRetryableBusiness || attempt == policy.MaxAttempts {
			fatal := saga.WrapError(lastErr, saga.KindCompensationFatal, saga.ErrCodeCompensationFailed,
				"compensation for step "+step.Name+" failed").
				WithDetail("step_name", step.Name).
				WithDetail("attempts", attempt)
			iv.metrics.RecordCompensationExecuted(def.Type, step.Name, false, elapsed)
			iv.publishAttempt(ctx, saga.EventCompensationStepFailed, def, inst, step, attempt, policy.MaxAttempts, elapsed, fatal)
			return attempt, fatal
		}

		if waitErr := iv.backoff(ctx, policy, attempt-1); waitErr != nil {
			fatal := saga.WrapError(lastErr, saga.KindCompensationFatal, saga.ErrCodeCompensationFailed,
				"compensation for step "+step.Name+" interrupted").
				WithDetail("step_name", step.Name).
				WithDetail("attempts", attempt)
			return attempt, fatal
		}
	}

	// Unreachable: the loop always returns.
	return policy.MaxAttempts, saga.NewCompensationFatalError(saga.ErrCodeCompensationFailed,
		"compensation for step %s failed", step.Name)
}

// attempt executes a single forward attempt inside a span and a per-attempt
// timeout.
func (iv *invoker) attempt(
	ctx context.Context,
	def *saga.Definition,
	step *saga.StepDefinition,
	cc saga.CorrelationContext,
	input any,
) (any, error) {
	ctx, span := iv.tracer.Start(ctx, "saga.step."+step.Name, trace.WithAttributes(correlationAttributes(def, cc)...))
	defer span.End()

	ctx, cancel := iv.attemptContext(ctx, def, step)
	defer cancel()

	output, err := step.Execute(ctx, cc, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return output, nil
}

// attemptCompensation executes a single compensation attempt inside a span
// and a per-attempt timeout.
func (iv *invoker) attemptCompensation(
	ctx context.Context,
	def *saga.Definition,
	step *saga.StepDefinition,
	cc saga.CorrelationContext,
	output any,
) error {
	ctx, span := iv.tracer.Start(ctx, "saga.compensate."+step.Name, trace.WithAttributes(correlationAttributes(def, cc)...))
	defer span.End()

	ctx, cancel := iv.attemptContext(ctx, def, step)
	defer cancel()

	if err := step.Compensate(ctx, cc, output); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// attemptContext bounds a single attempt with the step timeout, falling back
// to the definition default. Zero means no timeout.
func (iv *invoker) attemptContext(ctx context.Context, def *saga.Definition, step *saga.StepDefinition) (context.Context, context.CancelFunc) {
	timeout := step.Timeout
	if timeout == 0 {
		timeout = def.DefaultTimeout
	}
	if timeout == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// retryPolicyFor resolves the effective retry policy for a step.
func (iv *invoker) retryPolicyFor(def *saga.Definition, step *saga.StepDefinition) *saga.RetryPolicy {
	if step.Retry != nil {
		return step.Retry
	}
	if def.DefaultRetry != nil {
		return def.DefaultRetry
	}
	return iv.defaultRetry
}

// backoff waits for the policy delay before the given retry, honoring
// cancellation.
func (iv *invoker) backoff(ctx context.Context, policy *saga.RetryPolicy, retry int) error {
	delay := policy.Delay(retry)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publishAttempt emits one trace event for an attempt or a step-level result.
// Publish failures are logged and never affect orchestration.
func (iv *invoker) publishAttempt(
	ctx context.Context,
	eventType saga.EventType,
	def *saga.Definition,
	inst *saga.Instance,
	step *saga.StepDefinition,
	attempt, maxAttempts int,
	duration time.Duration,
	stepErr *saga.Error,
) {
	event := &saga.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		TransactionID: inst.TransactionID,
		SagaType:      def.Type,
		StepName:      step.Name,
		Attempt:       attempt,
		MaxAttempts:   maxAttempts,
		Duration:      duration,
		Correlation:   inst.Correlation,
		Timestamp:     time.Now(),
	}
	if stepErr != nil {
		event.ErrorKind = stepErr.Kind
		event.Error = stepErr.Error()
	}
	if err := iv.publisher.Publish(ctx, event); err != nil {
		iv.logger.Warnw("failed to publish saga event",
			"transaction_id", inst.TransactionID,
			"event_type", string(eventType),
			"error", err,
		)
	}
}

// correlationAttributes converts the correlation context into span attributes.
func correlationAttributes(def *saga.Definition, cc saga.CorrelationContext) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("saga.type", def.Type),
		attribute.String("saga.transaction_id", cc.TransactionID),
	}
	if cc.PlayerID != "" {
		attrs = append(attrs, attribute.String("saga.player_id", cc.PlayerID))
	}
	if cc.ProductID != "" {
		attrs = append(attrs, attribute.String("saga.product_id", cc.ProductID))
	}
	if cc.LevelID != "" {
		attrs = append(attrs, attribute.String("saga.level_id", cc.LevelID))
	}
	if cc.ParentCorrelationID != "" {
		attrs = append(attrs, attribute.String("saga.parent_correlation_id", cc.ParentCorrelationID))
	}
	return attrs
}
