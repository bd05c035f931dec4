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
	"go.uber.org/zap"

	"github.com/playmech/gametx/pkg/saga"
)

// compensator walks the instance's outcome log in strict reverse order and
// invokes the compensating action of every succeeded critical step that has
// one. On a compensation failure it halts further compensation and reports
// the failed step plus every earlier step left uncompensated.
type compensator struct {
	invoker   *invoker
	store     saga.StateStore
	publisher saga.EventPublisher
	logger    *zap.SugaredLogger
}

// compensationResult reports the outcome of a compensation pass.
type compensationResult struct {
	// failedStep is the step whose compensation failed, if any.
	failedStep string

	// uncompensated lists the succeeded critical steps whose compensation
	// did not complete, in reverse execution order (the failed step first).
	// Mandatory input for manual operator reconciliation.
	uncompensated []string

	// err is the compensation-fatal error, nil on full success.
	err *saga.Error
}

// compensate runs the compensation pass for a failing instance. Best-effort
// steps are skipped: they carry no guaranteed-completed side effect worth
// undoing. Already-compensated steps are skipped so that a crash-resume
// never invokes a compensation a second time through this path.
func (c *compensator) compensate(ctx context.Context, def *saga.Definition, inst *saga.Instance) compensationResult {
	c.publishLifecycle(ctx, saga.EventCompensationStarted, def, inst, nil)

	for i := len(inst.StepOutcomes) - 1; i >= 0; i-- {
		oc := inst.StepOutcomes[i]
		if !needsCompensation(def, oc) || oc.Compensated {
			continue
		}

		attempts, err := c.invoker.invokeCompensation(ctx, def, inst, oc)
		oc.CompensationAttempts = attempts
		if err != nil {
			result := compensationResult{
				failedStep:    oc.StepName,
				uncompensated: uncompensatedSteps(def, inst, i),
				err:           err,
			}
			c.logger.Errorw("compensation halted",
				"transaction_id", inst.TransactionID,
				"saga_type", def.Type,
				"failed_step", oc.StepName,
				"uncompensated", result.uncompensated,
			)
			c.publishLifecycle(ctx, saga.EventCompensationFailed, def, inst, err)
			return result
		}

		oc.Compensated = true
		inst.UpdatedAt = time.Now()
		if saveErr := c.store.Save(context.WithoutCancel(ctx), inst); saveErr != nil {
			c.logger.Warnw("failed to persist compensated step",
				"transaction_id", inst.TransactionID,
				"step", oc.StepName,
				"error", saveErr,
			)
		}
	}

	c.publishLifecycle(ctx, saga.EventCompensationCompleted, def, inst, nil)
	return compensationResult{}
}

// needsCompensation reports whether an outcome requires a compensating
// action: the forward action succeeded, the step is critical, and a
// compensation is declared.
func needsCompensation(def *saga.Definition, oc *saga.StepOutcome) bool {
	if oc.Status != saga.StepSucceeded || oc.Criticality != saga.Critical {
		return false
	}
	return def.Steps[oc.StepIndex].HasCompensation()
}

// uncompensatedSteps collects, from the halt position down to the first
// step, the names of steps still requiring compensation.
func uncompensatedSteps(def *saga.Definition, inst *saga.Instance, haltIndex int) []string {
	var names []string
	for i := haltIndex; i >= 0; i-- {
		oc := inst.StepOutcomes[i]
		if needsCompensation(def, oc) && !oc.Compensated {
			names = append(names, oc.StepName)
		}
	}
	return names
}

// publishLifecycle emits a compensation lifecycle event.
func (c *compensator) publishLifecycle(ctx context.Context, t saga.EventType, def *saga.Definition, inst *saga.Instance, compErr *saga.Error) {
	event := &saga.Event{
		ID:            uuid.NewString(),
		Type:          t,
		TransactionID: inst.TransactionID,
		SagaType:      def.Type,
		Correlation:   inst.Correlation,
		Timestamp:     time.Now(),
	}
	if compErr != nil {
		event.ErrorKind = compErr.Kind
		event.Error = compErr.Error()
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warnw("failed to publish compensation event",
			"transaction_id", inst.TransactionID,
			"event_type", string(t),
			"error", err,
		)
	}
}
