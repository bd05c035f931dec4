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

package sagas

import (
	"context"
	"errors"
	"time"

	"github.com/playmech/gametx/pkg/saga"
)

// ScoreSubmissionSagaType is the registry key for the score submission saga.
const ScoreSubmissionSagaType = "score_submission"

// Score submission step names. StepUpdateCloudSave is shared with the
// purchase saga.
const (
	StepIntegrityCheck = "integrity-check"
	StepRecordScore    = "record-score"
)

// ScoreSubmission is the input to the score submission saga.
type ScoreSubmission struct {
	// PlayerID is the submitting player.
	PlayerID string `json:"player_id"`

	// LevelID is the level the score was achieved on.
	LevelID string `json:"level_id"`

	// Score is the submitted value.
	Score int64 `json:"score"`

	// Proof is the opaque gameplay proof consumed by anti-cheat analysis.
	Proof string `json:"proof"`
}

// Correlation implements saga.Correlatable.
func (s ScoreSubmission) Correlation() saga.CorrelationContext {
	return saga.CorrelationContext{
		PlayerID: s.PlayerID,
		LevelID:  s.LevelID,
	}
}

// Validate checks the submission fields.
func (s ScoreSubmission) Validate() error {
	if s.PlayerID == "" {
		return saga.NewBusinessError(ErrCodeScoreInvalid, "player id is required")
	}
	if s.LevelID == "" {
		return saga.NewBusinessError(ErrCodeScoreInvalid, "level id is required")
	}
	if s.Score < 0 {
		return saga.NewBusinessError(ErrCodeScoreInvalid, "score cannot be negative")
	}
	return nil
}

// ScoreFlow is the running payload of the score submission saga.
type ScoreFlow struct {
	Submission ScoreSubmission   `json:"submission"`
	Entry      *LeaderboardEntry `json:"entry,omitempty"`
}

// ScoreDependencies are the platform services the score saga calls.
type ScoreDependencies struct {
	Integrity   IntegrityChecker
	Leaderboard LeaderboardService
	CloudSave   CloudSaveService
}

// NewScoreSubmissionSaga builds the score submission definition:
//
//	integrity-check    critical, no compensation (analysis is a read)
//	record-score       critical, compensated by removing the entry
//	update-cloud-save  best-effort
//
// A cheat verdict fails the saga with code CHEAT_DETECTED so callers can
// distinguish cheaters from infrastructure failures.
func NewScoreSubmissionSaga(deps *ScoreDependencies) (*saga.Definition, error) {
	if deps == nil {
		return nil, errors.New("score saga: dependencies cannot be nil")
	}
	if deps.Integrity == nil || deps.Leaderboard == nil {
		return nil, errors.New("score saga: integrity checker and leaderboard service are required")
	}
	if deps.CloudSave == nil {
		return nil, errors.New("score saga: cloud save service is required")
	}

	s := &scoreSteps{deps: deps}
	return &saga.Definition{
		Type:        ScoreSubmissionSagaType,
		Name:        "Score Submission",
		Description: "Validates a score through anti-cheat, records it on the leaderboard, then refreshes the cloud save.",
		Steps: []saga.StepDefinition{
			{
				Name:        StepIntegrityCheck,
				Execute:     s.integrityCheck,
				Criticality: saga.Critical,
			},
			{
				Name:        StepRecordScore,
				Execute:     s.recordScore,
				Compensate:  s.removeScore,
				Criticality: saga.Critical,
			},
			{
				Name:        StepUpdateCloudSave,
				Execute:     s.updateCloudSave,
				Criticality: saga.BestEffort,
				Retry:       &saga.RetryPolicy{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
			},
		},
		DefaultRetry:   saga.DefaultRetryPolicy(),
		DefaultTimeout: 10 * time.Second,
	}, nil
}

type scoreSteps struct {
	deps *ScoreDependencies
}

func (s *scoreSteps) integrityCheck(ctx context.Context, cc saga.CorrelationContext, input any) (any, error) {
	sub, err := decode[ScoreSubmission](input)
	if err != nil {
		return nil, saga.NewBusinessError(ErrCodeScoreInvalid, "malformed score submission: %v", err)
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	verdict, err := s.deps.Integrity.CheckScore(ctx, sub.PlayerID, sub.LevelID, sub.Score, sub.Proof)
	if err != nil {
		return nil, err
	}
	if !verdict.Valid {
		return nil, saga.NewBusinessError(ErrCodeCheatDetected, "score rejected by integrity check: %s", verdict.Reason).
			WithDetail("player_id", sub.PlayerID).
			WithDetail("level_id", sub.LevelID)
	}
	return &ScoreFlow{Submission: *sub}, nil
}

func (s *scoreSteps) recordScore(ctx context.Context, cc saga.CorrelationContext, input any) (any, error) {
	flow, err := decode[ScoreFlow](input)
	if err != nil {
		return nil, saga.NewBusinessError(ErrCodeScoreInvalid, "malformed score flow: %v", err)
	}

	entry, err := s.deps.Leaderboard.RecordScore(ctx, flow.Submission.PlayerID, flow.Submission.LevelID,
		flow.Submission.Score, cc.TransactionID)
	if err != nil {
		return nil, err
	}
	flow.Entry = entry
	return flow, nil
}

// removeScore undoes recordScore using the entry ID captured in the step
// output.
func (s *scoreSteps) removeScore(ctx context.Context, cc saga.CorrelationContext, output any) error {
	flow, err := decode[ScoreFlow](output)
	if err != nil {
		return err
	}
	if flow.Entry == nil {
		return nil
	}
	return s.deps.Leaderboard.RemoveEntry(ctx, flow.Entry.EntryID)
}

func (s *scoreSteps) updateCloudSave(ctx context.Context, cc saga.CorrelationContext, input any) (any, error) {
	flow, err := decode[ScoreFlow](input)
	if err != nil {
		return nil, err
	}
	if err := s.deps.CloudSave.Sync(ctx, flow.Submission.PlayerID); err != nil {
		return nil, err
	}
	return nil, nil
}
