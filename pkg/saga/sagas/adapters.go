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

// Package sagas provides the game-backend saga definitions: in-app purchase
// fulfillment and score submission. Each definition wires platform service
// adapters into saga steps with the criticality and compensation semantics
// the business requires.
//
// Adapters are the classification boundary: every error an adapter returns
// should already be a *saga.Error with the correct kind. Plain errors are
// classified by the engine as a fallback.
package sagas

import (
	"context"
	"time"
)

// Error codes returned by the game-backend sagas.
const (
	// ErrCodeReceiptInvalid marks a store receipt rejected by the platform.
	ErrCodeReceiptInvalid = "RECEIPT_INVALID"

	// ErrCodeScoreInvalid marks a structurally invalid score submission.
	ErrCodeScoreInvalid = "SCORE_INVALID"

	// ErrCodeCheatDetected marks a score rejected by anti-cheat analysis.
	// Distinct from transport failures so dashboards can separate cheaters
	// from outages.
	ErrCodeCheatDetected = "CHEAT_DETECTED"
)

// ReceiptVerification is the platform verdict on a store receipt.
type ReceiptVerification struct {
	// OrderID is the store-side order identifier extracted from the receipt.
	OrderID string `json:"order_id"`

	// ProductID is the purchased product per the platform.
	ProductID string `json:"product_id"`

	// PurchasedAt is the store-side purchase timestamp.
	PurchasedAt time.Time `json:"purchased_at"`

	// Sandbox marks test-environment receipts.
	Sandbox bool `json:"sandbox"`
}

// ReceiptVerifier validates store receipts against the platform (App Store,
// Google Play). A rejected receipt must surface as a business error with
// code ErrCodeReceiptInvalid; platform outages as transient errors.
type ReceiptVerifier interface {
	VerifyReceipt(ctx context.Context, playerID, productID, receipt string) (*ReceiptVerification, error)
}

// Entitlement is a granted product entitlement.
type Entitlement struct {
	// EntitlementID identifies the grant for later revocation.
	EntitlementID string `json:"entitlement_id"`

	// PlayerID is the receiving player.
	PlayerID string `json:"player_id"`

	// ProductID is the granted product.
	ProductID string `json:"product_id"`

	// GrantedAt is when the grant took effect.
	GrantedAt time.Time `json:"granted_at"`
}

// EntitlementService manages player entitlements. Grant must be idempotent
// on (playerID, orderID); Revoke must be idempotent on entitlementID, since
// a crash-resume may replay either call.
type EntitlementService interface {
	Grant(ctx context.Context, playerID, productID, orderID string) (*Entitlement, error)
	Revoke(ctx context.Context, entitlementID string) error
}

// AnalyticsEvent is a fire-and-forget analytics record.
type AnalyticsEvent struct {
	// Name is the event name, e.g. "iap_purchase".
	Name string `json:"name"`

	// PlayerID attributes the event.
	PlayerID string `json:"player_id"`

	// Properties carries event-specific fields.
	Properties map[string]any `json:"properties,omitempty"`

	// OccurredAt is the event timestamp.
	OccurredAt time.Time `json:"occurred_at"`
}

// AnalyticsPublisher ships analytics events. Failures are tolerated; the
// sagas use it only in best-effort steps.
type AnalyticsPublisher interface {
	Publish(ctx context.Context, event *AnalyticsEvent) error
}

// CloudSaveService refreshes a player's cloud save snapshot after their
// server-side state changed. Failures are tolerated; the client re-syncs
// on next launch.
type CloudSaveService interface {
	Sync(ctx context.Context, playerID string) error
}

// IntegrityVerdict is the anti-cheat verdict on a score submission.
type IntegrityVerdict struct {
	// Valid reports whether the submission passed analysis.
	Valid bool `json:"valid"`

	// Reason explains a rejection, empty when Valid.
	Reason string `json:"reason,omitempty"`
}

// IntegrityChecker runs anti-cheat analysis on score submissions. A verdict
// of not-valid is a business outcome, not an error; the checker returns an
// error only when the analysis itself could not run.
type IntegrityChecker interface {
	CheckScore(ctx context.Context, playerID, levelID string, score int64, proof string) (*IntegrityVerdict, error)
}

// LeaderboardEntry is a recorded score.
type LeaderboardEntry struct {
	// EntryID identifies the record for later removal.
	EntryID string `json:"entry_id"`

	// PlayerID is the submitting player.
	PlayerID string `json:"player_id"`

	// LevelID is the level the score was achieved on.
	LevelID string `json:"level_id"`

	// Score is the recorded value.
	Score int64 `json:"score"`

	// Rank is the position after insertion, 0 when unknown.
	Rank int64 `json:"rank,omitempty"`
}

// LeaderboardService records scores. RecordScore must be idempotent on
// (playerID, levelID, transactionID); RemoveEntry must be idempotent on
// entryID.
type LeaderboardService interface {
	RecordScore(ctx context.Context, playerID, levelID string, score int64, transactionID string) (*LeaderboardEntry, error)
	RemoveEntry(ctx context.Context, entryID string) error
}
