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

package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playmech/gametx/pkg/saga"
	"github.com/playmech/gametx/pkg/saga/sagas"
)

// In-process fakes standing in for the platform services the demo calls.

type demoReceiptVerifier struct {
	rejectReceipts bool
}

func (d *demoReceiptVerifier) VerifyReceipt(ctx context.Context, playerID, productID, receipt string) (*sagas.ReceiptVerification, error) {
	if d.rejectReceipts {
		return nil, saga.NewBusinessError(sagas.ErrCodeReceiptInvalid, "receipt rejected by platform")
	}
	return &sagas.ReceiptVerification{
		OrderID:     "order-" + uuid.NewString()[:8],
		ProductID:   productID,
		PurchasedAt: time.Now(),
		Sandbox:     true,
	}, nil
}

type demoEntitlementService struct {
	mu      sync.Mutex
	granted map[string]*sagas.Entitlement
}

func (d *demoEntitlementService) Grant(ctx context.Context, playerID, productID, orderID string) (*sagas.Entitlement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.granted == nil {
		d.granted = make(map[string]*sagas.Entitlement)
	}
	// Idempotent on (playerID, orderID).
	key := playerID + "/" + orderID
	if e, ok := d.granted[key]; ok {
		return e, nil
	}
	e := &sagas.Entitlement{
		EntitlementID: "ent-" + uuid.NewString()[:8],
		PlayerID:      playerID,
		ProductID:     productID,
		GrantedAt:     time.Now(),
	}
	d.granted[key] = e
	return e, nil
}

func (d *demoEntitlementService) Revoke(ctx context.Context, entitlementID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, e := range d.granted {
		if e.EntitlementID == entitlementID {
			delete(d.granted, key)
		}
	}
	return nil
}

type demoAnalyticsPublisher struct {
	fail bool
}

func (d *demoAnalyticsPublisher) Publish(ctx context.Context, event *sagas.AnalyticsEvent) error {
	if d.fail {
		return saga.NewTransientError(saga.ErrCodeStepFailed, "analytics backend unavailable")
	}
	return nil
}

type demoCloudSaveService struct{}

func (demoCloudSaveService) Sync(ctx context.Context, playerID string) error {
	return nil
}

type demoIntegrityChecker struct {
	flagCheaters bool
}

func (d *demoIntegrityChecker) CheckScore(ctx context.Context, playerID, levelID string, score int64, proof string) (*sagas.IntegrityVerdict, error) {
	if d.flagCheaters {
		return &sagas.IntegrityVerdict{Valid: false, Reason: "replay checksum mismatch"}, nil
	}
	return &sagas.IntegrityVerdict{Valid: true}, nil
}

type demoLeaderboardService struct {
	mu      sync.Mutex
	entries map[string]*sagas.LeaderboardEntry
}

func (d *demoLeaderboardService) RecordScore(ctx context.Context, playerID, levelID string, score int64, transactionID string) (*sagas.LeaderboardEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries == nil {
		d.entries = make(map[string]*sagas.LeaderboardEntry)
	}
	// Idempotent on the transaction ID.
	if e, ok := d.entries[transactionID]; ok {
		return e, nil
	}
	e := &sagas.LeaderboardEntry{
		EntryID:  "entry-" + uuid.NewString()[:8],
		PlayerID: playerID,
		LevelID:  levelID,
		Score:    score,
		Rank:     1,
	}
	d.entries[transactionID] = e
	return e, nil
}

func (d *demoLeaderboardService) RemoveEntry(ctx context.Context, entryID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, e := range d.entries {
		if e.EntryID == entryID {
			delete(d.entries, key)
		}
	}
	return nil
}
