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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/playmech/gametx/pkg/saga"
	"github.com/playmech/gametx/pkg/saga/engine"
	"github.com/playmech/gametx/pkg/saga/storage"
)

// mockReceiptVerifier is a hand-rolled ReceiptVerifier for tests.
type mockReceiptVerifier struct {
	verifyErr error
	calls     int
}

func (m *mockReceiptVerifier) VerifyReceipt(ctx context.Context, playerID, productID, receipt string) (*ReceiptVerification, error) {
	m.calls++
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	return &ReceiptVerification{OrderID: "order-1", ProductID: productID, PurchasedAt: time.Now()}, nil
}

type mockEntitlementService struct {
	grantErr    error
	revokeErr   error
	grantCalls  int
	revokeCalls int
	revokedIDs  []string
}

func (m *mockEntitlementService) Grant(ctx context.Context, playerID, productID, orderID string) (*Entitlement, error) {
	m.grantCalls++
	if m.grantErr != nil {
		return nil, m.grantErr
	}
	return &Entitlement{EntitlementID: "ent-1", PlayerID: playerID, ProductID: productID, GrantedAt: time.Now()}, nil
}

func (m *mockEntitlementService) Revoke(ctx context.Context, entitlementID string) error {
	m.revokeCalls++
	m.revokedIDs = append(m.revokedIDs, entitlementID)
	return m.revokeErr
}

type mockAnalyticsPublisher struct {
	publishErr error
	calls      int
	events     []*AnalyticsEvent
}

func (m *mockAnalyticsPublisher) Publish(ctx context.Context, event *AnalyticsEvent) error {
	m.calls++
	if m.publishErr != nil {
		return m.publishErr
	}
	m.events = append(m.events, event)
	return nil
}

type mockCloudSaveService struct {
	syncErr error
	calls   int
}

func (m *mockCloudSaveService) Sync(ctx context.Context, playerID string) error {
	m.calls++
	return m.syncErr
}

type iapFixture struct {
	receipts     *mockReceiptVerifier
	entitlements *mockEntitlementService
	analytics    *mockAnalyticsPublisher
	cloudSave    *mockCloudSaveService
	engine       *engine.Engine
}

func newIAPFixture(t *testing.T) *iapFixture {
	t.Helper()

	f := &iapFixture{
		receipts:     &mockReceiptVerifier{},
		entitlements: &mockEntitlementService{},
		analytics:    &mockAnalyticsPublisher{},
		cloudSave:    &mockCloudSaveService{},
	}

	def, err := NewIAPPurchaseSaga(&IAPDependencies{
		Receipts:     f.receipts,
		Entitlements: f.entitlements,
		Analytics:    f.analytics,
		CloudSave:    f.cloudSave,
	})
	require.NoError(t, err)

	// Tight retry policy so failure tests stay fast.
	def.DefaultRetry = &saga.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	for i := range def.Steps {
		def.Steps[i].Retry = nil
	}

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	eng, err := engine.New(&engine.Config{Store: store, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, eng.Register(def))
	f.engine = eng
	return f
}

func validPurchase() PurchaseRequest {
	return PurchaseRequest{
		PlayerID:  "player-1",
		ProductID: "gems.large",
		Receipt:   "receipt-token",
		Store:     "app_store",
	}
}

func TestIAPPurchase_Success(t *testing.T) {
	f := newIAPFixture(t)

	result, err := f.engine.Run(context.Background(), IAPPurchaseSagaType, "txn-iap-1", validPurchase())
	require.NoError(t, err)

	assert.Equal(t, saga.StateCompleted, result.State)
	assert.Equal(t, 1, f.receipts.calls)
	assert.Equal(t, 1, f.entitlements.grantCalls)
	assert.Equal(t, 0, f.entitlements.revokeCalls)
	assert.Equal(t, 1, f.analytics.calls)
	assert.Equal(t, 1, f.cloudSave.calls)

	require.Len(t, f.analytics.events, 1)
	assert.Equal(t, "iap_purchase", f.analytics.events[0].Name)
	assert.Equal(t, "txn-iap-1", f.analytics.events[0].Properties["transaction_id"])
}

func TestIAPPurchase_RejectedReceiptFailsWithoutSideEffects(t *testing.T) {
	f := newIAPFixture(t)
	f.receipts.verifyErr = saga.NewBusinessError(ErrCodeReceiptInvalid, "signature mismatch")

	result, err := f.engine.Run(context.Background(), IAPPurchaseSagaType, "txn-iap-2", validPurchase())
	require.NoError(t, err)

	assert.Equal(t, saga.StateFailed, result.State)
	assert.Equal(t, ErrCodeReceiptInvalid, result.Error.Cause.Code)
	// Business rejection: no retry of the verifier.
	assert.Equal(t, 1, f.receipts.calls)
	// Nothing was granted, so nothing is compensated.
	assert.Equal(t, 0, f.entitlements.grantCalls)
	assert.Equal(t, 0, f.entitlements.revokeCalls)
	assert.Equal(t, 0, f.analytics.calls)
}

func TestIAPPurchase_BestEffortFailuresStillComplete(t *testing.T) {
	f := newIAPFixture(t)
	f.analytics.publishErr = saga.NewTransientError(saga.ErrCodeStepFailed, "collector down")
	f.cloudSave.syncErr = saga.NewTransientError(saga.ErrCodeStepFailed, "cloud save down")

	result, err := f.engine.Run(context.Background(), IAPPurchaseSagaType, "txn-iap-3", validPurchase())
	require.NoError(t, err)

	// The player keeps the purchase even with both side channels down.
	assert.Equal(t, saga.StateCompleted, result.State)
	assert.Equal(t, 1, f.entitlements.grantCalls)
	assert.Equal(t, 0, f.entitlements.revokeCalls)

	assert.Equal(t, saga.StepFailed, result.StepOutcomes[2].Status)
	assert.Equal(t, saga.StepFailed, result.StepOutcomes[3].Status)
}

func TestIAPPurchase_InvalidRequestIsBusinessFailure(t *testing.T) {
	f := newIAPFixture(t)

	req := validPurchase()
	req.Receipt = ""

	result, err := f.engine.Run(context.Background(), IAPPurchaseSagaType, "txn-iap-4", req)
	require.NoError(t, err)

	assert.Equal(t, saga.StateFailed, result.State)
	assert.Equal(t, saga.KindNonRetryableBusiness, result.Error.Kind)
	// Validation happens before the platform is called.
	assert.Equal(t, 0, f.receipts.calls)
}

func TestIAPPurchase_RevokeCompensationHandler(t *testing.T) {
	f := newIAPFixture(t)
	steps := &iapSteps{deps: &IAPDependencies{
		Receipts:     f.receipts,
		Entitlements: f.entitlements,
		Analytics:    f.analytics,
		CloudSave:    f.cloudSave,
	}}

	flow := &PurchaseFlow{
		Request:     validPurchase(),
		Entitlement: &Entitlement{EntitlementID: "ent-9"},
	}
	require.NoError(t, steps.revokeEntitlement(context.Background(), saga.CorrelationContext{}, flow))
	assert.Equal(t, []string{"ent-9"}, f.entitlements.revokedIDs)

	// After a crash-resume the output arrives as a generic JSON map; the
	// handler must still find the entitlement ID.
	asMap := map[string]any{
		"request":     map[string]any{"player_id": "player-1"},
		"entitlement": map[string]any{"entitlement_id": "ent-10"},
	}
	require.NoError(t, steps.revokeEntitlement(context.Background(), saga.CorrelationContext{}, asMap))
	assert.Equal(t, []string{"ent-9", "ent-10"}, f.entitlements.revokedIDs)

	// A flow without a grant is a no-op.
	require.NoError(t, steps.revokeEntitlement(context.Background(), saga.CorrelationContext{}, &PurchaseFlow{}))
	assert.Equal(t, 2, f.entitlements.revokeCalls)
}

func TestPurchaseRequest_Correlation(t *testing.T) {
	cc := validPurchase().Correlation()
	assert.Equal(t, "player-1", cc.PlayerID)
	assert.Equal(t, "gems.large", cc.ProductID)
}

func TestNewIAPPurchaseSaga_RequiresDependencies(t *testing.T) {
	_, err := NewIAPPurchaseSaga(nil)
	assert.Error(t, err)

	_, err = NewIAPPurchaseSaga(&IAPDependencies{})
	assert.Error(t, err)

	_, err = NewIAPPurchaseSaga(&IAPDependencies{
		Receipts:     &mockReceiptVerifier{},
		Entitlements: &mockEntitlementService{},
	})
	assert.Error(t, err)
}

func TestNewIAPPurchaseSaga_DefinitionIsValid(t *testing.T) {
	def, err := NewIAPPurchaseSaga(&IAPDependencies{
		Receipts:     &mockReceiptVerifier{},
		Entitlements: &mockEntitlementService{},
		Analytics:    &mockAnalyticsPublisher{},
		CloudSave:    &mockCloudSaveService{},
	})
	require.NoError(t, err)
	require.NoError(t, def.Validate())

	require.Len(t, def.Steps, 4)
	assert.Equal(t, StepVerifyReceipt, def.Steps[0].Name)
	assert.Nil(t, def.Steps[0].Compensate)
	assert.NotNil(t, def.Steps[1].Compensate)
	assert.Equal(t, saga.BestEffort, def.Steps[2].Criticality)
	assert.Equal(t, saga.BestEffort, def.Steps[3].Criticality)
}
