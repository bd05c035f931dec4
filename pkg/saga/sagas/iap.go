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

// IAPPurchaseSagaType is the registry key for the in-app purchase saga.
const IAPPurchaseSagaType = "iap_purchase"

// IAP purchase step names.
const (
	StepVerifyReceipt    = "verify-receipt"
	StepGrantEntitlement = "grant-entitlement"
	StepPublishAnalytics = "publish-analytics"
	StepUpdateCloudSave  = "update-cloud-save"
)

// PurchaseRequest is the input to the in-app purchase saga.
type PurchaseRequest struct {
	// PlayerID is the purchasing player.
	PlayerID string `json:"player_id"`

	// ProductID is the product being purchased.
	ProductID string `json:"product_id"`

	// Receipt is the opaque store receipt to verify.
	Receipt string `json:"receipt"`

	// Store names the storefront, e.g. "app_store" or "google_play".
	Store string `json:"store"`
}

// Correlation implements saga.Correlatable.
func (r PurchaseRequest) Correlation() saga.CorrelationContext {
	return saga.CorrelationContext{
		PlayerID:  r.PlayerID,
		ProductID: r.ProductID,
	}
}

// Validate checks the request fields. Violations are business errors: no
// retry will make an empty receipt valid.
func (r PurchaseRequest) Validate() error {
	if r.PlayerID == "" {
		return saga.NewBusinessError(ErrCodeReceiptInvalid, "player id is required")
	}
	if r.ProductID == "" {
		return saga.NewBusinessError(ErrCodeReceiptInvalid, "product id is required")
	}
	if r.Receipt == "" {
		return saga.NewBusinessError(ErrCodeReceiptInvalid, "receipt is required")
	}
	return nil
}

// PurchaseFlow is the running payload of the in-app purchase saga. Each
// step enriches it and passes it forward; after a crash-resume it is
// rebuilt from the persisted outcome log.
type PurchaseFlow struct {
	Request      PurchaseRequest      `json:"request"`
	Verification *ReceiptVerification `json:"verification,omitempty"`
	Entitlement  *Entitlement         `json:"entitlement,omitempty"`
}

// IAPDependencies are the platform services the purchase saga calls.
type IAPDependencies struct {
	Receipts     ReceiptVerifier
	Entitlements EntitlementService
	Analytics    AnalyticsPublisher
	CloudSave    CloudSaveService
}

// NewIAPPurchaseSaga builds the in-app purchase definition:
//
//	verify-receipt     critical, no compensation (verification is a read)
//	grant-entitlement  critical, compensated by revoking the grant
//	publish-analytics  best-effort
//	update-cloud-save  best-effort
//
// A rejected receipt fails the saga before any side effect exists, so the
// compensation pass has nothing to undo. Best-effort failures never block
// completion: the player keeps their purchase even if analytics or cloud
// save are down.
func NewIAPPurchaseSaga(deps *IAPDependencies) (*saga.Definition, error) {
	if deps == nil {
		return nil, errors.New("iap saga: dependencies cannot be nil")
	}
	if deps.Receipts == nil || deps.Entitlements == nil {
		return nil, errors.New("iap saga: receipt verifier and entitlement service are required")
	}
	if deps.Analytics == nil || deps.CloudSave == nil {
		return nil, errors.New("iap saga: analytics publisher and cloud save service are required")
	}

	s := &iapSteps{deps: deps}
	return &saga.Definition{
		Type:        IAPPurchaseSagaType,
		Name:        "IAP Purchase",
		Description: "Verifies a store receipt, grants the entitlement, then fans out analytics and cloud save updates.",
		Steps: []saga.StepDefinition{
			{
				Name:        StepVerifyReceipt,
				Execute:     s.verifyReceipt,
				Criticality: saga.Critical,
			},
			{
				Name:        StepGrantEntitlement,
				Execute:     s.grantEntitlement,
				Compensate:  s.revokeEntitlement,
				Criticality: saga.Critical,
			},
			{
				Name:        StepPublishAnalytics,
				Execute:     s.publishAnalytics,
				Criticality: saga.BestEffort,
				Retry:       &saga.RetryPolicy{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
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

type iapSteps struct {
	deps *IAPDependencies
}

func (s *iapSteps) verifyReceipt(ctx context.Context, cc saga.CorrelationContext, input any) (any, error) {
	req, err := decode[PurchaseRequest](input)
	if err != nil {
		return nil, saga.NewBusinessError(ErrCodeReceiptInvalid, "malformed purchase request: %v", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	verification, err := s.deps.Receipts.VerifyReceipt(ctx, req.PlayerID, req.ProductID, req.Receipt)
	if err != nil {
		return nil, err
	}
	return &PurchaseFlow{Request: *req, Verification: verification}, nil
}

func (s *iapSteps) grantEntitlement(ctx context.Context, cc saga.CorrelationContext, input any) (any, error) {
	flow, err := decode[PurchaseFlow](input)
	if err != nil {
		return nil, saga.NewBusinessError(ErrCodeReceiptInvalid, "malformed purchase flow: %v", err)
	}

	entitlement, err := s.deps.Entitlements.Grant(ctx, flow.Request.PlayerID, flow.Request.ProductID, flow.Verification.OrderID)
	if err != nil {
		return nil, err
	}
	flow.Entitlement = entitlement
	return flow, nil
}

// revokeEntitlement undoes grantEntitlement. The output it receives is the
// flow recorded when the grant succeeded, so the entitlement ID is present
// even on a resumed compensation.
func (s *iapSteps) revokeEntitlement(ctx context.Context, cc saga.CorrelationContext, output any) error {
	flow, err := decode[PurchaseFlow](output)
	if err != nil {
		return err
	}
	if flow.Entitlement == nil {
		return nil
	}
	return s.deps.Entitlements.Revoke(ctx, flow.Entitlement.EntitlementID)
}

func (s *iapSteps) publishAnalytics(ctx context.Context, cc saga.CorrelationContext, input any) (any, error) {
	flow, err := decode[PurchaseFlow](input)
	if err != nil {
		return nil, err
	}

	event := &AnalyticsEvent{
		Name:     "iap_purchase",
		PlayerID: flow.Request.PlayerID,
		Properties: map[string]any{
			"product_id":     flow.Request.ProductID,
			"store":          flow.Request.Store,
			"order_id":       flow.Verification.OrderID,
			"transaction_id": cc.TransactionID,
		},
		OccurredAt: time.Now(),
	}
	if err := s.deps.Analytics.Publish(ctx, event); err != nil {
		return nil, err
	}
	// Analytics contributes nothing to the payload.
	return nil, nil
}

func (s *iapSteps) updateCloudSave(ctx context.Context, cc saga.CorrelationContext, input any) (any, error) {
	flow, err := decode[PurchaseFlow](input)
	if err != nil {
		return nil, err
	}
	if err := s.deps.CloudSave.Sync(ctx, flow.Request.PlayerID); err != nil {
		return nil, err
	}
	return nil, nil
}
