/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseStatus is the normalized status of an external purchase
type PurchaseStatus string

const (
	PurchaseCompleted PurchaseStatus = "completed"
	PurchasePending   PurchaseStatus = "pending"
	PurchaseRejected  PurchaseStatus = "rejected"
)

// ExternalPurchaseEvent is the single shape every delivery path is normalized into
type ExternalPurchaseEvent struct {
	ExternalTransactionId string          `json:"id"`
	PartnerRef            string          `json:"partner_ref"`
	TrackingToken         string          `json:"tracking_token,omitempty"`
	AmountSpent           decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Status                PurchaseStatus  `json:"status"`
	OccurredAt            time.Time       `json:"occurred_at"`
	Source                string          `json:"-"`
}

// Outcome is the per-event result of reconciliation
type Outcome string

const (
	OutcomeCredited         Outcome = "credited"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeRejected         Outcome = "rejected"
	OutcomeUnmatched        Outcome = "unmatched"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeInvalid          Outcome = "invalid"
	OutcomeFailed           Outcome = "failed"
)

// ProcessResult reports what happened to one external event
type ProcessResult struct {
	ExternalTransactionId string          `json:"id"`
	Outcome               Outcome         `json:"outcome"`
	UserId                string          `json:"user_id,omitempty"`
	Reward                decimal.Decimal `json:"reward"`
	Retryable             bool            `json:"retryable,omitempty"`
	Error                 string          `json:"error,omitempty"`
}
