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

// TrackingLink is returned to the UI when a shopping link is generated
type TrackingLink struct {
	Token     string `json:"token"`
	URL       string `json:"url"`
	UserId    string `json:"user_id"`
	PartnerId string `json:"partner_id"`
}

// LockView is a lock with its maturity computed at read time
type LockView struct {
	Id          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Tier        LockTier        `json:"tier"`
	Status      LockStatus      `json:"status"`
	Upgradeable bool            `json:"upgradeable"`
	CreatedAt   time.Time       `json:"created_at"`
	MaturesAt   time.Time       `json:"matures_at"`
}

// PortfolioView is the read-only projection exposed to the UI
type PortfolioView struct {
	UserId        string          `json:"user_id"`
	Available     decimal.Decimal `json:"available"`
	Pending       decimal.Decimal `json:"pending"`
	LockedTier1   decimal.Decimal `json:"locked_tier1"`
	LockedTier2   decimal.Decimal `json:"locked_tier2"`
	TotalEarned   decimal.Decimal `json:"total_earned"`
	MaturedLocked decimal.Decimal `json:"matured_locked"`
	Spendable     decimal.Decimal `json:"spendable"`
	LastMergeAt   *time.Time      `json:"last_merge_at,omitempty"`
	Locks         []LockView      `json:"locks"`
}

// TransactionRecord represents a transaction in the user's history
type TransactionRecord struct {
	Id        string            `json:"id"`
	Kind      TransactionKind   `json:"kind"`
	Amount    decimal.Decimal   `json:"amount"`
	Status    TransactionStatus `json:"status"`
	Source    string            `json:"source,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// WithdrawalView is the collaborator-facing projection of a withdrawal request.
// FailureReason only ever carries the sanitized vocabulary.
type WithdrawalView struct {
	Id            string           `json:"id"`
	UserId        string           `json:"user_id"`
	Destination   string           `json:"destination"`
	Amount        decimal.Decimal  `json:"amount"`
	NetAmount     decimal.Decimal  `json:"net_amount"`
	Status        WithdrawalStatus `json:"status"`
	SettlementRef string           `json:"settlement_ref,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ProcessedAt   *time.Time       `json:"processed_at,omitempty"`
}
