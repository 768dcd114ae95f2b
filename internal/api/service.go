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

package api

import (
	"context"
	"fmt"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

// Store is the read side the collaborator API needs
type Store interface {
	store.MappingStore
	GetUserById(ctx context.Context, userId string) (*models.User, error)
	GetPortfolio(ctx context.Context, userId string) (*models.Portfolio, error)
	GetLocks(ctx context.Context, userId string) ([]models.Lock, error)
	Ping(ctx context.Context) error
}

// Withdrawals requests and reads withdrawals
type Withdrawals interface {
	RequestWithdrawal(ctx context.Context, userId, destination string, amount decimal.Decimal) (*models.WithdrawalRequest, error)
	Get(ctx context.Context, id string) (*models.WithdrawalRequest, error)
}

// LockUpgrader moves a tier-1 lock to tier 2
type LockUpgrader interface {
	Upgrade(ctx context.Context, lockId string) (*models.Lock, error)
}

// LinkBuilder renders a partner's shopping link for a token
type LinkBuilder interface {
	Link(partnerId, token string) string
}

type Config struct {
	Store       Store
	Withdrawals Withdrawals
	Locks       LockUpgrader
	Links       LinkBuilder
}

// LedgerService is the operation surface collaborators (UI, support tools)
// call. It never mutates balances directly.
type LedgerService struct {
	store       Store
	withdrawals Withdrawals
	locks       LockUpgrader
	links       LinkBuilder
	now         func() time.Time
}

func NewLedgerService(cfg Config) *LedgerService {
	return &LedgerService{
		store:       cfg.Store,
		withdrawals: cfg.Withdrawals,
		locks:       cfg.Locks,
		links:       cfg.Links,
		now:         time.Now,
	}
}

func (s *LedgerService) WithClock(now func() time.Time) *LedgerService {
	s.now = now
	return s
}

func (s *LedgerService) HealthCheck(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
