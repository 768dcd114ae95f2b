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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"go.uber.org/zap"
)

// CreateMapping stores a token binding. Tokens are write-once.
func (s *Service) CreateMapping(ctx context.Context, mapping models.TrackingMapping) error {
	if mapping.Token == "" || mapping.UserId == "" || mapping.PartnerId == "" {
		return fmt.Errorf("%w: token, user and partner are required", store.ErrValidation)
	}
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = s.timestamp()
	}

	zap.L().Info("Storing tracking mapping",
		zap.String("token", mapping.Token),
		zap.String("user_id", mapping.UserId),
		zap.String("partner_id", mapping.PartnerId))

	_, err := s.db.ExecContext(ctx, queryInsertMapping,
		mapping.Token, mapping.UserId, mapping.PartnerId,
		mapping.UserFragment, mapping.PartnerFragment, mapping.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrMappingExists, mapping.Token)
		}
		zap.L().Error("Failed to store tracking mapping", zap.String("token", mapping.Token), zap.Error(err))
		return fmt.Errorf("failed to store mapping: %w", err)
	}
	return nil
}

func (s *Service) LookupMapping(ctx context.Context, token string) (*models.TrackingMapping, error) {
	mapping, err := scanMapping(s.db.QueryRowContext(ctx, queryGetMapping, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrMappingNotFound, token)
		}
		return nil, fmt.Errorf("failed to query mapping: %w", err)
	}
	return mapping, nil
}

// LookupMappingsByFragments finds bindings whose token carried the given
// user and partner fragments
func (s *Service) LookupMappingsByFragments(ctx context.Context, userFragment, partnerFragment string) ([]models.TrackingMapping, error) {
	return s.queryMappings(ctx, queryGetMappingsByFragments, userFragment, partnerFragment)
}

func (s *Service) LookupMappingsByUser(ctx context.Context, userId string) ([]models.TrackingMapping, error) {
	return s.queryMappings(ctx, queryGetMappingsByUser, userId)
}

func (s *Service) queryMappings(ctx context.Context, query string, args ...any) ([]models.TrackingMapping, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer closeRows(rows)

	var mappings []models.TrackingMapping
	for rows.Next() {
		mapping, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, *mapping)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during mapping row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating mapping rows: %w", err)
	}
	return mappings, nil
}

func scanMapping(row rowScanner) (*models.TrackingMapping, error) {
	var mapping models.TrackingMapping
	err := row.Scan(&mapping.Token, &mapping.UserId, &mapping.PartnerId,
		&mapping.UserFragment, &mapping.PartnerFragment, &mapping.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}
