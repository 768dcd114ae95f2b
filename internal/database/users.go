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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.Id, &user.Name, &user.Email, &user.Destination, &user.LinkedAccountId,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) queryUsers(ctx context.Context, query string) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		zap.L().Error("Failed to query users", zap.Error(err))
		return nil, fmt.Errorf("unable to query users: %w", err)
	}
	defer closeRows(rows)

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			zap.L().Error("Failed to scan user row", zap.Error(err))
			return nil, fmt.Errorf("unable to scan user row: %w", err)
		}
		users = append(users, *user)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during user row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	return users, nil
}

func (s *Service) GetUsers(ctx context.Context) ([]models.User, error) {
	zap.L().Debug("Querying active users")

	users, err := s.queryUsers(ctx, queryGetActiveUsers)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("Retrieved users", zap.Int("count", len(users)))
	return users, nil
}

// GetLinkedUsers returns active users with an external partner ledger account
func (s *Service) GetLinkedUsers(ctx context.Context) ([]models.User, error) {
	return s.queryUsers(ctx, queryGetLinkedUsers)
}

func (s *Service) GetUserById(ctx context.Context, userId string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, queryGetUserById, userId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
		}
		zap.L().Error("Failed to query user by ID", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to query user by ID: %w", err)
	}
	return user, nil
}

func (s *Service) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	zap.L().Debug("Querying user by email", zap.String("email", email))

	user, err := scanUser(s.db.QueryRowContext(ctx, queryGetUserByEmail, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, email)
		}
		zap.L().Error("Failed to query user by email", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("unable to query user by email: %w", err)
	}
	return user, nil
}

func (s *Service) CreateUser(ctx context.Context, userId, name, email string) (*models.User, error) {
	zap.L().Info("Creating user", zap.String("id", userId), zap.String("name", name), zap.String("email", email))

	result, err := s.db.ExecContext(ctx, queryInsertUser, userId, name, email)
	if err != nil {
		zap.L().Error("Failed to insert user", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("unable to insert user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: user with email %s already exists", store.ErrConflict, email)
	}

	zap.L().Info("User created successfully", zap.String("id", userId), zap.String("email", email))
	return s.GetUserByEmail(ctx, email)
}

// SetDestination stores the external account withdrawals are paid to
func (s *Service) SetDestination(ctx context.Context, userId, destination string) error {
	return s.updateUserField(ctx, querySetDestination, userId, destination)
}

// LinkExternalAccount binds a user to their account on the external partner ledger
func (s *Service) LinkExternalAccount(ctx context.Context, userId, linkedAccountId string) error {
	return s.updateUserField(ctx, queryLinkExternalAccount, userId, linkedAccountId)
}

func (s *Service) updateUserField(ctx context.Context, query, userId, value string) error {
	result, err := s.db.ExecContext(ctx, query, value, s.timestamp(), userId)
	if err != nil {
		return fmt.Errorf("unable to update user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
	}
	return nil
}
