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

package common

import (
	"context"
	"fmt"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"go.uber.org/zap"
)

// SelectUsers returns the user with emailFilter, or every user when the
// filter is empty.
func SelectUsers(ctx context.Context, users store.UserStore, emailFilter string) ([]models.User, error) {
	if emailFilter != "" {
		zap.L().Info("Looking up user by email", zap.String("email", emailFilter))
		user, err := users.GetUserByEmail(ctx, emailFilter)
		if err != nil {
			return nil, fmt.Errorf("user not found: %w", err)
		}
		return []models.User{*user}, nil
	}

	all, err := users.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	zap.L().Info("Retrieved users", zap.Int("count", len(all)))
	return all, nil
}

// ResolveUser accepts either a user id or an email
func ResolveUser(ctx context.Context, users store.UserStore, idOrEmail string) (*models.User, error) {
	user, err := users.GetUserById(ctx, idOrEmail)
	if err == nil {
		return user, nil
	}
	return users.GetUserByEmail(ctx, idOrEmail)
}
