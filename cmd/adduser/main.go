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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"regexp"

	"reward-ledger-go/internal/common"
	"reward-ledger-go/internal/config"
	"reward-ledger-go/internal/store"
	"reward-ledger-go/internal/withdrawal"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format: %s", email)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) < 2 {
		return fmt.Errorf("name must be at least 2 characters")
	}
	return nil
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	nameFlag := flag.String("name", "", "User's full name (required)")
	emailFlag := flag.String("email", "", "User's email address (required)")
	destinationFlag := flag.String("destination", "", "Default payout address (optional)")
	linkedFlag := flag.String("linked-account", "", "Account id on the external partner ledger (optional)")
	flag.Parse()

	if *nameFlag == "" || *emailFlag == "" {
		zap.L().Fatal("Both flags are required: --name and --email")
	}
	if err := validateName(*nameFlag); err != nil {
		zap.L().Fatal("Invalid name", zap.Error(err))
	}
	if err := validateEmail(*emailFlag); err != nil {
		zap.L().Fatal("Invalid email", zap.Error(err))
	}
	if *destinationFlag != "" {
		if err := withdrawal.ValidateDestination(*destinationFlag); err != nil {
			zap.L().Fatal("Invalid destination", zap.Error(err))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	userId := uuid.New().String()
	user, err := dbService.CreateUser(ctx, userId, *nameFlag, *emailFlag)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			zap.L().Fatal("User already exists with this email", zap.String("email", *emailFlag))
		}
		zap.L().Fatal("Failed to create user", zap.Error(err))
	}

	if *destinationFlag != "" {
		if err := dbService.SetDestination(ctx, user.Id, *destinationFlag); err != nil {
			zap.L().Fatal("Failed to store destination", zap.Error(err))
		}
	}
	if *linkedFlag != "" {
		if err := dbService.LinkExternalAccount(ctx, user.Id, *linkedFlag); err != nil {
			zap.L().Fatal("Failed to link external account", zap.Error(err))
		}
	}

	fmt.Println()
	common.PrintHeader("USER CREATED", common.DefaultWidth)
	fmt.Printf("ID:             %s\n", user.Id)
	fmt.Printf("Name:           %s\n", user.Name)
	fmt.Printf("Email:          %s\n", user.Email)
	if *destinationFlag != "" {
		fmt.Printf("Destination:    %s\n", *destinationFlag)
	}
	if *linkedFlag != "" {
		fmt.Printf("Linked account: %s\n", *linkedFlag)
	}
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()

	zap.L().Info("User created successfully", zap.String("id", user.Id))
}
