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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const journalSchema = `
	-- Double-entry view of every balance movement
	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		account_type TEXT NOT NULL,
		account_id TEXT NOT NULL,
		debit_amount TEXT NOT NULL DEFAULT '0',
		credit_amount TEXT NOT NULL DEFAULT '0',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_transaction_id ON journal_entries(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_journal_account ON journal_entries(account_type, account_id);
`

// Journal account types
const (
	accountUserAvailable   = "user_available"
	accountUserPending     = "user_pending"
	accountUserLocked      = "user_locked"
	accountUserEarned      = "user_earned"
	accountRewardsExpense  = "rewards_expense"
	accountSettlementClear = "settlement_clearing"
	accountPartnerLedger   = "partner_ledger"
	platformAccountId      = "platform"
)

type journalLine struct {
	accountType string
	accountId   string
	debit       decimal.Decimal
	credit      decimal.Decimal
}

func debit(accountType, accountId string, amount decimal.Decimal) journalLine {
	return journalLine{accountType: accountType, accountId: accountId, debit: amount, credit: decimal.Zero}
}

func credit(accountType, accountId string, amount decimal.Decimal) journalLine {
	return journalLine{accountType: accountType, accountId: accountId, debit: decimal.Zero, credit: amount}
}

// addJournalEntries writes balanced debit/credit lines for one transaction
func addJournalEntries(ctx context.Context, tx *sql.Tx, transactionId string, at time.Time, lines ...journalLine) error {
	debits, credits := decimal.Zero, decimal.Zero
	for _, line := range lines {
		debits = debits.Add(line.debit)
		credits = credits.Add(line.credit)
	}
	if !debits.Equal(credits) {
		return fmt.Errorf("unbalanced journal for %s: debits %s != credits %s", transactionId, debits, credits)
	}

	for _, line := range lines {
		_, err := tx.ExecContext(ctx, queryInsertJournalEntry,
			uuid.New().String(), transactionId, line.accountType, line.accountId,
			line.debit.String(), line.credit.String(), at)
		if err != nil {
			return fmt.Errorf("failed to insert journal entry: %w", err)
		}
	}
	return nil
}
