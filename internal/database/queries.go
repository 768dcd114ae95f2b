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

const (
	// User queries
	userColumns = `id, name, email, destination, linked_account_id, created_at, updated_at`

	queryGetActiveUsers = `
		SELECT ` + userColumns + `
		FROM users
		WHERE active = 1
		ORDER BY created_at`

	queryGetLinkedUsers = `
		SELECT ` + userColumns + `
		FROM users
		WHERE active = 1 AND linked_account_id != ''
		ORDER BY created_at`

	queryInsertUser = `
		INSERT OR IGNORE INTO users (id, name, email) VALUES (?, ?, ?)`

	queryGetUserById = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = ? AND active = 1`

	queryGetUserByEmail = `
		SELECT ` + userColumns + `
		FROM users
		WHERE email = ? AND active = 1`

	querySetDestination = `
		UPDATE users SET destination = ?, updated_at = ? WHERE id = ? AND active = 1`

	queryLinkExternalAccount = `
		UPDATE users SET linked_account_id = ?, updated_at = ? WHERE id = ? AND active = 1`

	// Tracking mapping queries
	mappingColumns = `token, user_id, partner_id, user_fragment, partner_fragment, created_at`

	queryInsertMapping = `
		INSERT INTO tracking_mappings (` + mappingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetMapping = `
		SELECT ` + mappingColumns + `
		FROM tracking_mappings
		WHERE token = ?`

	queryGetMappingsByFragments = `
		SELECT ` + mappingColumns + `
		FROM tracking_mappings
		WHERE user_fragment = ? AND partner_fragment = ?
		ORDER BY created_at DESC
		LIMIT 50`

	queryGetMappingsByUser = `
		SELECT ` + mappingColumns + `
		FROM tracking_mappings
		WHERE user_id = ?
		ORDER BY created_at DESC`

	// Portfolio queries
	portfolioColumns = `user_id, available, pending, locked_tier1, locked_tier2, total_earned,
		external_available, external_locked_tier2, external_total_earned, last_merge_at, version, updated_at`

	queryEnsurePortfolio = `
		INSERT OR IGNORE INTO portfolios (user_id, updated_at) VALUES (?, ?)`

	queryGetPortfolio = `
		SELECT ` + portfolioColumns + `
		FROM portfolios
		WHERE user_id = ?`

	queryUpdatePortfolio = `
		UPDATE portfolios
		SET available = ?, pending = ?, locked_tier1 = ?, locked_tier2 = ?, total_earned = ?,
		    external_available = ?, external_locked_tier2 = ?, external_total_earned = ?,
		    last_merge_at = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?`

	// Transaction queries
	transactionColumns = `id, user_id, kind, amount, COALESCE(external_ref, ''), source, status, reason, reference, created_at`

	queryInsertTransaction = `
		INSERT INTO transactions (id, user_id, kind, amount, external_ref, source, status, reason, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetTransactionByExternalRef = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE external_ref = ?`

	queryGetFailedByReference = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE reference = ? AND status = 'failed' AND reason = ?
		ORDER BY created_at DESC
		LIMIT 1`

	queryGetTransactionHistory = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`

	// Journal queries
	queryInsertJournalEntry = `
		INSERT INTO journal_entries (id, transaction_id, account_type, account_id, debit_amount, credit_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetJournalLinesByAccount = `
		SELECT account_type, debit_amount, credit_amount
		FROM journal_entries
		WHERE account_id = ?`

	// Lock queries
	lockColumns = `id, user_id, amount, tier, created_at, matures_at, upgradeable, status, transaction_id`

	queryInsertLock = `
		INSERT INTO locks (` + lockColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetLock = `
		SELECT ` + lockColumns + `
		FROM locks
		WHERE id = ?`

	queryGetLocksByUser = `
		SELECT ` + lockColumns + `
		FROM locks
		WHERE user_id = ?
		ORDER BY created_at`

	queryGetUnreleasedLocksByUser = `
		SELECT ` + lockColumns + `
		FROM locks
		WHERE user_id = ? AND status IN ('active', 'upgraded')
		ORDER BY created_at`

	queryUpgradeLock = `
		UPDATE locks
		SET tier = 'tier2', status = 'upgraded', upgradeable = 0, matures_at = ?, updated_at = ?
		WHERE id = ? AND tier = 'tier1' AND upgradeable = 1 AND status = 'active'`

	queryMarkLockMatured = `
		UPDATE locks
		SET status = 'matured', updated_at = ?
		WHERE id = ? AND status IN ('active', 'upgraded')`

	// Reservation queries
	reservationColumns = `id, user_id, amount, status, created_at, updated_at`

	queryInsertReservation = `
		INSERT INTO reservations (` + reservationColumns + `)
		VALUES (?, ?, ?, 'held', ?, ?)`

	queryGetReservation = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE id = ?`

	querySettleReservation = `
		UPDATE reservations
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = 'held'`

	// Withdrawal queries
	withdrawalColumns = `id, user_id, destination, amount, net_amount, status, settlement_ref, failure_reason, created_at, processed_at`

	queryInsertWithdrawal = `
		INSERT INTO withdrawals (` + withdrawalColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', '', '', ?, NULL, ?)`

	queryGetWithdrawal = `
		SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE id = ?`

	queryMarkWithdrawalProcessing = `
		UPDATE withdrawals
		SET status = 'processing', updated_at = ?
		WHERE id = ? AND status = 'pending'`

	querySettleWithdrawal = `
		UPDATE withdrawals
		SET status = ?, settlement_ref = ?, failure_reason = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`

	// Poll cursor queries
	queryGetHighWaterMark = `
		SELECT high_water_mark FROM poll_cursors WHERE source = ?`

	queryUpsertHighWaterMark = `
		INSERT INTO poll_cursors (source, high_water_mark, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET high_water_mark = excluded.high_water_mark, updated_at = excluded.updated_at`
)
