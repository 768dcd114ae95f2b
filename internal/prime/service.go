package prime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/coinbase-samples/prime-sdk-go/client"
	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/coinbase-samples/prime-sdk-go/model"
	"github.com/coinbase-samples/prime-sdk-go/transactions"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// walletTransaction is the slice of a Prime wallet transaction the rail reads
type walletTransaction struct {
	Id             string
	Status         string
	IdempotencyKey string
	Created        time.Time
}

// walletApi is the part of the Prime transactions API the rail needs
type walletApi interface {
	submitWithdrawal(ctx context.Context, idempotencyKey, destination, amount string) (string, error)
	listWithdrawals(ctx context.Context, since time.Time) ([]walletTransaction, error)
}

// Rail pays withdrawals out of one Prime wallet. The withdrawal request id is
// the Prime idempotency key, so a resubmitted transfer never pays twice and a
// lost response can be recovered by Lookup.
type Rail struct {
	api           walletApi
	unitsPerAsset decimal.Decimal
	pollInterval  time.Duration
	lookback      time.Duration
	now           func() time.Time
}

type RailConfig struct {
	PortfolioId   string
	WalletId      string
	Symbol        string
	UnitsPerAsset decimal.Decimal
	PollInterval  time.Duration
	Lookback      time.Duration
}

func NewRail(creds *credentials.Credentials, cfg RailConfig) (*Rail, error) {
	if cfg.PortfolioId == "" || cfg.WalletId == "" || cfg.Symbol == "" {
		return nil, fmt.Errorf("prime rail requires portfolio id, wallet id and symbol")
	}

	httpClient, err := createCustomHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	restClient := client.NewRestClient(creds, httpClient)
	api := &sdkWallet{
		transactionsSvc: transactions.NewTransactionsService(restClient),
		portfolioId:     cfg.PortfolioId,
		walletId:        cfg.WalletId,
		symbol:          cfg.Symbol,
	}
	return newRail(api, cfg), nil
}

func newRail(api walletApi, cfg RailConfig) *Rail {
	if !cfg.UnitsPerAsset.IsPositive() {
		cfg.UnitsPerAsset = decimal.NewFromInt(1)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 72 * time.Hour
	}
	return &Rail{
		api:           api,
		unitsPerAsset: cfg.UnitsPerAsset,
		pollInterval:  cfg.PollInterval,
		lookback:      cfg.Lookback,
		now:           time.Now,
	}
}

func createCustomHttpClient() (http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

// AssetAmount converts ledger units into the wallet's asset amount
func (r *Rail) AssetAmount(units decimal.Decimal) decimal.Decimal {
	return units.Div(r.unitsPerAsset)
}

// Transfer submits the withdrawal and waits until Prime reports a terminal
// status or ctx expires. An expired ctx is an unknown outcome, not a failure.
func (r *Rail) Transfer(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: transfer amount %s", store.ErrValidation, req.Amount)
	}
	amount := r.AssetAmount(req.Amount)

	zap.L().Info("Submitting withdrawal to Prime",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("destination", req.Destination),
		zap.String("amount", amount.String()))

	activityId, err := r.api.submitWithdrawal(ctx, req.IdempotencyKey, req.Destination, amount.String())
	if err != nil {
		zap.L().Error("Failed to submit withdrawal",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		return nil, fmt.Errorf("%w: unable to create withdrawal: %v", store.ErrUnknownOutcome, err)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		result, err := r.Lookup(ctx, req.IdempotencyKey)
		switch {
		case err == nil && result.Status != models.TransferPending:
			return result, nil
		case err != nil && ctx.Err() == nil:
			zap.L().Debug("Withdrawal not yet visible on Prime",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("activity_id", activityId),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: withdrawal %s still unsettled: %v", store.ErrUnknownOutcome, req.IdempotencyKey, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Lookup finds the wallet transaction carrying idempotencyKey
func (r *Rail) Lookup(ctx context.Context, idempotencyKey string) (*models.TransferResult, error) {
	txs, err := r.api.listWithdrawals(ctx, r.now().Add(-r.lookback))
	if err != nil {
		return nil, fmt.Errorf("%w: unable to list wallet transactions: %v", store.ErrExternalUnavailable, err)
	}

	tx, ok := findByIdempotencyKey(txs, idempotencyKey)
	if !ok {
		return nil, fmt.Errorf("%w: no prime transaction for %s", store.ErrNotFound, idempotencyKey)
	}
	return &models.TransferResult{
		Ref:    tx.Id,
		Status: transferStatus(tx.Status),
		Detail: tx.Status,
	}, nil
}

// findByIdempotencyKey returns the newest transaction with the key
func findByIdempotencyKey(txs []walletTransaction, key string) (walletTransaction, bool) {
	var found walletTransaction
	ok := false
	for _, tx := range txs {
		if tx.IdempotencyKey != key {
			continue
		}
		if !ok || tx.Created.After(found.Created) {
			found = tx
			ok = true
		}
	}
	return found, ok
}

var failedStatuses = map[string]bool{
	"TRANSACTION_CANCELLED": true,
	"TRANSACTION_REJECTED":  true,
	"TRANSACTION_FAILED":    true,
	"TRANSACTION_EXPIRED":   true,
}

func transferStatus(status string) models.TransferStatus {
	switch {
	case status == "TRANSACTION_DONE":
		return models.TransferConfirmed
	case failedStatuses[status]:
		return models.TransferFailed
	default:
		return models.TransferPending
	}
}

// sdkWallet adapts prime-sdk-go to walletApi
type sdkWallet struct {
	transactionsSvc transactions.TransactionsService
	portfolioId     string
	walletId        string
	symbol          string
}

func (w *sdkWallet) submitWithdrawal(ctx context.Context, idempotencyKey, destination, amount string) (string, error) {
	// Symbol may carry a network: ETH-ethereum-mainnet
	parts := strings.Split(w.symbol, "-")
	blockchainAddr := &model.BlockchainAddress{
		Address: destination,
	}
	if len(parts) >= 3 {
		blockchainAddr.Network = &model.NetworkDetails{
			Id:   parts[1],
			Type: parts[2],
		}
	}

	request := &transactions.CreateWalletWithdrawalRequest{
		PortfolioId:       w.portfolioId,
		SourceWalletId:    w.walletId,
		Amount:            amount,
		IdempotencyKey:    idempotencyKey,
		Symbol:            parts[0],
		DestinationType:   "DESTINATION_BLOCKCHAIN",
		BlockchainAddress: blockchainAddr,
	}

	response, err := w.transactionsSvc.CreateWalletWithdrawal(ctx, request)
	if err != nil {
		return "", err
	}

	zap.L().Info("Withdrawal created on Prime",
		zap.String("activity_id", response.ActivityId),
		zap.String("idempotency_key", idempotencyKey))
	return response.ActivityId, nil
}

func (w *sdkWallet) listWithdrawals(ctx context.Context, since time.Time) ([]walletTransaction, error) {
	request := &transactions.ListWalletTransactionsRequest{
		PortfolioId: w.portfolioId,
		WalletId:    w.walletId,
		Start:       since,
		Types:       []string{"WITHDRAWAL"},
		Pagination: &model.PaginationParams{
			Limit: 500,
		},
	}

	response, err := w.transactionsSvc.ListWalletTransactions(ctx, request)
	if err != nil {
		return nil, err
	}

	txs := make([]walletTransaction, 0, len(response.Transactions))
	for _, tx := range response.Transactions {
		txs = append(txs, walletTransaction{
			Id:             tx.Id,
			Status:         tx.Status,
			IdempotencyKey: tx.IdempotencyKey,
			Created:        tx.Created,
		})
	}

	zap.L().Debug("Prime API response received",
		zap.String("wallet_id", w.walletId),
		zap.Int("count", len(txs)))
	return txs, nil
}
