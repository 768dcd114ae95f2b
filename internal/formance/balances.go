package formance

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Snapshot returns the partner's view of a linked account. Accounts the
// ledger has never seen read as zero.
func (s *Service) Snapshot(ctx context.Context, linkedAccountId string) (*models.ExternalSnapshot, error) {
	if linkedAccountId == "" {
		return nil, fmt.Errorf("%w: linked account id is required", store.ErrValidation)
	}

	available, err := s.readVolume(ctx, s.address(linkedAccountId, "available"))
	if err != nil {
		return nil, err
	}
	locked, err := s.readVolume(ctx, s.address(linkedAccountId, "locked_tier2"))
	if err != nil {
		return nil, err
	}
	earned, err := s.readVolume(ctx, s.address(linkedAccountId, "earned"))
	if err != nil {
		return nil, err
	}

	snapshot := &models.ExternalSnapshot{
		Available:   s.toDecimal(volumeBalance(available)),
		LockedTier2: s.toDecimal(volumeBalance(locked)),
		Total:       s.toDecimal(earned.Input),
	}

	zap.L().Debug("Read partner ledger snapshot",
		zap.String("linked_account_id", linkedAccountId),
		zap.String("available", snapshot.Available.String()),
		zap.String("locked_tier2", snapshot.LockedTier2.String()),
		zap.String("total", snapshot.Total.String()))
	return snapshot, nil
}

func (s *Service) readVolume(ctx context.Context, address string) (shared.V2Volume, error) {
	vols, err := s.reader.accountVolumes(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return shared.V2Volume{}, nil
		}
		zap.L().Warn("Failed to get account volumes", zap.String("address", address), zap.Error(err))
		return shared.V2Volume{}, err
	}
	return vols[s.asset], nil
}

// volumeBalance prefers the reported balance and falls back to input - output.
func volumeBalance(vol shared.V2Volume) *big.Int {
	if vol.Balance != nil {
		return vol.Balance
	}
	if vol.Input == nil {
		return nil
	}
	result := new(big.Int).Set(vol.Input)
	if vol.Output != nil {
		result.Sub(result, vol.Output)
	}
	return result
}

// toDecimal converts smallest-unit integers into ledger units
func (s *Service) toDecimal(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(assetPrecision(s.asset)))
}
