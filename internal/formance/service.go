package formance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// volumeReader fetches the per-asset volumes of one ledger account
type volumeReader interface {
	accountVolumes(ctx context.Context, address string) (map[string]shared.V2Volume, error)
}

// Service reads reward balances a partner keeps on a Formance ledger.
// Each linked account is three ledger accounts under the configured prefix:
// {prefix}:{id}:available, {prefix}:{id}:locked_tier2 and {prefix}:{id}:earned.
type Service struct {
	reader volumeReader
	prefix string
	asset  string
}

// NewService connects to a Formance stack. The ledger is read, never written.
func NewService(cfg models.FormanceConfig) (*Service, error) {
	if cfg.StackURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("formance config requires StackURL, ClientID, and ClientSecret")
	}
	if cfg.LedgerName == "" {
		cfg.LedgerName = "partner-rewards"
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", cfg.LedgerName))

	client := v3.New(
		v3.WithServerURL(cfg.StackURL),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.ClientID),
			ClientSecret: v3.Pointer(cfg.ClientSecret),
		}),
	)

	return newService(&sdkReader{client: client, ledger: cfg.LedgerName}, cfg), nil
}

func newService(reader volumeReader, cfg models.FormanceConfig) *Service {
	if cfg.AccountPrefix == "" {
		cfg.AccountPrefix = "rewards"
	}
	if cfg.Asset == "" {
		cfg.Asset = "PTS/2"
	}
	return &Service{reader: reader, prefix: cfg.AccountPrefix, asset: cfg.Asset}
}

// Close is a no-op for the Formance backend (HTTP client needs no teardown).
func (s *Service) Close() {}

func (s *Service) address(linkedAccountId, bucket string) string {
	return s.prefix + ":" + linkedAccountId + ":" + bucket
}

// sdkReader reads account volumes through formance-sdk-go
type sdkReader struct {
	client *v3.Formance
	ledger string
}

func (r *sdkReader) accountVolumes(ctx context.Context, address string) (map[string]shared.V2Volume, error) {
	resp, err := r.client.Ledger.V2.GetAccount(ctx, operations.V2GetAccountRequest{
		Ledger:  r.ledger,
		Address: address,
		Expand:  v3.Pointer("volumes"),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%w: account %s", store.ErrNotFound, address)
		}
		return nil, fmt.Errorf("%w: failed to get account %s: %v", store.ErrExternalUnavailable, address, err)
	}
	return resp.V2AccountResponse.Data.Volumes, nil
}

// isNotFoundError checks whether a Formance SDK error is NOT_FOUND.
func isNotFoundError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumNotFound
}

// assetPrecision reads the precision from UMN notation, e.g. "USD/2" -> 2.
func assetPrecision(asset string) int {
	i := strings.LastIndex(asset, "/")
	if i < 0 {
		return 0
	}
	p, err := strconv.Atoi(asset[i+1:])
	if err != nil || p < 0 {
		return 0
	}
	return p
}
