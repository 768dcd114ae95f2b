package formance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
)

type fakeReader struct {
	accounts map[string]map[string]shared.V2Volume
	err      error
}

func (f *fakeReader) accountVolumes(_ context.Context, address string) (map[string]shared.V2Volume, error) {
	if f.err != nil {
		return nil, f.err
	}
	vols, ok := f.accounts[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	return vols, nil
}

func TestAssetPrecision(t *testing.T) {
	tests := []struct {
		asset string
		want  int
	}{
		{"USD/2", 2},
		{"PTS/0", 0},
		{"ETH/18", 18},
		{"PLAIN", 0},
		{"BAD/x", 0},
	}
	for _, tt := range tests {
		if got := assetPrecision(tt.asset); got != tt.want {
			t.Errorf("assetPrecision(%q) = %d, want %d", tt.asset, got, tt.want)
		}
	}
}

func TestVolumeBalance(t *testing.T) {
	if got := volumeBalance(shared.V2Volume{Balance: big.NewInt(7), Input: big.NewInt(100)}); got.Int64() != 7 {
		t.Errorf("expected reported balance 7, got %s", got)
	}
	if got := volumeBalance(shared.V2Volume{Input: big.NewInt(100), Output: big.NewInt(40)}); got.Int64() != 60 {
		t.Errorf("expected 60, got %s", got)
	}
	if got := volumeBalance(shared.V2Volume{}); got != nil {
		t.Errorf("expected nil, got %s", got)
	}
}

func TestSnapshot(t *testing.T) {
	reader := &fakeReader{accounts: map[string]map[string]shared.V2Volume{
		"rewards:acct-1:available": {
			"PTS/2": {Input: big.NewInt(2500), Output: big.NewInt(500)},
		},
		"rewards:acct-1:earned": {
			"PTS/2": {Input: big.NewInt(9900), Output: big.NewInt(9900)},
		},
	}}
	svc := newService(reader, models.FormanceConfig{})

	snapshot, err := svc.Snapshot(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if !snapshot.Available.Equal(decimal.NewFromInt(20)) {
		t.Errorf("available = %s, want 20", snapshot.Available)
	}
	if !snapshot.LockedTier2.IsZero() {
		t.Errorf("locked tier2 = %s, want 0", snapshot.LockedTier2)
	}
	if !snapshot.Total.Equal(decimal.NewFromInt(99)) {
		t.Errorf("total = %s, want 99", snapshot.Total)
	}
}

func TestSnapshotUnavailable(t *testing.T) {
	svc := newService(&fakeReader{err: store.ErrExternalUnavailable}, models.FormanceConfig{})

	_, err := svc.Snapshot(context.Background(), "acct-1")
	if !errors.Is(err, store.ErrExternalUnavailable) {
		t.Errorf("expected ErrExternalUnavailable, got %v", err)
	}

	_, err = svc.Snapshot(context.Background(), "")
	if !errors.Is(err, store.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
