package reconciler

import (
	"context"
	"testing"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapFetcher map[string]models.ExternalPurchaseEvent

func (m mapFetcher) GetEvent(_ context.Context, id string) (*models.ExternalPurchaseEvent, error) {
	event, ok := m[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &event, nil
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]models.PurchaseStatus{
		"Approved":  models.PurchaseCompleted,
		"locked":    models.PurchaseCompleted,
		" PENDING ": models.PurchasePending,
		"reversed":  models.PurchaseRejected,
		"Cancelled": models.PurchaseRejected,
		"mystery":   models.PurchaseStatus("mystery"),
	}
	for input, expected := range tests {
		assert.Equal(t, expected, NormalizeStatus(input), input)
	}
}

func TestGenericAdapterSingleEvent(t *testing.T) {
	adapter := NewGenericAdapter("", nil)
	events, err := adapter.Normalize(context.Background(), []byte(`{
		"id": " txn-9 ",
		"partner_ref": "coffee-co",
		"tracking_token": "tgn_ab12cd_coffee_lx1",
		"amount": "20.00",
		"currency": "usd",
		"status": "approved",
		"occurred_at": "2026-03-01T10:00:00Z"
	}`))
	require.NoError(t, err)
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, "txn-9", event.ExternalTransactionId)
	assert.Equal(t, "generic", event.Source)
	assert.Equal(t, "USD", event.Currency)
	assert.Equal(t, models.PurchaseCompleted, event.Status)
	assert.True(t, event.AmountSpent.Equal(decimal.NewFromInt(20)))
}

func TestGenericAdapterBatch(t *testing.T) {
	adapter := NewGenericAdapter("generic", nil)
	events, err := adapter.Normalize(context.Background(), []byte(`{"events": [
		{"id": "a", "amount": "1", "status": "completed"},
		{"id": "b", "amount": "2", "status": "pending"}
	]}`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.PurchasePending, events[1].Status)
}

func TestGenericAdapterResolvesTransactionIds(t *testing.T) {
	fetcher := mapFetcher{
		"t1": {ExternalTransactionId: "t1", AmountSpent: decimal.NewFromInt(5), Status: models.PurchaseCompleted},
	}
	adapter := NewGenericAdapter("generic", fetcher)

	events, err := adapter.Normalize(context.Background(), []byte(`{"transaction_ids": ["t1"]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "generic", events[0].Source)

	_, err = adapter.Normalize(context.Background(), []byte(`{"transaction_ids": ["missing"]}`))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = NewGenericAdapter("generic", nil).Normalize(context.Background(), []byte(`{"transaction_ids": ["t1"]}`))
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestGenericAdapterMalformed(t *testing.T) {
	adapter := NewGenericAdapter("generic", nil)
	for _, body := range []string{`not json`, `{}`, `{"events": []}`} {
		_, err := adapter.Normalize(context.Background(), []byte(body))
		assert.ErrorIs(t, err, store.ErrValidation, body)
	}
}

func TestImpactAdapter(t *testing.T) {
	adapter := NewImpactAdapter()
	events, err := adapter.Normalize(context.Background(), []byte(`{"Actions": [
		{"ActionId": "A1", "CampaignId": "coffee-co", "SubId1": "tgn_ab12cd_coffee_lx1",
		 "Amount": "12.5", "Currency": "eur", "State": "APPROVED", "EventDate": "2026-02-28T09:30:00+01:00"},
		{"ActionId": "A2", "CampaignId": "coffee-co", "Amount": "3", "State": "REVERSED"}
	]}`))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "impact", events[0].Source)
	assert.Equal(t, "tgn_ab12cd_coffee_lx1", events[0].TrackingToken)
	assert.Equal(t, models.PurchaseCompleted, events[0].Status)
	assert.Equal(t, 8, events[0].OccurredAt.Hour())
	assert.Equal(t, models.PurchaseRejected, events[1].Status)

	_, err = adapter.Normalize(context.Background(), []byte(`{"ActionId": "A3", "EventDate": "yesterday"}`))
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(NewGenericAdapter("generic", nil), NewImpactAdapter())

	adapter, ok := registry.Get("impact")
	require.True(t, ok)
	assert.Equal(t, "impact", adapter.Source())

	_, ok = registry.Get("unknown")
	assert.False(t, ok)
}
