package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

// Adapter normalizes one network's notification payload into purchase events
type Adapter interface {
	Source() string
	Normalize(ctx context.Context, raw []byte) ([]models.ExternalPurchaseEvent, error)
}

// EventFetcher resolves a bare transaction id into the full event
type EventFetcher interface {
	GetEvent(ctx context.Context, id string) (*models.ExternalPurchaseEvent, error)
}

// NormalizeStatus maps a network status vocabulary onto completed, pending
// or rejected. Unknown values pass through and fail validation downstream.
func NormalizeStatus(status string) models.PurchaseStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "complete", "approved", "available", "confirmed", "paid", "locked":
		return models.PurchaseCompleted
	case "pending", "open", "processing":
		return models.PurchasePending
	case "rejected", "reversed", "declined", "void", "voided", "canceled", "cancelled":
		return models.PurchaseRejected
	default:
		return models.PurchaseStatus(strings.ToLower(strings.TrimSpace(status)))
	}
}

type genericEvent struct {
	Id            string          `json:"id"`
	PartnerRef    string          `json:"partner_ref"`
	TrackingToken string          `json:"tracking_token"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func (e genericEvent) toEvent(source string) models.ExternalPurchaseEvent {
	return models.ExternalPurchaseEvent{
		ExternalTransactionId: strings.TrimSpace(e.Id),
		PartnerRef:            e.PartnerRef,
		TrackingToken:         strings.TrimSpace(e.TrackingToken),
		AmountSpent:           e.Amount,
		Currency:              strings.ToUpper(e.Currency),
		Status:                NormalizeStatus(e.Status),
		OccurredAt:            e.OccurredAt.UTC(),
		Source:                source,
	}
}

type genericEnvelope struct {
	genericEvent
	Events         []genericEvent `json:"events"`
	TransactionIds []string       `json:"transaction_ids"`
}

// GenericAdapter reads the network's native shape: a single event, an
// {"events": [...]} batch, or {"transaction_ids": [...]} notifications that
// are resolved through the network API
type GenericAdapter struct {
	source  string
	fetcher EventFetcher
}

func NewGenericAdapter(source string, fetcher EventFetcher) *GenericAdapter {
	if source == "" {
		source = "generic"
	}
	return &GenericAdapter{source: source, fetcher: fetcher}
}

func (a *GenericAdapter) Source() string { return a.source }

func (a *GenericAdapter) Normalize(ctx context.Context, raw []byte) ([]models.ExternalPurchaseEvent, error) {
	var envelope genericEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed %s payload: %v", store.ErrValidation, a.source, err)
	}

	switch {
	case len(envelope.Events) > 0:
		events := make([]models.ExternalPurchaseEvent, 0, len(envelope.Events))
		for _, e := range envelope.Events {
			events = append(events, e.toEvent(a.source))
		}
		return events, nil

	case len(envelope.TransactionIds) > 0:
		if a.fetcher == nil {
			return nil, fmt.Errorf("%w: %s adapter cannot resolve transaction ids", store.ErrValidation, a.source)
		}
		events := make([]models.ExternalPurchaseEvent, 0, len(envelope.TransactionIds))
		for _, id := range envelope.TransactionIds {
			event, err := a.fetcher.GetEvent(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve transaction %s: %w", id, err)
			}
			event.Source = a.source
			events = append(events, *event)
		}
		return events, nil

	case envelope.Id != "":
		return []models.ExternalPurchaseEvent{envelope.genericEvent.toEvent(a.source)}, nil

	default:
		return nil, fmt.Errorf("%w: %s payload carries no events", store.ErrValidation, a.source)
	}
}

type impactAction struct {
	ActionId   string          `json:"ActionId"`
	CampaignId string          `json:"CampaignId"`
	SubId1     string          `json:"SubId1"`
	Amount     decimal.Decimal `json:"Amount"`
	Currency   string          `json:"Currency"`
	State      string          `json:"State"`
	EventDate  string          `json:"EventDate"`
}

type impactEnvelope struct {
	impactAction
	Actions []impactAction `json:"Actions"`
}

// ImpactAdapter reads action notifications in the Impact network shape. The
// tracking token travels in SubId1.
type ImpactAdapter struct{}

func NewImpactAdapter() *ImpactAdapter { return &ImpactAdapter{} }

func (a *ImpactAdapter) Source() string { return "impact" }

func (a *ImpactAdapter) Normalize(_ context.Context, raw []byte) ([]models.ExternalPurchaseEvent, error) {
	var envelope impactEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed impact payload: %v", store.ErrValidation, err)
	}

	actions := envelope.Actions
	if len(actions) == 0 {
		if envelope.ActionId == "" {
			return nil, fmt.Errorf("%w: impact payload carries no actions", store.ErrValidation)
		}
		actions = []impactAction{envelope.impactAction}
	}

	events := make([]models.ExternalPurchaseEvent, 0, len(actions))
	for _, action := range actions {
		var occurredAt time.Time
		if action.EventDate != "" {
			parsed, err := time.Parse(time.RFC3339, action.EventDate)
			if err != nil {
				return nil, fmt.Errorf("%w: impact action %s has bad EventDate %q", store.ErrValidation, action.ActionId, action.EventDate)
			}
			occurredAt = parsed.UTC()
		}
		events = append(events, models.ExternalPurchaseEvent{
			ExternalTransactionId: strings.TrimSpace(action.ActionId),
			PartnerRef:            action.CampaignId,
			TrackingToken:         strings.TrimSpace(action.SubId1),
			AmountSpent:           action.Amount,
			Currency:              strings.ToUpper(action.Currency),
			Status:                NormalizeStatus(action.State),
			OccurredAt:            occurredAt,
			Source:                a.Source(),
		})
	}
	return events, nil
}

// Registry looks adapters up by source name
type Registry map[string]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	registry := make(Registry, len(adapters))
	for _, adapter := range adapters {
		registry[adapter.Source()] = adapter
	}
	return registry
}

func (r Registry) Get(source string) (Adapter, bool) {
	adapter, ok := r[source]
	return adapter, ok
}
