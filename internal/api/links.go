package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"
	"reward-ledger-go/internal/tracking"

	"go.uber.org/zap"
)

const maxTokenAttempts = 5

// GenerateTrackingLink issues a token for (userId, partnerId), stores the
// authoritative mapping and returns the partner link carrying it.
func (s *LedgerService) GenerateTrackingLink(ctx context.Context, userId, partnerId string) (*models.TrackingLink, error) {
	if userId == "" || partnerId == "" {
		return nil, fmt.Errorf("%w: user_id and partner_id are required", store.ErrValidation)
	}
	if _, err := s.store.GetUserById(ctx, userId); err != nil {
		return nil, err
	}

	issuedAt := s.now().UTC()
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := tracking.Encode(userId, partnerId, issuedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrValidation, err)
		}

		err = s.store.CreateMapping(ctx, models.TrackingMapping{
			Token:           token,
			UserId:          userId,
			PartnerId:       partnerId,
			UserFragment:    tracking.Fragment(userId),
			PartnerFragment: tracking.Fragment(partnerId),
			CreatedAt:       issuedAt,
		})
		if errors.Is(err, store.ErrMappingExists) {
			// Same pair within the same millisecond
			issuedAt = issuedAt.Add(time.Millisecond)
			continue
		}
		if err != nil {
			return nil, err
		}

		zap.L().Info("Tracking link generated",
			zap.String("user_id", userId),
			zap.String("partner_id", partnerId),
			zap.String("token", token))

		return &models.TrackingLink{
			Token:     token,
			URL:       s.links.Link(partnerId, token),
			UserId:    userId,
			PartnerId: partnerId,
		}, nil
	}
	return nil, fmt.Errorf("%w: could not allocate a unique token", store.ErrConflict)
}

// LookupMappings lists the tokens issued to a user, for support tooling
func (s *LedgerService) LookupMappings(ctx context.Context, userId string) ([]models.TrackingMapping, error) {
	if userId == "" {
		return nil, fmt.Errorf("%w: user_id is required", store.ErrValidation)
	}
	return s.store.LookupMappingsByUser(ctx, userId)
}

// ResolveToken decodes a token and returns the mapping it resolves to
func (s *LedgerService) ResolveToken(ctx context.Context, token string) (*tracking.Fragments, *models.TrackingMapping, error) {
	var fragments *tracking.Fragments
	if decoded, err := tracking.Decode(token); err == nil {
		fragments = &decoded
	}
	mapping, err := s.store.LookupMapping(ctx, tracking.Normalize(token))
	if err != nil {
		return fragments, nil, err
	}
	return fragments, mapping, nil
}
