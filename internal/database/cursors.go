package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetHighWaterMark returns the latest event time the poller has processed for
// a source, or the zero time when the source has never been polled
func (s *Service) GetHighWaterMark(ctx context.Context, source string) (time.Time, error) {
	var mark time.Time
	err := s.db.QueryRowContext(ctx, queryGetHighWaterMark, source).Scan(&mark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get high water mark: %w", err)
	}
	return mark.UTC(), nil
}

// AdvanceHighWaterMark moves the cursor forward; it never moves backwards
func (s *Service) AdvanceHighWaterMark(ctx context.Context, source string, mark time.Time) error {
	current, err := s.GetHighWaterMark(ctx, source)
	if err != nil {
		return err
	}
	if !mark.After(current) {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, queryUpsertHighWaterMark, source, mark.UTC(), s.timestamp()); err != nil {
		return fmt.Errorf("failed to advance high water mark: %w", err)
	}
	return nil
}
