// Copyright 2024-2026 Aiku AI

package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StartSyncStatus appends a running sync_status row and returns its ID.
func (s *Store) StartSyncStatus(ctx context.Context, syncType string) (int64, error) {
	res, err := s.db.Exec(ctx, `
		INSERT INTO sync_status (type, status, started_at) VALUES ($1, $2, $3)
	`, syncType, SyncStatusRunning, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to record sync start: %w", err)
	}
	return res.LastInsertId()
}

// FinishSyncStatus marks a sync_status row terminal.
func (s *Store) FinishSyncStatus(ctx context.Context, statusID int64, status string, processed int, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sync_status SET status=$1, finished_at=$2, processed_count=$3, error_message=$4
		WHERE id=$5
	`, status, time.Now().UnixMilli(), processed, errMsg, statusID)
	if err != nil {
		return fmt.Errorf("failed to record sync finish: %w", err)
	}
	return nil
}

// LatestCompletedSync returns the most recently completed sync attempt, or
// nil when no sync has ever completed.
func (s *Store) LatestCompletedSync(ctx context.Context) (*SyncStatus, error) {
	var st SyncStatus
	var startedAt int64
	var finishedAt sql.NullInt64
	err := s.db.QueryRow(ctx, `
		SELECT id, type, status, started_at, finished_at, processed_count, error_message
		FROM sync_status WHERE status=$1 ORDER BY finished_at DESC LIMIT 1
	`, SyncStatusCompleted).Scan(&st.ID, &st.Type, &st.Status, &startedAt, &finishedAt, &st.ProcessedCount, &st.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest sync: %w", err)
	}
	st.StartedAt = time.UnixMilli(startedAt)
	if finishedAt.Valid {
		st.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return &st, nil
}

// Stats returns the cache summary. Cache age is measured from the last
// completed sync; a cache that never synced reports as stale with an age
// marker of -1 minutes.
func (s *Store) Stats(ctx context.Context, freshness time.Duration) (*Stats, error) {
	var stats Stats
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM rooms),
			(SELECT COUNT(*) FROM memberships)
	`).Scan(&stats.UserCount, &stats.RoomCount, &stats.MembershipCount)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}

	latest, err := s.LatestCompletedSync(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		stats.CacheAgeMinutes = -1
		stats.IsFresh = false
		return &stats, nil
	}
	stats.CacheAge = time.Since(latest.FinishedAt)
	stats.CacheAgeMinutes = stats.CacheAge.Minutes()
	stats.IsFresh = stats.CacheAge < freshness
	return &stats, nil
}
