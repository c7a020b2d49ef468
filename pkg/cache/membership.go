// Copyright 2024-2026 Aiku AI

package cache

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
)

// ReplaceMemberships rewrites a room's membership rows wholesale inside a
// transaction: delete-then-recreate rather than diffing.
func (s *Store) ReplaceMemberships(ctx context.Context, roomID id.RoomID, memberships []*Membership) error {
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin membership transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `DELETE FROM memberships WHERE room_id=$1`, roomID); err != nil {
		return fmt.Errorf("failed to clear memberships of %s: %w", roomID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memberships (room_id, user_id, status, joined_at)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare membership insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range memberships {
		joinedAt := m.JoinedAt
		if joinedAt.IsZero() {
			joinedAt = time.Now()
		}
		if _, err = stmt.ExecContext(ctx, roomID, m.UserID, m.Status, joinedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert membership %s/%s: %w", roomID, m.UserID, err)
		}
	}
	return tx.Commit()
}

// CountMemberships returns the number of membership rows for a room.
func (s *Store) CountMemberships(ctx context.Context, roomID id.RoomID) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM memberships WHERE room_id=$1`, roomID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count memberships of %s: %w", roomID, err)
	}
	return count, nil
}

// ListMemberships returns a room's membership rows.
func (s *Store) ListMemberships(ctx context.Context, roomID id.RoomID) ([]*Membership, error) {
	rows, err := s.db.Query(ctx, `
		SELECT room_id, user_id, status, joined_at FROM memberships
		WHERE room_id=$1 ORDER BY user_id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships of %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		var m Membership
		var joinedAt int64
		if err = rows.Scan(&m.RoomID, &m.UserID, &m.Status, &joinedAt); err != nil {
			return nil, err
		}
		m.JoinedAt = time.UnixMilli(joinedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// RoomsOf returns the room IDs the user has a join membership in, according
// to the cache.
func (s *Store) RoomsOf(ctx context.Context, userID id.UserID) ([]id.RoomID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT room_id FROM memberships WHERE user_id=$1 AND status='join' ORDER BY room_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms of %s: %w", userID, err)
	}
	defer rows.Close()

	var out []id.RoomID
	for rows.Next() {
		var roomID id.RoomID
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		out = append(out, roomID)
	}
	return out, rows.Err()
}
