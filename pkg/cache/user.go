// Copyright 2024-2026 Aiku AI

package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"
)

const userColumns = "address, display_name, avatar_url, is_bridge_user, room_count, last_seen"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var lastSeen int64
	err := row.Scan(&u.Address, &u.DisplayName, &u.AvatarURL, &u.IsBridgeUser, &u.RoomCount, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.LastSeen = time.UnixMilli(lastSeen)
	return &u, nil
}

// UpsertUser inserts or updates a user observed during sync. RoomCount is
// not written here; RebuildUserSummaries owns it.
func (s *Store) UpsertUser(ctx context.Context, user *User) error {
	if user.LastSeen.IsZero() {
		user.LastSeen = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (address, display_name, avatar_url, is_bridge_user, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			display_name=excluded.display_name,
			avatar_url=excluded.avatar_url,
			is_bridge_user=excluded.is_bridge_user,
			last_seen=excluded.last_seen
	`, user.Address, user.DisplayName, user.AvatarURL, user.IsBridgeUser, user.LastSeen.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.Address, err)
	}
	return nil
}

// GetUser returns a cached user, or nil when not cached.
func (s *Store) GetUser(ctx context.Context, address id.UserID) (*User, error) {
	return scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE address=$1`, address))
}

// ListUsers returns cached users matching the filter.
func (s *Store) ListUsers(ctx context.Context, filter UserFilter) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.BridgeOnly {
		query += ` AND is_bridge_user=true`
	}
	if filter.Search != "" {
		pattern := "%" + strings.ToLower(filter.Search) + "%"
		query += ` AND (LOWER(display_name) LIKE ` + arg(pattern) + ` OR LOWER(address) LIKE ` + arg(pattern) + `)`
	}
	if filter.RoomID != "" {
		query += ` AND address IN (SELECT user_id FROM memberships WHERE room_id=` + arg(filter.RoomID) + `)`
	}
	query += ` ORDER BY address`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

// RebuildUserSummaries recomputes the denormalized per-user room counts
// from the membership table.
func (s *Store) RebuildUserSummaries(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users SET room_count = (
			SELECT COUNT(*) FROM memberships
			WHERE memberships.user_id = users.address AND memberships.status = 'join'
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to rebuild user summaries: %w", err)
	}
	return nil
}
