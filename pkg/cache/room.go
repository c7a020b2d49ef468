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

const roomColumns = "room_id, name, topic, member_count, is_direct, is_encrypted, category, last_synced"

func scanRoom(row interface{ Scan(...any) error }) (*Room, error) {
	var r Room
	var lastSynced int64
	err := row.Scan(&r.ID, &r.Name, &r.Topic, &r.MemberCount, &r.IsDirect, &r.IsEncrypted, &r.Category, &lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.LastSynced = time.UnixMilli(lastSynced)
	return &r, nil
}

// UpsertRoom inserts or updates a room's metadata and stamps LastSynced.
func (s *Store) UpsertRoom(ctx context.Context, room *Room) error {
	if room.LastSynced.IsZero() {
		room.LastSynced = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO rooms (room_id, name, topic, member_count, is_direct, is_encrypted, category, last_synced)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id) DO UPDATE SET
			name=excluded.name,
			topic=excluded.topic,
			member_count=excluded.member_count,
			is_direct=excluded.is_direct,
			is_encrypted=excluded.is_encrypted,
			category=excluded.category,
			last_synced=excluded.last_synced
	`, room.ID, room.Name, room.Topic, room.MemberCount, room.IsDirect, room.IsEncrypted, room.Category, room.LastSynced.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert room %s: %w", room.ID, err)
	}
	return nil
}

// GetRoom returns a cached room, or nil when not cached.
func (s *Store) GetRoom(ctx context.Context, roomID id.RoomID) (*Room, error) {
	return scanRoom(s.db.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE room_id=$1`, roomID))
}

// ListRooms returns cached rooms matching the filter, largest first.
func (s *Store) ListRooms(ctx context.Context, filter RoomFilter) ([]*Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Category != "" {
		query += ` AND category=` + arg(filter.Category)
	}
	if filter.MinMembers > 0 {
		query += ` AND member_count>=` + arg(filter.MinMembers)
	}
	if filter.Search != "" {
		pattern := "%" + strings.ToLower(filter.Search) + "%"
		query += ` AND (LOWER(name) LIKE ` + arg(pattern) + ` OR LOWER(topic) LIKE ` + arg(pattern) + `)`
	}
	if filter.DirectOnly {
		query += ` AND is_direct=true`
	}
	query += ` ORDER BY member_count DESC, room_id`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var out []*Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

// DeleteRoom removes a room and, via cascade, its memberships.
func (s *Store) DeleteRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM rooms WHERE room_id=$1`, roomID)
	if err != nil {
		return fmt.Errorf("failed to delete room %s: %w", roomID, err)
	}
	return nil
}
