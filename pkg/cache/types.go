// Copyright 2024-2026 Aiku AI

package cache

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// Room is the cached metadata of a room the bot has joined. Rooms below the
// sync engine's minimum-member floor are intentionally absent.
type Room struct {
	ID          id.RoomID `json:"room_id"`
	Name        string    `json:"name"`
	Topic       string    `json:"topic,omitempty"`
	MemberCount int       `json:"member_count"`
	IsDirect    bool      `json:"is_direct"`
	IsEncrypted bool      `json:"is_encrypted"`
	Category    string    `json:"category,omitempty"`
	LastSynced  time.Time `json:"last_synced"`
}

// User is a cached user observed through room memberships. RoomCount is the
// denormalized summary recomputed at the end of each sync.
type User struct {
	Address      id.UserID `json:"address"`
	DisplayName  string    `json:"display_name,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	IsBridgeUser bool      `json:"is_bridge_user"`
	RoomCount    int       `json:"room_count"`
	LastSeen     time.Time `json:"last_seen"`
}

// Membership links a user to a room. Rows for a room are rewritten
// wholesale during sync and are only meaningful while the room's LastSynced
// is newer than the membership write.
type Membership struct {
	RoomID   id.RoomID
	UserID   id.UserID
	Status   string
	JoinedAt time.Time
}

// Membership status values.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
)

// SyncStatus is one row of the append-only sync attempt history.
type SyncStatus struct {
	ID             int64
	Type           string
	Status         string
	StartedAt      time.Time
	FinishedAt     time.Time
	ProcessedCount int
	ErrorMessage   string
}

// Sync types and terminal statuses recorded in sync_status rows.
const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"

	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)

// Stats is the denormalized cache summary served to health checks and the
// dashboard.
type Stats struct {
	UserCount       int           `json:"user_count"`
	RoomCount       int           `json:"room_count"`
	MembershipCount int           `json:"membership_count"`
	CacheAge        time.Duration `json:"-"`
	CacheAgeMinutes float64       `json:"cache_age_minutes"`
	IsFresh         bool          `json:"is_fresh"`
}

// RoomFilter narrows ListRooms. Zero values mean no constraint.
type RoomFilter struct {
	Category   string
	MinMembers int
	Search     string
	DirectOnly bool
}

// UserFilter narrows ListUsers. Zero values mean no constraint.
type UserFilter struct {
	BridgeOnly bool
	Search     string
	RoomID     id.RoomID
}
