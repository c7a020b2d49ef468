// Copyright 2024-2026 Aiku AI

// Package session owns the authenticated Matrix connection and exposes the
// room and event primitives the rest of the system is built on. Everything
// above this package talks to the homeserver through the Gateway interface,
// so tests and alternative transports can substitute their own
// implementation.
package session

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Member is a joined room member as reported by the homeserver.
type Member struct {
	DisplayName string
	AvatarURL   string
}

// Gateway is the set of Matrix operations used by the cache sync engine,
// the bridge adapter and the messaging coordinator.
type Gateway interface {
	// UserID returns the bot's own fully-qualified Matrix user ID.
	UserID() id.UserID

	// SendText sends a plain-text message event and returns its event ID.
	SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)

	// CreateRoom creates a room and returns its ID.
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)

	// InviteUser invites a user to a room.
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error

	// KickUser removes a user from a room.
	KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error

	// BanUser bans a user from a room.
	BanUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error

	// JoinedRooms lists the rooms the bot has joined.
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)

	// JoinedMembers lists the joined members of a room.
	JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]Member, error)

	// RoomName reads the m.room.name state. Empty when unset.
	RoomName(ctx context.Context, roomID id.RoomID) (string, error)

	// RoomTopic reads the m.room.topic state. Empty when unset.
	RoomTopic(ctx context.Context, roomID id.RoomID) (string, error)

	// PowerLevels reads the m.room.power_levels state.
	PowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error)

	// IsEncrypted reports whether the room has m.room.encryption state.
	IsEncrypted(ctx context.Context, roomID id.RoomID) (bool, error)

	// CanDecrypt reports whether this session has local key material and can
	// read events in encrypted rooms.
	CanDecrypt() bool

	// RecentMessages returns up to limit recent message events, newest
	// first. Served from the live timeline when the room is resident in
	// memory, otherwise fetched from room history.
	RecentMessages(ctx context.Context, roomID id.RoomID, limit int) ([]*event.Event, error)

	// DirectRooms reads the m.direct account data map.
	DirectRooms(ctx context.Context) (map[id.UserID][]id.RoomID, error)

	// MarkDirect merges roomID into the m.direct entry for userID.
	MarkDirect(ctx context.Context, userID id.UserID, roomID id.RoomID) error
}
