// Copyright 2024-2026 Aiku AI

// Package messaging is the top-level send API. It routes each address to a
// native direct room or through the bridge adapter, and implements bulk,
// moderator, and recommendation operations on top of the cache.
package messaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/communitybot/pkg/bridge"
	"github.com/aiku/communitybot/pkg/cache"
	"github.com/aiku/communitybot/pkg/config"
	"github.com/aiku/communitybot/pkg/session"
)

// Coordinator routes sends and implements the bulk operations.
type Coordinator struct {
	gw      session.Gateway
	store   *cache.Store
	adapter *bridge.Adapter
	sender  *Sender
	cfg     *config.Config
	log     zerolog.Logger

	// One mutex per bridge target: concurrent deliveries to the same
	// address race on room discovery and must be serialized.
	addressLocks sync.Map
}

// NewCoordinator wires the coordinator. adapter may be nil when the bridge
// is not configured; bridge-routed sends then fail with an actionable error.
func NewCoordinator(gw session.Gateway, store *cache.Store, adapter *bridge.Adapter, sender *Sender, cfg *config.Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		gw:      gw,
		store:   store,
		adapter: adapter,
		sender:  sender,
		cfg:     cfg,
		log:     log.With().Str("component", "messaging").Logger(),
	}
}

// SendDirect sends text to a single recipient. Phone-shaped addresses are
// resolved through the bridge first; bridge user IDs go through the bridge
// adapter; anything else gets a native direct room.
func (c *Coordinator) SendDirect(ctx context.Context, address, text string) *Result {
	if bridge.LooksLikePhone(address) {
		if c.adapter == nil {
			return failure(bridge.ErrNotConfigured)
		}
		resolved, err := c.adapter.ResolvePhone(ctx, address)
		if err != nil {
			return failure(err)
		}
		return c.sendViaBridge(ctx, c.adapter.UserIDForAddress(resolved), text)
	}

	userID := id.UserID(address)
	if _, _, err := userID.Parse(); err != nil {
		return failure(fmt.Errorf("%q is not a valid address: %w", address, err))
	}
	if bridge.IsBridgeAddress(userID, c.cfg.Bridge.AddressPrefix) {
		return c.sendViaBridge(ctx, userID, text)
	}

	roomID, err := c.directRoom(ctx, userID)
	if err != nil {
		return failure(err)
	}
	eventID, err := c.sender.Deliver(ctx, roomID, text)
	if err != nil {
		return failure(err)
	}
	return success(roomID, eventID)
}

// SendRoom sends text into an existing room.
func (c *Coordinator) SendRoom(ctx context.Context, roomID id.RoomID, text string) *Result {
	eventID, err := c.sender.Deliver(ctx, roomID, text)
	if err != nil {
		return failure(err)
	}
	return success(roomID, eventID)
}

// SendBulk sends the items in batches of batchSize. Items within a batch run
// concurrently and fail independently; delayMs is awaited between batches,
// not before the first. Non-positive batchSize and negative delayMs fall
// back to the configured defaults.
func (c *Coordinator) SendBulk(ctx context.Context, items []BulkItem, batchSize, delayMs int) *BulkResult {
	if batchSize <= 0 {
		batchSize = c.cfg.Send.BatchSize
	}
	if delayMs < 0 {
		delayMs = c.cfg.Send.BatchDelayMs
	}

	results := make([]*Result, len(items))
	for start := 0; start < len(items); start += batchSize {
		if start > 0 {
			if err := sleepCtx(ctx, time.Duration(delayMs)*time.Millisecond); err != nil {
				for i := start; i < len(items); i++ {
					results[i] = failure(fmt.Errorf("bulk send interrupted: %w", err))
				}
				break
			}
		}
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = c.SendDirect(ctx, items[i].Address, items[i].Text)
			}(i)
		}
		wg.Wait()
	}

	bulk := &BulkResult{PerItem: results}
	for _, result := range results {
		if result.Success {
			bulk.TotalSuccess++
		} else {
			bulk.TotalFailed++
		}
	}
	return bulk
}

// SendToModerators sends a tagged direct message to every member of roomID
// with a power level above the room default. With no elevated members it
// falls back to a single tagged broadcast into the room. An empty roomID
// uses the configured default room.
func (c *Coordinator) SendToModerators(ctx context.Context, text string, roomID id.RoomID) *Result {
	if roomID == "" {
		roomID = id.RoomID(c.cfg.Rooms.Default)
	}
	if roomID == "" {
		return failure(fmt.Errorf("no room given and rooms.default is not configured"))
	}
	levels, err := c.gw.PowerLevels(ctx, roomID)
	if err != nil {
		return failure(fmt.Errorf("failed to read power levels for %s: %w", roomID, err))
	}

	tagged := c.cfg.Send.ModeratorTag + " " + text
	var moderators []BulkItem
	for userID, level := range levels.Users {
		if userID == c.gw.UserID() {
			continue
		}
		if level > levels.UsersDefault {
			moderators = append(moderators, BulkItem{Address: userID.String(), Text: tagged})
		}
	}
	sort.Slice(moderators, func(i, j int) bool { return moderators[i].Address < moderators[j].Address })

	if len(moderators) == 0 {
		c.log.Debug().Str("room_id", roomID.String()).Msg("No elevated members, broadcasting to room")
		eventID, err := c.sender.Deliver(ctx, roomID, tagged)
		if err != nil {
			return failure(err)
		}
		return success(roomID, eventID)
	}

	bulk := c.SendBulk(ctx, moderators, c.cfg.Send.BatchSize, c.cfg.Send.BatchDelayMs)
	if bulk.TotalFailed > 0 {
		return &Result{Success: false, Error: fmt.Sprintf("%d of %d moderator messages failed", bulk.TotalFailed, len(moderators))}
	}
	return &Result{Success: true}
}

// InviteToRecommendedRooms scores cached rooms against the interest
// keywords and invites the address to the best matches. Per-room invite
// failures are collected, never fatal.
func (c *Coordinator) InviteToRecommendedRooms(ctx context.Context, address string, interests []string) *InviteOutcome {
	outcome := &InviteOutcome{Invited: []id.RoomID{}}
	userID := id.UserID(address)
	if _, _, err := userID.Parse(); err != nil {
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("%q is not a valid address", address))
		return outcome
	}

	rooms, err := c.store.ListRooms(ctx, cache.RoomFilter{MinMembers: c.cfg.Cache.MinRoomMembers + 1})
	if err != nil {
		outcome.Errors = append(outcome.Errors, err.Error())
		return outcome
	}
	already := map[id.RoomID]bool{}
	if joined, err := c.store.RoomsOf(ctx, userID); err == nil {
		for _, roomID := range joined {
			already[roomID] = true
		}
	}

	type scoredRoom struct {
		room  *cache.Room
		score int
	}
	var candidates []scoredRoom
	for _, room := range rooms {
		if room.IsDirect || already[room.ID] {
			continue
		}
		if score := scoreRoom(room, interests); score > 0 {
			candidates = append(candidates, scoredRoom{room, score})
		}
	}
	// ListRooms returns largest first; keep that as the tie-break.
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	for _, candidate := range candidates {
		if len(outcome.Invited) >= c.cfg.Send.RecommendLimit {
			break
		}
		if err := c.gw.InviteUser(ctx, candidate.room.ID, userID); err != nil {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %s", candidate.room.ID, err))
			continue
		}
		outcome.Invited = append(outcome.Invited, candidate.room.ID)
	}
	return outcome
}

// scoreRoom weights category matches above name matches above topic
// matches.
func scoreRoom(room *cache.Room, interests []string) int {
	name := strings.ToLower(room.Name)
	topic := strings.ToLower(room.Topic)
	category := strings.ToLower(room.Category)
	score := 0
	for _, interest := range interests {
		keyword := strings.ToLower(strings.TrimSpace(interest))
		if keyword == "" {
			continue
		}
		if category == keyword {
			score += 3
		}
		if strings.Contains(name, keyword) {
			score += 2
		}
		if strings.Contains(topic, keyword) {
			score++
		}
	}
	return score
}

func (c *Coordinator) sendViaBridge(ctx context.Context, target id.UserID, text string) *Result {
	if c.adapter == nil {
		return failure(bridge.ErrNotConfigured)
	}
	mu := c.lockFor(target)
	mu.Lock()
	defer mu.Unlock()
	roomID, eventID, err := c.adapter.SendToAddress(ctx, target, text)
	if err != nil {
		return failure(err)
	}
	return success(roomID, eventID)
}

func (c *Coordinator) lockFor(target id.UserID) *sync.Mutex {
	mu, _ := c.addressLocks.LoadOrStore(target, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// directRoom finds the existing direct room with target or creates one.
func (c *Coordinator) directRoom(ctx context.Context, target id.UserID) (id.RoomID, error) {
	directRooms, err := c.gw.DirectRooms(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to read direct room markers")
	}
	for _, roomID := range directRooms[target] {
		members, err := c.gw.JoinedMembers(ctx, roomID)
		if err != nil || len(members) == 0 {
			continue
		}
		return roomID, nil
	}

	roomID, err := c.gw.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		Invite:   []id.UserID{target},
		IsDirect: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create direct room with %s: %w", target, err)
	}
	if err = c.gw.MarkDirect(ctx, target, roomID); err != nil {
		c.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Failed to mark room as direct")
	}
	return roomID, nil
}
