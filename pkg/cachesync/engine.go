// Copyright 2024-2026 Aiku AI

// Package cachesync repopulates the local cache from homeserver state. It
// runs independently of message sends; the bridge adapter and the
// recommendation logic read whatever the last pass left behind.
package cachesync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/communitybot/pkg/bridge"
	"github.com/aiku/communitybot/pkg/cache"
	"github.com/aiku/communitybot/pkg/config"
	"github.com/aiku/communitybot/pkg/session"
)

// manualOverrideWindow is how long after a manual trigger a repeat trigger
// is treated as forced. An impatient operator hammering "sync now" expects
// a resync, not a silent freshness skip.
const manualOverrideWindow = 30 * time.Second

// incrementalCooldown is the minimum spacing between incremental passes.
const incrementalCooldown = 5 * time.Minute

// Result summarizes one sync attempt.
type Result struct {
	Status            string   `json:"status"`
	RoomsSynced       int      `json:"rooms_synced"`
	UsersSynced       int      `json:"users_synced"`
	MembershipsSynced int      `json:"memberships_synced"`
	Errors            []string `json:"errors,omitempty"`
}

// Result statuses. A conflicting or unnecessary sync reports "skipped"
// rather than an error.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Health describes the cache's operational state for health reporting.
type Health struct {
	Status          string  `json:"status"`
	CacheAgeMinutes float64 `json:"cache_age_minutes"`
	Reason          string  `json:"reason,omitempty"`
}

// Health statuses.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Engine performs full and incremental cache syncs.
type Engine struct {
	gw           session.Gateway
	store        *cache.Store
	cfg          config.CacheConfig
	bridgePrefix string
	log          zerolog.Logger

	mu              sync.Mutex
	running         bool
	lastManual      time.Time
	lastIncremental time.Time
}

// New creates a sync engine. bridgePrefix is the localpart prefix that marks
// bridge-managed users (e.g. "signal_").
func New(gw session.Gateway, store *cache.Store, cfg config.CacheConfig, bridgePrefix string, log zerolog.Logger) *Engine {
	return &Engine{
		gw:           gw,
		store:        store,
		cfg:          cfg,
		bridgePrefix: bridgePrefix,
		log:          log.With().Str("component", "cachesync").Logger(),
	}
}

// FullSync runs a full cache pass on behalf of an operator. At most one
// sync runs per process: a concurrent call returns immediately with status
// "skipped". Without force, a fresh cache also skips, unless the previous
// manual trigger was within the override window.
func (e *Engine) FullSync(ctx context.Context, force bool) *Result {
	return e.fullSync(ctx, force, true)
}

// fullSync is the shared full pass. Only manual triggers advance the
// rapid-manual window; scheduled syncs neither benefit from nor extend it.
func (e *Engine) fullSync(ctx context.Context, force, manual bool) *Result {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.log.Info().Msg("Sync already running, skipping")
		return &Result{Status: StatusSkipped}
	}
	rapidManual := manual && time.Since(e.lastManual) < manualOverrideWindow
	if manual {
		e.lastManual = time.Now()
	}
	override := force || rapidManual
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if !override {
		stats, err := e.store.Stats(ctx, e.cfg.Freshness())
		if err == nil && stats.IsFresh {
			e.log.Debug().Float64("age_minutes", stats.CacheAgeMinutes).Msg("Cache fresh, skipping sync")
			return &Result{Status: StatusSkipped}
		}
	}

	return e.run(ctx, cache.SyncTypeFull, override)
}

// IncrementalSync is a separate entry point with its own cooldown. It
// performs the same full pass internally; there is no differential cursor
// against the homeserver to resume from.
func (e *Engine) IncrementalSync(ctx context.Context) *Result {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return &Result{Status: StatusSkipped}
	}
	if time.Since(e.lastIncremental) < incrementalCooldown {
		e.mu.Unlock()
		e.log.Debug().Msg("Incremental sync inside cooldown, skipping")
		return &Result{Status: StatusSkipped}
	}
	e.lastIncremental = time.Now()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	return e.run(ctx, cache.SyncTypeIncremental, false)
}

// BackgroundSync triggers a sync without blocking the caller when the cache
// is older than maxAge. The outcome is logged, not returned.
func (e *Engine) BackgroundSync(maxAge time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		stats, err := e.store.Stats(ctx, maxAge)
		if err != nil {
			e.log.Error().Err(err).Msg("Background sync: failed to read cache stats")
			return
		}
		if stats.IsFresh {
			return
		}
		result := e.fullSync(ctx, false, false)
		e.log.Info().
			Str("status", result.Status).
			Int("rooms", result.RoomsSynced).
			Int("users", result.UsersSynced).
			Int("memberships", result.MembershipsSynced).
			Int("errors", len(result.Errors)).
			Msg("Background sync finished")
	}()
}

// Health reports the cache's operational state: healthy below the freshness
// window, degraded past the degraded threshold, unhealthy when no session
// gateway is configured at all.
func (e *Engine) Health(ctx context.Context) *Health {
	if e.gw == nil {
		return &Health{Status: HealthUnhealthy, CacheAgeMinutes: -1, Reason: "matrix session is not configured"}
	}
	stats, err := e.store.Stats(ctx, e.cfg.Freshness())
	if err != nil {
		return &Health{Status: HealthUnhealthy, CacheAgeMinutes: -1, Reason: err.Error()}
	}
	if stats.CacheAgeMinutes < 0 {
		return &Health{Status: HealthDegraded, CacheAgeMinutes: -1, Reason: "cache has never been synced"}
	}
	if stats.CacheAgeMinutes > float64(e.cfg.DegradedMinutes) {
		return &Health{
			Status:          HealthDegraded,
			CacheAgeMinutes: stats.CacheAgeMinutes,
			Reason:          fmt.Sprintf("cache is %.0f minutes old", stats.CacheAgeMinutes),
		}
	}
	return &Health{Status: HealthHealthy, CacheAgeMinutes: stats.CacheAgeMinutes}
}

// liveRoom is a room enumerated from the homeserver during a pass.
type liveRoom struct {
	id       id.RoomID
	name     string
	topic    string
	members  map[id.UserID]session.Member
	priority bool
	isDirect bool
}

func (e *Engine) run(ctx context.Context, syncType string, override bool) *Result {
	result := &Result{Status: StatusCompleted}
	statusID, err := e.store.StartSyncStatus(ctx, syncType)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to record sync start")
		return &Result{Status: StatusFailed, Errors: []string{err.Error()}}
	}

	processed, err := e.pass(ctx, result, override)
	if err != nil {
		result.Status = StatusFailed
		result.Errors = append(result.Errors, err.Error())
		if ferr := e.store.FinishSyncStatus(ctx, statusID, cache.SyncStatusFailed, processed, err.Error()); ferr != nil {
			e.log.Error().Err(ferr).Msg("Failed to record sync failure")
		}
		e.log.Error().Err(err).Str("type", syncType).Msg("Sync failed")
		return result
	}

	errMsg := ""
	if len(result.Errors) > 0 {
		errMsg = strings.Join(result.Errors, "; ")
	}
	if ferr := e.store.FinishSyncStatus(ctx, statusID, cache.SyncStatusCompleted, processed, errMsg); ferr != nil {
		e.log.Error().Err(ferr).Msg("Failed to record sync finish")
	}
	e.log.Info().
		Str("type", syncType).
		Int("rooms", result.RoomsSynced).
		Int("users", result.UsersSynced).
		Int("memberships", result.MembershipsSynced).
		Int("room_errors", len(result.Errors)).
		Msg("Sync completed")
	return result
}

// pass enumerates joined rooms and refreshes the cache. A failure to
// enumerate is fatal to the pass; per-room failures are recorded and the
// pass continues.
func (e *Engine) pass(ctx context.Context, result *Result, override bool) (int, error) {
	roomIDs, err := e.gw.JoinedRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate joined rooms: %w", err)
	}
	directRooms, err := e.gw.DirectRooms(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to read direct rooms, continuing without markers")
		directRooms = map[id.UserID][]id.RoomID{}
	}
	directSet := make(map[id.RoomID]bool)
	for _, rooms := range directRooms {
		for _, roomID := range rooms {
			directSet[roomID] = true
		}
	}

	rooms := make([]*liveRoom, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		room, err := e.enumerate(ctx, roomID, directSet)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", roomID, err))
			continue
		}
		// Rooms at or below the member floor are noise (empty leftovers,
		// half-created bridge rooms), not "not yet observed".
		if !room.isDirect && len(room.members) <= e.cfg.MinRoomMembers {
			continue
		}
		rooms = append(rooms, room)
	}

	// Administrative rooms first so they are refreshed even if the pass is
	// cut short.
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].priority && !rooms[j].priority
	})

	processed := 0
	for _, room := range rooms {
		if err := ctx.Err(); err != nil {
			return processed, fmt.Errorf("sync interrupted: %w", err)
		}
		if err := e.syncRoom(ctx, room, override, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", room.id, err))
			continue
		}
		processed++
	}

	if err := e.store.RebuildUserSummaries(ctx); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	return processed, nil
}

func (e *Engine) enumerate(ctx context.Context, roomID id.RoomID, directSet map[id.RoomID]bool) (*liveRoom, error) {
	members, err := e.gw.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	name, err := e.gw.RoomName(ctx, roomID)
	if err != nil {
		return nil, err
	}
	topic, err := e.gw.RoomTopic(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &liveRoom{
		id:       roomID,
		name:     name,
		topic:    topic,
		members:  members,
		priority: matchesAny(name, e.cfg.PriorityKeywords),
		isDirect: directSet[roomID],
	}, nil
}

func (e *Engine) syncRoom(ctx context.Context, room *liveRoom, override bool, result *Result) error {
	cached, err := e.store.GetRoom(ctx, room.id)
	if err != nil {
		return err
	}

	liveCount := len(room.members)
	roomUnchanged := cached != nil && cached.MemberCount == liveCount
	// An unchanged member count leaves the row (and its lastSynced) alone.
	if !roomUnchanged || override {
		encrypted, err := e.gw.IsEncrypted(ctx, room.id)
		if err != nil {
			return err
		}
		err = e.store.UpsertRoom(ctx, &cache.Room{
			ID:          room.id,
			Name:        room.name,
			Topic:       room.topic,
			MemberCount: liveCount,
			IsDirect:    room.isDirect,
			IsEncrypted: encrypted,
			Category:    e.categorize(room),
			LastSynced:  time.Now(),
		})
		if err != nil {
			return err
		}
		result.RoomsSynced++
	}

	cachedMembers, err := e.store.CountMemberships(ctx, room.id)
	if err != nil {
		return err
	}
	if cachedMembers == liveCount && !override {
		return nil
	}

	memberships := make([]*cache.Membership, 0, liveCount)
	for userID, member := range room.members {
		memberships = append(memberships, &cache.Membership{
			RoomID:   room.id,
			UserID:   userID,
			Status:   cache.MembershipJoin,
			JoinedAt: time.Now(),
		})
		err = e.store.UpsertUser(ctx, &cache.User{
			Address:      userID,
			DisplayName:  member.DisplayName,
			AvatarURL:    member.AvatarURL,
			IsBridgeUser: bridge.IsBridgeAddress(userID, e.bridgePrefix),
			LastSeen:     time.Now(),
		})
		if err != nil {
			return err
		}
		result.UsersSynced++
	}
	if err = e.store.ReplaceMemberships(ctx, room.id, memberships); err != nil {
		return err
	}
	result.MembershipsSynced += len(memberships)
	return nil
}

// categorize derives the cached category label: direct rooms are "direct",
// otherwise the first configured category whose keywords match name or
// topic.
func (e *Engine) categorize(room *liveRoom) string {
	if room.isDirect {
		return "direct"
	}
	haystack := strings.ToLower(room.name + " " + room.topic)
	// Stable iteration so re-syncs don't flap between labels.
	labels := make([]string, 0, len(e.cfg.Categories))
	for label := range e.cfg.Categories {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		for _, keyword := range e.cfg.Categories[label] {
			if strings.Contains(haystack, strings.ToLower(keyword)) {
				return label
			}
		}
	}
	return ""
}

func matchesAny(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, keyword := range keywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}
