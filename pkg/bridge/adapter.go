// Copyright 2024-2026 Aiku AI

// Package bridge talks to the bridge bot. The bridge exposes no structured
// RPC, only a chat command channel, so every operation here is a command
// send followed by bounded polling of room state or history.
package bridge

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/communitybot/pkg/cache"
	"github.com/aiku/communitybot/pkg/config"
	"github.com/aiku/communitybot/pkg/session"
)

// Deliverer performs the final message send into a discovered room. The
// encryption-aware sender in the messaging package implements it.
type Deliverer interface {
	Deliver(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
}

// Delivery phases for one bridge send attempt.
const (
	phaseCommandSent = "command_sent"
	phaseSearching   = "searching"
	phaseFound       = "found"
	phaseFallback    = "fallback"
	phaseSent        = "sent"
	phaseFailed      = "failed"
)

// pendingSend is the in-memory correlation state for one delivery attempt.
// It exists for logging and bookkeeping only; nothing is persisted.
type pendingSend struct {
	target  id.UserID
	phase   string
	attempt int
	started time.Time
}

// resolvedPattern matches the bridge bot's successful resolution reply,
// e.g. "Found `abc-123-uuid`".
var resolvedPattern = regexp.MustCompile("Found `([^`]+)`")

// Adapter resolves bridged addresses and routes deliveries through
// bridge-managed rooms.
type Adapter struct {
	gw        session.Gateway
	store     *cache.Store
	cfg       config.BridgeConfig
	adminRoom id.RoomID
	deliver   Deliverer
	log       zerolog.Logger
}

// New creates a bridge adapter. adminRoom is the fixed room where bridge
// commands are issued and bot replies observed.
func New(gw session.Gateway, store *cache.Store, cfg config.BridgeConfig, adminRoom id.RoomID, deliver Deliverer, log zerolog.Logger) *Adapter {
	return &Adapter{
		gw:        gw,
		store:     store,
		cfg:       cfg,
		adminRoom: adminRoom,
		deliver:   deliver,
		log:       log.With().Str("component", "bridge").Logger(),
	}
}

// Configured reports whether bridge deliveries are available.
func (a *Adapter) Configured() bool {
	return a.cfg.BotAddress != "" && a.adminRoom != ""
}

// Bot returns the bridge bot's user ID.
func (a *Adapter) Bot() id.UserID {
	return id.UserID(a.cfg.BotAddress)
}

// IsBridgeAddress reports whether a user ID belongs to the bridge, inferred
// from the localpart prefix.
func IsBridgeAddress(userID id.UserID, prefix string) bool {
	if prefix == "" {
		return false
	}
	localpart, _, err := userID.Parse()
	if err != nil {
		return false
	}
	return strings.HasPrefix(localpart, prefix)
}

// UserIDForAddress builds the bridged Matrix user ID for a resolved
// external address, on the bot's own homeserver.
func (a *Adapter) UserIDForAddress(address string) id.UserID {
	_, homeserver, _ := a.gw.UserID().Parse()
	return id.NewUserID(a.cfg.AddressPrefix+address, homeserver)
}

// ResolvePhone maps a phone number to a bridged address by issuing the
// resolve command in the admin room and scanning recent history for the
// bot's reply. Returns ErrResolutionFailed when the bot reports no match or
// never replies within the retry budget.
func (a *Adapter) ResolvePhone(ctx context.Context, phone string) (string, error) {
	if !a.Configured() {
		return "", ErrNotConfigured
	}
	normalized, err := NormalizePhone(phone, a.cfg.DefaultRegion)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}

	encrypted, err := a.gw.IsEncrypted(ctx, a.adminRoom)
	if err == nil && encrypted && !a.gw.CanDecrypt() {
		return "", ErrEncryptedBridgeRoom
	}

	since := time.Now().UnixMilli()
	if _, err = a.gw.SendText(ctx, a.adminRoom, a.cfg.ResolveCommand+" "+normalized); err != nil {
		return "", fmt.Errorf("failed to send resolve command: %w", err)
	}
	if err = sleepCtx(ctx, secs(a.cfg.ResolveDelaySeconds)); err != nil {
		return "", err
	}

	delays := a.searchDelays()
	for attempt := 0; ; attempt++ {
		address, refused, err := a.scanResolveReply(ctx, since)
		if err != nil {
			return "", err
		}
		if refused {
			return "", fmt.Errorf("bridge bot found no match for %s: %w", normalized, ErrResolutionFailed)
		}
		if address != "" {
			a.log.Debug().Str("address", address).Msg("Resolved phone number")
			return address, nil
		}
		if attempt >= len(delays) {
			break
		}
		if err = sleepCtx(ctx, delays[attempt]); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no reply from bridge bot: %w", ErrResolutionFailed)
}

// scanResolveReply looks through recent admin-room history for a bot reply
// newer than the command. refused means the bot explicitly reported failure.
func (a *Adapter) scanResolveReply(ctx context.Context, since int64) (address string, refused bool, err error) {
	evts, err := a.gw.RecentMessages(ctx, a.adminRoom, 20)
	if err != nil {
		return "", false, fmt.Errorf("failed to read bridge room history: %w", err)
	}
	bot := a.Bot()
	for _, evt := range evts {
		if evt.Sender != bot || evt.Timestamp < since {
			continue
		}
		body := messageBody(evt)
		if m := resolvedPattern.FindStringSubmatch(body); m != nil {
			return m[1], false, nil
		}
		if strings.Contains(body, "Failed to resolve") {
			return "", true, nil
		}
	}
	return "", false, nil
}

// FindBridgeRoom looks for an existing room carrying the conversation with
// target. A room qualifies when both the bot and the target are joined and
// it is small, keyword-tagged, or marked as a direct chat. There is no
// protocol signal tying a room to a recipient, so this stays a heuristic.
func (a *Adapter) FindBridgeRoom(ctx context.Context, target id.UserID) (id.RoomID, error) {
	bot := a.Bot()

	// Cache fast path: rooms the target is already cached in.
	if a.store != nil {
		if roomID := a.findCachedRoom(ctx, bot, target); roomID != "" {
			return roomID, nil
		}
	}

	directSet := a.directRoomSet(ctx)
	roomIDs, err := a.gw.JoinedRooms(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to enumerate joined rooms: %w", err)
	}
	for _, roomID := range roomIDs {
		members, err := a.gw.JoinedMembers(ctx, roomID)
		if err != nil {
			a.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Failed to list members during room search")
			continue
		}
		if !hasBoth(members, bot, target) {
			continue
		}
		if len(members) <= a.cfg.DirectRoomMaxMembers || directSet[roomID] {
			return roomID, nil
		}
		name, _ := a.gw.RoomName(ctx, roomID)
		topic, _ := a.gw.RoomTopic(ctx, roomID)
		if containsKeyword(name+" "+topic, a.cfg.Keywords) {
			return roomID, nil
		}
	}
	return "", nil
}

func (a *Adapter) findCachedRoom(ctx context.Context, bot, target id.UserID) id.RoomID {
	cached, err := a.store.RoomsOf(ctx, target)
	if err != nil {
		return ""
	}
	for _, roomID := range cached {
		room, err := a.store.GetRoom(ctx, roomID)
		if err != nil || room == nil {
			continue
		}
		if !room.IsDirect && room.MemberCount > a.cfg.DirectRoomMaxMembers && !containsKeyword(room.Name+" "+room.Topic, a.cfg.Keywords) {
			continue
		}
		// Verify against live state; the cache may be stale.
		members, err := a.gw.JoinedMembers(ctx, roomID)
		if err != nil {
			continue
		}
		if hasBoth(members, bot, target) {
			return roomID
		}
	}
	return ""
}

// SendToAddress delivers text to a bridged user. It asks the bridge to open
// the conversation, polls for the room with increasing delays, and falls
// back to an ephemeral room with a direct invite when the bridge never
// materializes one.
func (a *Adapter) SendToAddress(ctx context.Context, target id.UserID, text string) (id.RoomID, id.EventID, error) {
	if !a.Configured() {
		return "", "", ErrNotConfigured
	}
	send := &pendingSend{target: target, phase: phaseCommandSent, started: time.Now()}

	localpart, _, _ := target.Parse()
	identifier := strings.TrimPrefix(localpart, a.cfg.AddressPrefix)
	if _, err := a.gw.SendText(ctx, a.adminRoom, a.cfg.ChatCommand+" "+identifier); err != nil {
		// The conversation room may already exist, so keep searching.
		a.log.Warn().Err(err).Str("target", target.String()).Msg("Failed to send chat command")
	}
	if err := sleepCtx(ctx, secs(a.cfg.ResolveDelaySeconds)); err != nil {
		return "", "", err
	}

	send.phase = phaseSearching
	var roomID id.RoomID
	delays := a.searchDelays()
	for attempt := 0; ; attempt++ {
		send.attempt = attempt
		found, err := a.FindBridgeRoom(ctx, target)
		if err != nil {
			a.log.Warn().Err(err).Int("attempt", attempt).Msg("Bridge room search failed")
		}
		if found != "" {
			roomID = found
			break
		}
		if attempt >= len(delays) {
			break
		}
		if err = sleepCtx(ctx, delays[attempt]); err != nil {
			return "", "", err
		}
	}

	var primary error
	if roomID != "" {
		send.phase = phaseFound
		eventID, err := a.deliver.Deliver(ctx, roomID, text)
		if err == nil {
			send.phase = phaseSent
			a.logOutcome(send, roomID)
			return roomID, eventID, nil
		}
		primary = fmt.Errorf("failed to deliver to bridge room %s: %w", roomID, err)
	} else {
		primary = ErrRoomDiscoveryTimeout
	}

	send.phase = phaseFallback
	roomID, eventID, err := a.sendViaFallbackRoom(ctx, target, text)
	if err != nil {
		send.phase = phaseFailed
		a.logOutcome(send, roomID)
		return "", "", &FallbackError{Primary: primary, Fallback: err}
	}
	send.phase = phaseSent
	a.logOutcome(send, roomID)
	return roomID, eventID, nil
}

// sendViaFallbackRoom creates an ephemeral room, invites the target
// directly, and delivers after a settle delay.
func (a *Adapter) sendViaFallbackRoom(ctx context.Context, target id.UserID, text string) (id.RoomID, id.EventID, error) {
	roomID, err := a.gw.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		Invite:   []id.UserID{target},
		IsDirect: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to create fallback room: %w", err)
	}
	if err = sleepCtx(ctx, secs(a.cfg.SettleDelaySeconds)); err != nil {
		return "", "", err
	}
	eventID, err := a.deliver.Deliver(ctx, roomID, text)
	if err != nil {
		return "", "", fmt.Errorf("failed to deliver to fallback room %s: %w", roomID, err)
	}
	if err = a.gw.MarkDirect(ctx, target, roomID); err != nil {
		a.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Failed to mark fallback room as direct")
	}
	return roomID, eventID, nil
}

func (a *Adapter) logOutcome(send *pendingSend, roomID id.RoomID) {
	a.log.Info().
		Str("target", send.target.String()).
		Str("phase", send.phase).
		Int("attempts", send.attempt+1).
		Str("room_id", roomID.String()).
		Dur("elapsed", time.Since(send.started)).
		Msg("Bridge delivery finished")
}

func (a *Adapter) directRoomSet(ctx context.Context) map[id.RoomID]bool {
	directSet := map[id.RoomID]bool{}
	directRooms, err := a.gw.DirectRooms(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to read direct room markers")
		return directSet
	}
	for _, rooms := range directRooms {
		for _, roomID := range rooms {
			directSet[roomID] = true
		}
	}
	return directSet
}

func (a *Adapter) searchDelays() []time.Duration {
	delays := make([]time.Duration, len(a.cfg.SearchDelaySeconds))
	for i, s := range a.cfg.SearchDelaySeconds {
		delays[i] = secs(s)
	}
	return delays
}

func hasBoth(members map[id.UserID]session.Member, bot, target id.UserID) bool {
	_, hasBot := members[bot]
	_, hasTarget := members[target]
	return hasBot && hasTarget
}

func containsKeyword(haystack string, keywords []string) bool {
	lower := strings.ToLower(haystack)
	for _, keyword := range keywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

func messageBody(evt *event.Event) string {
	if msg, ok := evt.Content.Parsed.(*event.MessageEventContent); ok {
		return msg.Body
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		return ""
	}
	if msg := evt.Content.AsMessage(); msg != nil {
		return msg.Body
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
