// Copyright 2024-2026 Aiku AI

package messaging

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/communitybot/pkg/cache"
	"github.com/aiku/communitybot/pkg/config"
	"github.com/aiku/communitybot/pkg/session"
)

type send struct {
	roomID id.RoomID
	text   string
	at     time.Time
}

// fakeGateway records sends and room creations for coordinator tests.
type fakeGateway struct {
	mu        sync.Mutex
	userID    id.UserID
	encrypted map[id.RoomID]bool
	direct    map[id.UserID][]id.RoomID
	members   map[id.RoomID]map[id.UserID]session.Member
	levels    map[id.RoomID]*event.PowerLevelsEventContent
	sends     []send
	created   []id.RoomID
	invites   map[id.RoomID][]id.UserID
	// createFails makes CreateRoom fail when this user is invited.
	createFails id.UserID
}

var _ session.Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		userID:    "@bot:example.com",
		encrypted: map[id.RoomID]bool{},
		direct:    map[id.UserID][]id.RoomID{},
		members:   map[id.RoomID]map[id.UserID]session.Member{},
		levels:    map[id.RoomID]*event.PowerLevelsEventContent{},
		invites:   map[id.RoomID][]id.UserID{},
	}
}

func (f *fakeGateway) UserID() id.UserID { return f.userID }

func (f *fakeGateway) SendText(_ context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, send{roomID, text, time.Now()})
	return id.EventID(fmt.Sprintf("$ev%d", len(f.sends))), nil
}

func (f *fakeGateway) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, invitee := range req.Invite {
		if invitee == f.createFails {
			return "", fmt.Errorf("homeserver rejected room creation")
		}
	}
	roomID := id.RoomID(fmt.Sprintf("!dm%d:example.com", len(f.created)))
	f.created = append(f.created, roomID)
	return roomID, nil
}

func (f *fakeGateway) InviteUser(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites[roomID] = append(f.invites[roomID], userID)
	return nil
}

func (f *fakeGateway) KickUser(context.Context, id.RoomID, id.UserID, string) error { return nil }

func (f *fakeGateway) BanUser(context.Context, id.RoomID, id.UserID, string) error { return nil }

func (f *fakeGateway) JoinedRooms(context.Context) ([]id.RoomID, error) { return nil, nil }

func (f *fakeGateway) JoinedMembers(_ context.Context, roomID id.RoomID) (map[id.UserID]session.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[roomID], nil
}

func (f *fakeGateway) RoomName(context.Context, id.RoomID) (string, error) { return "", nil }

func (f *fakeGateway) RoomTopic(context.Context, id.RoomID) (string, error) { return "", nil }

func (f *fakeGateway) PowerLevels(_ context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if levels, ok := f.levels[roomID]; ok {
		return levels, nil
	}
	return &event.PowerLevelsEventContent{}, nil
}

func (f *fakeGateway) IsEncrypted(_ context.Context, roomID id.RoomID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encrypted[roomID], nil
}

func (f *fakeGateway) CanDecrypt() bool { return false }

func (f *fakeGateway) RecentMessages(context.Context, id.RoomID, int) ([]*event.Event, error) {
	return nil, nil
}

func (f *fakeGateway) DirectRooms(context.Context) (map[id.UserID][]id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.direct, nil
}

func (f *fakeGateway) MarkDirect(context.Context, id.UserID, id.RoomID) error { return nil }

func (f *fakeGateway) sentTexts() []send {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]send(nil), f.sends...)
}

func testConfig() *config.Config {
	return &config.Config{
		Rooms: config.RoomsConfig{Default: "!default:example.com"},
		Bridge: config.BridgeConfig{
			AddressPrefix: "signal_",
		},
		Cache: config.CacheConfig{MinRoomMembers: 2},
		Send: config.SendConfig{
			BatchSize:      10,
			HelloText:      "👋",
			ModeratorTag:   "[mod]",
			RecommendLimit: 3,
		},
	}
}

func newTestCoordinator(gw *fakeGateway, store *cache.Store) *Coordinator {
	cfg := testConfig()
	sender := NewSender(gw, cfg.Send, zerolog.Nop())
	return NewCoordinator(gw, store, nil, sender, cfg, zerolog.Nop())
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	rawDB, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	rawDB.SetMaxOpenConns(1)
	store, err := cache.NewWithDB(context.Background(), rawDB, zerolog.Nop())
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSenderEncryptedWarmup(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.encrypted["!enc:example.com"] = true
	sender := NewSender(gw, testConfig().Send, zerolog.Nop())
	sender.settle = 40 * time.Millisecond

	eventID, err := sender.Deliver(context.Background(), "!enc:example.com", "the real message")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if eventID == "" {
		t.Error("missing event ID")
	}
	sends := gw.sentTexts()
	if len(sends) != 2 {
		t.Fatalf("sends: got %d, want 2", len(sends))
	}
	if sends[0].text != "👋" || sends[1].text != "the real message" {
		t.Errorf("send order: %q then %q", sends[0].text, sends[1].text)
	}
	if gap := sends[1].at.Sub(sends[0].at); gap < sender.settle {
		t.Errorf("settle gap: got %v, want at least %v", gap, sender.settle)
	}
}

func TestSenderPlaintextSendsImmediately(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	sender := NewSender(gw, testConfig().Send, zerolog.Nop())
	sender.settle = time.Hour

	start := time.Now()
	if _, err := sender.Deliver(context.Background(), "!plain:example.com", "hi"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("plaintext send should not wait, took %v", elapsed)
	}
	sends := gw.sentTexts()
	if len(sends) != 1 || sends[0].text != "hi" {
		t.Errorf("sends: %+v", sends)
	}
}

func TestSendDirectCreatesDirectRoom(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	c := newTestCoordinator(gw, nil)

	result := c.SendDirect(context.Background(), "@alice:example.com", "hello")
	if !result.Success {
		t.Fatalf("SendDirect failed: %s", result.Error)
	}
	if len(gw.created) != 1 || result.RoomID != gw.created[0] {
		t.Errorf("room: got %q, created %v", result.RoomID, gw.created)
	}
}

func TestSendDirectReusesMarkedRoom(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.direct["@alice:example.com"] = []id.RoomID{"!existing:example.com"}
	gw.members["!existing:example.com"] = map[id.UserID]session.Member{
		"@alice:example.com": {}, "@bot:example.com": {},
	}
	c := newTestCoordinator(gw, nil)

	result := c.SendDirect(context.Background(), "@alice:example.com", "hello")
	if !result.Success || result.RoomID != "!existing:example.com" {
		t.Fatalf("got %+v", result)
	}
	if len(gw.created) != 0 {
		t.Errorf("no room should be created, got %v", gw.created)
	}
}

func TestSendDirectInvalidAddress(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(newFakeGateway(), nil)
	result := c.SendDirect(context.Background(), "not an address", "hello")
	if result.Success || result.Error == "" {
		t.Errorf("got %+v", result)
	}
}

func TestSendDirectBridgeAddressWithoutBridge(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(newFakeGateway(), nil)
	result := c.SendDirect(context.Background(), "@signal_abc:example.com", "hello")
	if result.Success {
		t.Fatal("expected failure without a configured bridge")
	}
	if !strings.Contains(result.Error, "not configured") {
		t.Errorf("error: %q", result.Error)
	}
}

func TestSendBulkBatchingAndIsolation(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.createFails = "@u7:example.com"
	c := newTestCoordinator(gw, nil)

	items := make([]BulkItem, 23)
	for i := range items {
		items[i] = BulkItem{Address: fmt.Sprintf("@u%d:example.com", i), Text: "hi"}
	}
	const delayMs = 25
	start := time.Now()
	bulk := c.SendBulk(context.Background(), items, 10, delayMs)
	elapsed := time.Since(start)

	if got := bulk.TotalSuccess + bulk.TotalFailed; got != len(items) {
		t.Errorf("accounting: success+failed = %d, want %d", got, len(items))
	}
	if bulk.TotalFailed != 1 || bulk.TotalSuccess != 22 {
		t.Errorf("totals: %d success, %d failed", bulk.TotalSuccess, bulk.TotalFailed)
	}
	if bulk.PerItem[7].Success {
		t.Error("item 7 should have failed")
	}
	// 23 items in batches of 10 is 3 batches, so two inter-batch delays.
	if elapsed < 2*delayMs*time.Millisecond {
		t.Errorf("expected two inter-batch delays, elapsed %v", elapsed)
	}
	if len(gw.sentTexts()) != 22 {
		t.Errorf("attempted sends: got %d, want 22", len(gw.sentTexts()))
	}
}

func TestSendToModeratorsDirectMessages(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	roomID := id.RoomID("!town:example.com")
	gw.levels[roomID] = &event.PowerLevelsEventContent{
		Users: map[id.UserID]int{
			"@mod1:example.com":  50,
			"@mod2:example.com":  100,
			"@plain:example.com": 0,
			"@bot:example.com":   100,
		},
	}
	c := newTestCoordinator(gw, nil)

	result := c.SendToModerators(context.Background(), "spam wave incoming", roomID)
	if !result.Success {
		t.Fatalf("SendToModerators: %s", result.Error)
	}
	sends := gw.sentTexts()
	if len(sends) != 2 {
		t.Fatalf("sends: got %d, want 2", len(sends))
	}
	for _, s := range sends {
		if !strings.HasPrefix(s.text, "[mod] ") {
			t.Errorf("moderator message not tagged: %q", s.text)
		}
		if s.roomID == roomID {
			t.Errorf("moderator message went to the room, not a DM")
		}
	}
}

func TestSendToModeratorsBroadcastFallback(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	roomID := id.RoomID("!town:example.com")
	gw.levels[roomID] = &event.PowerLevelsEventContent{
		Users: map[id.UserID]int{"@plain:example.com": 0},
	}
	c := newTestCoordinator(gw, nil)

	result := c.SendToModerators(context.Background(), "heads up", roomID)
	if !result.Success {
		t.Fatalf("SendToModerators: %s", result.Error)
	}
	sends := gw.sentTexts()
	if len(sends) != 1 || sends[0].roomID != roomID {
		t.Fatalf("sends: %+v", sends)
	}
	if sends[0].text != "[mod] heads up" {
		t.Errorf("broadcast text: %q", sends[0].text)
	}
}

func TestInviteToRecommendedRooms(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	store := newTestStore(t)
	ctx := context.Background()

	upsert := func(roomID id.RoomID, name, topic, category string, members int, direct bool) {
		t.Helper()
		err := store.UpsertRoom(ctx, &cache.Room{
			ID: roomID, Name: name, Topic: topic, Category: category,
			MemberCount: members, IsDirect: direct, LastSynced: time.Now(),
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", roomID, err)
		}
	}
	upsert("!tech:example.com", "golang devs", "all about go", "tech", 10, false)
	upsert("!cook:example.com", "cooking", "recipes and food", "", 8, false)
	upsert("!tiny:example.com", "tech leftovers", "", "tech", 2, false)
	upsert("!dm:example.com", "tech dm", "", "direct", 5, true)

	c := newTestCoordinator(gw, store)
	outcome := c.InviteToRecommendedRooms(ctx, "@newbie:example.com", []string{"tech", "cooking"})
	if len(outcome.Errors) != 0 {
		t.Fatalf("errors: %v", outcome.Errors)
	}
	want := []id.RoomID{"!tech:example.com", "!cook:example.com"}
	if len(outcome.Invited) != len(want) {
		t.Fatalf("invited: got %v, want %v", outcome.Invited, want)
	}
	for i, roomID := range want {
		if outcome.Invited[i] != roomID {
			t.Errorf("invited[%d]: got %s, want %s", i, outcome.Invited[i], roomID)
		}
	}
	if got := gw.invites["!tech:example.com"]; len(got) != 1 || got[0] != "@newbie:example.com" {
		t.Errorf("tech invites: %v", got)
	}
}

func TestInviteSkipsJoinedRooms(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpsertRoom(ctx, &cache.Room{
		ID: "!tech:example.com", Name: "golang devs", Category: "tech",
		MemberCount: 10, LastSynced: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err = store.ReplaceMemberships(ctx, "!tech:example.com", []*cache.Membership{{
		RoomID: "!tech:example.com", UserID: "@member:example.com",
		Status: cache.MembershipJoin, JoinedAt: time.Now(),
	}})
	if err != nil {
		t.Fatalf("memberships: %v", err)
	}

	c := newTestCoordinator(gw, store)
	outcome := c.InviteToRecommendedRooms(ctx, "@member:example.com", []string{"tech"})
	if len(outcome.Invited) != 0 {
		t.Errorf("already-joined room should be skipped, invited %v", outcome.Invited)
	}
}
