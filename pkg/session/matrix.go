// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/communitybot/pkg/config"
)

// Matrix is the production Gateway backed by a mautrix client. The caller
// owns its lifecycle: construct with NewMatrix, call Start, and Close on
// shutdown.
type Matrix struct {
	client   *mautrix.Client
	crypto   *cryptohelper.CryptoHelper
	timeline *timeline
	log      zerolog.Logger

	stopSync context.CancelFunc
}

var _ Gateway = (*Matrix)(nil)

// NewMatrix creates a gateway from the homeserver configuration. It does not
// touch the network; Start does.
func NewMatrix(cfg *config.Config, log zerolog.Logger) (*Matrix, error) {
	client, err := mautrix.NewClient(cfg.Homeserver.Address, id.UserID(cfg.Homeserver.UserID), cfg.Homeserver.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.Log = log.With().Str("component", "mautrix").Logger()

	m := &Matrix{
		client:   client,
		timeline: newTimeline(timelineDepth),
		log:      log.With().Str("component", "session").Logger(),
	}

	if cfg.Encryption.Enabled {
		helper, err := cryptohelper.NewCryptoHelper(client, []byte(cfg.Encryption.PickleKey), cfg.Encryption.StorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create crypto helper: %w", err)
		}
		m.crypto = helper
	}
	return m, nil
}

// Start verifies the access token, initializes encryption when configured,
// and starts the background sync loop that feeds the live timeline.
func (m *Matrix) Start(ctx context.Context) error {
	whoami, err := m.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify access token: %w", err)
	}
	if whoami.UserID != m.client.UserID {
		return fmt.Errorf("access token belongs to %s, config says %s", whoami.UserID, m.client.UserID)
	}
	m.log.Info().Str("user_id", whoami.UserID.String()).Msg("Authenticated with homeserver")

	if m.crypto != nil {
		if err = m.crypto.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize encryption: %w", err)
		}
		m.client.Crypto = m.crypto
		m.log.Info().Msg("End-to-end encryption initialized")
	}

	syncer := m.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		m.timeline.push(evt)
	})

	syncCtx, cancel := context.WithCancel(context.Background())
	m.stopSync = cancel
	go func() {
		if err := m.client.SyncWithContext(syncCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error().Err(err).Msg("Sync loop exited")
		}
	}()
	return nil
}

// Close stops the sync loop and releases crypto resources. Idempotent.
func (m *Matrix) Close() error {
	if m.stopSync != nil {
		m.stopSync()
		m.stopSync = nil
	}
	if m.crypto != nil {
		return m.crypto.Close()
	}
	return nil
}

func (m *Matrix) UserID() id.UserID {
	return m.client.UserID
}

func (m *Matrix) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	resp, err := m.client.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

func (m *Matrix) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := m.client.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	return resp.RoomID, nil
}

func (m *Matrix) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := m.client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to invite %s to %s: %w", userID, roomID, err)
	}
	return nil
}

func (m *Matrix) KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := m.client.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to kick %s from %s: %w", userID, roomID, err)
	}
	return nil
}

func (m *Matrix) BanUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := m.client.BanUser(ctx, roomID, &mautrix.ReqBanUser{UserID: userID, Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to ban %s from %s: %w", userID, roomID, err)
	}
	return nil
}

func (m *Matrix) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := m.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list joined rooms: %w", err)
	}
	return resp.JoinedRooms, nil
}

func (m *Matrix) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]Member, error) {
	resp, err := m.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", roomID, err)
	}
	members := make(map[id.UserID]Member, len(resp.Joined))
	for userID, member := range resp.Joined {
		members[userID] = Member{
			DisplayName: member.DisplayName,
			AvatarURL:   string(member.AvatarURL),
		}
	}
	return members, nil
}

func (m *Matrix) RoomName(ctx context.Context, roomID id.RoomID) (string, error) {
	var content event.RoomNameEventContent
	err := m.client.StateEvent(ctx, roomID, event.StateRoomName, "", &content)
	if errors.Is(err, mautrix.MNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read name of %s: %w", roomID, err)
	}
	return content.Name, nil
}

func (m *Matrix) RoomTopic(ctx context.Context, roomID id.RoomID) (string, error) {
	var content event.TopicEventContent
	err := m.client.StateEvent(ctx, roomID, event.StateTopic, "", &content)
	if errors.Is(err, mautrix.MNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read topic of %s: %w", roomID, err)
	}
	return content.Topic, nil
}

func (m *Matrix) PowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	var content event.PowerLevelsEventContent
	err := m.client.StateEvent(ctx, roomID, event.StatePowerLevels, "", &content)
	if err != nil {
		return nil, fmt.Errorf("failed to read power levels of %s: %w", roomID, err)
	}
	return &content, nil
}

func (m *Matrix) IsEncrypted(ctx context.Context, roomID id.RoomID) (bool, error) {
	var content event.EncryptionEventContent
	err := m.client.StateEvent(ctx, roomID, event.StateEncryption, "", &content)
	if errors.Is(err, mautrix.MNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read encryption state of %s: %w", roomID, err)
	}
	return true, nil
}

func (m *Matrix) CanDecrypt() bool {
	return m.crypto != nil
}

func (m *Matrix) RecentMessages(ctx context.Context, roomID id.RoomID, limit int) ([]*event.Event, error) {
	if events := m.timeline.recent(roomID, limit); len(events) > 0 {
		return events, nil
	}
	resp, err := m.client.Messages(ctx, roomID, "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history of %s: %w", roomID, err)
	}
	events := make([]*event.Event, 0, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		if evt.Type != event.EventMessage {
			continue
		}
		_ = evt.Content.ParseRaw(evt.Type)
		events = append(events, evt)
	}
	return events, nil
}

func (m *Matrix) DirectRooms(ctx context.Context) (map[id.UserID][]id.RoomID, error) {
	var content event.DirectChatsEventContent
	err := m.client.GetAccountData(ctx, event.AccountDataDirectChats.Type, &content)
	if errors.Is(err, mautrix.MNotFound) {
		return map[id.UserID][]id.RoomID{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read m.direct: %w", err)
	}
	return content, nil
}

func (m *Matrix) MarkDirect(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	direct, err := m.DirectRooms(ctx)
	if err != nil {
		return err
	}
	for _, existing := range direct[userID] {
		if existing == roomID {
			return nil
		}
	}
	direct[userID] = append(direct[userID], roomID)
	if err = m.client.SetAccountData(ctx, event.AccountDataDirectChats.Type, direct); err != nil {
		return fmt.Errorf("failed to update m.direct: %w", err)
	}
	return nil
}
