// Copyright 2024-2026 Aiku AI

package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/communitybot/pkg/config"
	"github.com/aiku/communitybot/pkg/session"
)

// Sender sends into a room with an encryption warm-up. A message sent right
// after a room turns encrypted can be undecryptable because key material has
// not reached the recipient yet, and the protocol gives no acknowledgment
// that it has. Best effort: send a disposable hello, wait a settle delay,
// then send the real payload. Unencrypted rooms are sent to immediately.
type Sender struct {
	gw     session.Gateway
	hello  string
	settle time.Duration
	log    zerolog.Logger
}

// NewSender creates the encryption-aware sender.
func NewSender(gw session.Gateway, cfg config.SendConfig, log zerolog.Logger) *Sender {
	return &Sender{
		gw:     gw,
		hello:  cfg.HelloText,
		settle: time.Duration(cfg.SettleDelaySeconds) * time.Second,
		log:    log.With().Str("component", "sender").Logger(),
	}
}

// Deliver sends text into roomID, warming up first when the room is
// encrypted.
func (s *Sender) Deliver(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	encrypted, err := s.gw.IsEncrypted(ctx, roomID)
	if err != nil {
		// Unreadable state is treated as unencrypted; the send itself
		// will surface a real problem.
		s.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Failed to read encryption state")
		encrypted = false
	}
	if encrypted {
		if _, err = s.gw.SendText(ctx, roomID, s.hello); err != nil {
			return "", fmt.Errorf("failed to send warm-up message: %w", err)
		}
		if err = sleepCtx(ctx, s.settle); err != nil {
			return "", err
		}
	}
	eventID, err := s.gw.SendText(ctx, roomID, text)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return eventID, nil
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
