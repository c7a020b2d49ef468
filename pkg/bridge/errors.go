// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured means the bridge bot address or admin room is
	// missing from the configuration. Bridge deliveries are unavailable;
	// everything else keeps working.
	ErrNotConfigured = errors.New("bridge is not configured")

	// ErrResolutionFailed means the phone number could not be mapped to a
	// bridged address. The user may not be reachable on the bridged network.
	ErrResolutionFailed = errors.New("phone resolution failed")

	// ErrRoomDiscoveryTimeout means the bridge produced no discoverable
	// room for the target within the retry budget.
	ErrRoomDiscoveryTimeout = errors.New("no bridge room appeared within the retry budget")

	// ErrEncryptedBridgeRoom means the bridge admin room is encrypted and
	// the local session cannot decrypt, so bot replies are unreadable.
	// Distinct from a resolution miss: the operator has to either enable
	// encryption support or unencrypt the admin room.
	ErrEncryptedBridgeRoom = errors.New("bridge admin room is encrypted and local decryption is unavailable")
)

// FallbackError reports a delivery where both the bridge room path and the
// ephemeral fallback room path failed.
type FallbackError struct {
	Primary  error
	Fallback error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("bridge delivery failed: %v; fallback room delivery also failed: %v", e.Primary, e.Fallback)
}

func (e *FallbackError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}
