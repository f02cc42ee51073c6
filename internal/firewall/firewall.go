// Package firewall drives the gateway's admission layer: it lets devices
// onto the network and takes them off again.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDevice is returned for device identifiers that are not MAC
// addresses.
var ErrInvalidDevice = errors.New("invalid device identifier")

// Enactor defines the interface for WiFi access control.
type Enactor interface {
	// Admit allows a device to access the internet.
	Admit(ctx context.Context, deviceID string) error

	// Revoke removes a device's access. Revoking a device that is not
	// admitted succeeds.
	Revoke(ctx context.Context, deviceID string) error

	// TestConnection checks that the enforcement layer is reachable.
	TestConnection(ctx context.Context) error
}

// NoopEnactor is a no-op enactor for development or when no gateway is
// configured.
type NoopEnactor struct{}

// Admit does nothing.
func (NoopEnactor) Admit(ctx context.Context, deviceID string) error {
	return nil
}

// Revoke does nothing.
func (NoopEnactor) Revoke(ctx context.Context, deviceID string) error {
	return nil
}

// TestConnection always succeeds.
func (NoopEnactor) TestConnection(ctx context.Context) error {
	return nil
}

// NormalizeMAC converts a MAC address to lowercase colon-separated format.
// Addresses that do not have 12 hex digits are rejected, which also keeps
// arbitrary strings out of command lines.
func NormalizeMAC(mac string) (string, error) {
	raw := strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.TrimSpace(mac))
	raw = strings.ToLower(raw)

	if len(raw) != 12 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDevice, mac)
	}
	for _, c := range raw {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", fmt.Errorf("%w: %q", ErrInvalidDevice, mac)
		}
	}

	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		raw[0:2], raw[2:4], raw[4:6],
		raw[6:8], raw[8:10], raw[10:12]), nil
}
