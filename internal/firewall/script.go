package firewall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ScriptConfig configures local admit/revoke commands. The normalized MAC
// address is appended as the last argument, e.g.
// ["sudo", "/opt/portal/actions/allow_mac.sh"].
type ScriptConfig struct {
	AdmitCommand  []string
	RevokeCommand []string
	Timeout       time.Duration // default: 5s
}

// ScriptEnactor runs local executables, typically iptables wrappers.
type ScriptEnactor struct {
	config ScriptConfig
	logger *zap.Logger
}

// NewScriptEnactor creates a script-driven enactor.
func NewScriptEnactor(config ScriptConfig, logger *zap.Logger) (*ScriptEnactor, error) {
	if len(config.AdmitCommand) == 0 || len(config.RevokeCommand) == 0 {
		return nil, errors.New("admit and revoke commands are required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptEnactor{config: config, logger: logger}, nil
}

// Admit runs the admit command for deviceID.
func (e *ScriptEnactor) Admit(ctx context.Context, deviceID string) error {
	mac, err := NormalizeMAC(deviceID)
	if err != nil {
		return err
	}
	if err := e.run(ctx, e.config.AdmitCommand, mac); err != nil {
		return fmt.Errorf("failed to whitelist MAC address: %w", err)
	}
	e.logger.Info("MAC whitelisted", zap.String("mac", mac))
	return nil
}

// Revoke runs the revoke command for deviceID. The command must treat an
// unknown MAC as success.
func (e *ScriptEnactor) Revoke(ctx context.Context, deviceID string) error {
	mac, err := NormalizeMAC(deviceID)
	if err != nil {
		return err
	}
	if err := e.run(ctx, e.config.RevokeCommand, mac); err != nil {
		return fmt.Errorf("failed to block MAC address: %w", err)
	}
	e.logger.Info("MAC blocked", zap.String("mac", mac))
	return nil
}

// TestConnection checks that both executables can be found.
func (e *ScriptEnactor) TestConnection(ctx context.Context) error {
	for _, cmd := range [][]string{e.config.AdmitCommand, e.config.RevokeCommand} {
		if _, err := exec.LookPath(cmd[0]); err != nil {
			return fmt.Errorf("firewall command %q: %w", cmd[0], err)
		}
	}
	return nil
}

func (e *ScriptEnactor) run(ctx context.Context, command []string, mac string) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	args := append(append([]string{}, command[1:]...), mac)
	cmd := exec.CommandContext(ctx, command[0], args...)
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s timed out after %s", command[0], e.config.Timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", command[0], err, msg)
		}
		return fmt.Errorf("%s: %w", command[0], err)
	}
	return nil
}
