package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// OpenNDSConfig holds the configuration for an OpenWrt router running
// OpenNDS.
type OpenNDSConfig struct {
	Address        string        // Router SSH address (e.g., "192.168.1.1")
	Port           int           // SSH port (default: 22)
	Username       string        // SSH username (usually "root")
	Password       string        // SSH password
	PrivateKey     string        // SSH private key (alternative to password)
	KnownHostsFile string        // Host key verification; empty accepts any key
	AuthTimeout    int           // Session timeout in seconds (0 = use OpenNDS default)
	CommandTimeout time.Duration // Bound on one ndsctl round trip (default: 5s)
}

// OpenNDSEnactor admits and revokes devices with ndsctl over SSH.
type OpenNDSEnactor struct {
	config    OpenNDSConfig
	sshConfig *ssh.ClientConfig
	logger    *zap.Logger
}

// NewOpenNDSEnactor creates a new OpenWrt/OpenNDS enactor.
func NewOpenNDSEnactor(config OpenNDSConfig, logger *zap.Logger) (*OpenNDSEnactor, error) {
	if config.Port == 0 {
		config.Port = 22
	}
	if config.Username == "" {
		config.Username = "root"
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var authMethods []ssh.AuthMethod

	if config.Password != "" {
		authMethods = append(authMethods, ssh.Password(config.Password))
	}

	if config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method provided (password or private key required)")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsFile != "" {
		cb, err := knownhosts.New(config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.CommandTimeout,
	}

	return &OpenNDSEnactor{
		config:    config,
		sshConfig: sshConfig,
		logger:    logger,
	}, nil
}

// Admit authenticates a MAC address in OpenNDS.
func (e *OpenNDSEnactor) Admit(ctx context.Context, deviceID string) error {
	mac, err := NormalizeMAC(deviceID)
	if err != nil {
		return err
	}

	// ndsctl auth <mac> [timeout_in_seconds]
	cmd := fmt.Sprintf("ndsctl auth %s", mac)
	if e.config.AuthTimeout > 0 {
		cmd = fmt.Sprintf("ndsctl auth %s %d", mac, e.config.AuthTimeout)
	}

	output, runErr := e.runSSHCommand(ctx, cmd)
	if err := authError(mac, output, runErr); err != nil {
		return err
	}

	if classifyNDSOutput(output, runErr) == ndsAlreadyAuthenticated {
		e.logger.Info("MAC already authorized", zap.String("mac", mac))
	} else {
		e.logger.Info("MAC authorized", zap.String("mac", mac))
	}
	return nil
}

// Revoke deauthenticates a MAC address. Unknown clients count as revoked.
func (e *OpenNDSEnactor) Revoke(ctx context.Context, deviceID string) error {
	mac, err := NormalizeMAC(deviceID)
	if err != nil {
		return err
	}

	output, runErr := e.runSSHCommand(ctx, fmt.Sprintf("ndsctl deauth %s", mac))
	if err := deauthError(output, runErr); err != nil {
		return err
	}

	if classifyNDSOutput(output, runErr) == ndsClientNotFound {
		e.logger.Info("MAC not found (already deauthorized)", zap.String("mac", mac))
	} else {
		e.logger.Info("MAC deauthorized", zap.String("mac", mac))
	}
	return nil
}

// ndsResult is what an ndsctl auth or deauth call reported.
type ndsResult int

const (
	ndsOK ndsResult = iota
	ndsAlreadyAuthenticated
	ndsClientNotFound
	ndsFailed
)

// classifyNDSOutput reads ndsctl output first and the exit status second:
// ndsctl exits non-zero for clients it does not know.
func classifyNDSOutput(output string, runErr error) ndsResult {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "already authenticated"):
		return ndsAlreadyAuthenticated
	case strings.Contains(lower, "not found"):
		return ndsClientNotFound
	case runErr != nil:
		return ndsFailed
	}
	return ndsOK
}

func authError(mac, output string, runErr error) error {
	switch classifyNDSOutput(output, runErr) {
	case ndsClientNotFound:
		// Not associated with the access point yet.
		return fmt.Errorf("client %s not connected to WiFi network", mac)
	case ndsFailed:
		return fmt.Errorf("failed to authorize MAC: %w", runErr)
	}
	return nil
}

func deauthError(output string, runErr error) error {
	if runErr != nil && classifyNDSOutput(output, runErr) != ndsClientNotFound {
		return fmt.Errorf("failed to deauthorize MAC: %w", runErr)
	}
	return nil
}

// TestConnection checks that OpenNDS answers on the router.
func (e *OpenNDSEnactor) TestConnection(ctx context.Context) error {
	output, err := e.runSSHCommand(ctx, "ndsctl status")
	if err == nil && (strings.Contains(output, "openNDS") || strings.Contains(output, "Version")) {
		return nil
	}

	output, err = e.runSSHCommand(ctx, "pgrep opennds || pgrep nodogsplash")
	if err == nil && strings.TrimSpace(output) != "" {
		return nil
	}

	return fmt.Errorf("OpenNDS does not appear to be running")
}

// runSSHCommand executes a command on the router via SSH. The returned
// output is valid even when the command exited non-zero.
func (e *OpenNDSEnactor) runSSHCommand(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.CommandTimeout)
	defer cancel()

	addr := net.JoinHostPort(e.config.Address, fmt.Sprintf("%d", e.config.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("SSH connection failed: %w", err)
	}
	// Closing the socket aborts the handshake or the command once ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, e.sshConfig)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("SSH handshake failed: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(cmd)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return string(output), fmt.Errorf("command %q: %w", cmd, ctxErr)
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return string(output), fmt.Errorf("command %q exited with status %d", cmd, exitErr.ExitStatus())
	}
	if err != nil {
		return string(output), fmt.Errorf("command failed: %w", err)
	}

	return string(output), nil
}
