// Package identity maps a client's IP address to its hardware (MAC) address
// using the kernel's neighbor table.
//
// The lookup is best-effort: the table is refreshed by the kernel on its own
// schedule, so an entry can be missing or stale for a short time after a
// device joins or changes address. Resolve optionally pings the address
// first to coax the entry into the table, but cannot guarantee freshness.
package identity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnresolved is returned when no hardware address is known for an IP.
var ErrUnresolved = errors.New("could not determine MAC address")

const (
	// DefaultTablePath is the Linux ARP table.
	DefaultTablePath = "/proc/net/arp"

	zeroMAC = "00:00:00:00:00:00"
)

// Prober sends a reachability probe to an address.
type Prober interface {
	Probe(ctx context.Context, ip string) error
}

// PingProber probes with a single ICMP echo through the system ping binary.
type PingProber struct {
	Timeout time.Duration
}

// Probe runs `ping -c 1 -W 1 <ip>`. The exit status is irrelevant to the
// caller; only the side effect on the neighbor table matters.
func (p PingProber) Probe(ctx context.Context, ip string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return exec.CommandContext(ctx, "ping", "-c", "1", "-W", "1", ip).Run()
}

// Config configures a Resolver.
type Config struct {
	TablePath string
	Probe     bool
}

// Resolver reads the neighbor table.
type Resolver struct {
	tablePath string
	prober    Prober
	logger    *zap.Logger
}

// NewResolver creates a resolver. A nil prober disables probing even when
// cfg.Probe is set.
func NewResolver(cfg Config, prober Prober, logger *zap.Logger) *Resolver {
	if cfg.TablePath == "" {
		cfg.TablePath = DefaultTablePath
	}
	if !cfg.Probe {
		prober = nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		tablePath: cfg.TablePath,
		prober:    prober,
		logger:    logger,
	}
}

// Resolve returns the lower-case MAC address of ip.
func (r *Resolver) Resolve(ctx context.Context, ip string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("%w: invalid address %q", ErrUnresolved, ip)
	}
	ip = parsed.String()

	if r.prober != nil {
		if err := r.prober.Probe(ctx, ip); err != nil {
			r.logger.Debug("reachability probe failed", zap.String("ip", ip), zap.Error(err))
		}
	}

	entries, err := r.read()
	if err != nil {
		r.logger.Warn("failed to read neighbor table", zap.String("path", r.tablePath), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
	}

	for _, e := range entries {
		if e.ip == ip {
			return e.mac, nil
		}
	}
	return "", fmt.Errorf("%w for %s", ErrUnresolved, ip)
}

// Lookup is the reverse of Resolve: it returns the IP currently mapped to
// mac, or ErrUnresolved.
func (r *Resolver) Lookup(ctx context.Context, mac string) (string, error) {
	entries, err := r.read()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
	}

	mac = strings.ToLower(strings.TrimSpace(mac))
	for _, e := range entries {
		if e.mac == mac {
			return e.ip, nil
		}
	}
	return "", fmt.Errorf("%w for %s", ErrUnresolved, mac)
}

type entry struct {
	ip  string
	mac string
}

func (r *Resolver) read() ([]entry, error) {
	f, err := os.Open(r.tablePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseTable(f)
}

// parseTable parses /proc/net/arp:
//
//	IP address       HW type     Flags       HW address            Mask     Device
//	192.168.1.20     0x1         0x2         aa:bb:cc:dd:ee:ff     *        wlan0
//
// Incomplete entries carry the all-zero address and are skipped.
func parseTable(rd io.Reader) ([]entry, error) {
	var entries []entry

	sc := bufio.NewScanner(rd)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		mac := strings.ToLower(fields[3])
		if mac == zeroMAC {
			continue
		}
		entries = append(entries, entry{ip: fields[0], mac: mac})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
