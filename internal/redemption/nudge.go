package redemption

import (
	"context"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Lookup finds the current IP of a device.
type Lookup interface {
	Lookup(ctx context.Context, deviceID string) (string, error)
}

// HTTPNudger sends one plain HTTP request to a newly admitted device. Phones
// and laptops re-check connectivity when traffic from the gateway arrives,
// which closes the captive portal sheet sooner.
type HTTPNudger struct {
	client  *resty.Client
	lookup  Lookup
	port    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewHTTPNudger creates a nudger. lookup may be nil, in which case the
// redemption request's address is used as is.
func NewHTTPNudger(lookup Lookup, timeout time.Duration, logger *zap.Logger) *HTTPNudger {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetRedirectPolicy(resty.NoRedirectPolicy())

	return &HTTPNudger{
		client:  client,
		lookup:  lookup,
		port:    "80",
		timeout: timeout,
		logger:  logger,
	}
}

// Nudge fires the request in the background and forgets about it.
func (n *HTTPNudger) Nudge(deviceID, ip string) {
	go n.nudge(deviceID, ip)
}

func (n *HTTPNudger) nudge(deviceID, ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*n.timeout)
	defer cancel()

	if n.lookup != nil {
		if current, err := n.lookup.Lookup(ctx, deviceID); err == nil {
			ip = current
		}
	}
	if ip == "" {
		return
	}

	_, err := n.client.R().SetContext(ctx).Get("http://" + net.JoinHostPort(ip, n.port))
	if err != nil {
		n.logger.Debug("could not nudge client", zap.String("mac", deviceID), zap.String("ip", ip), zap.Error(err))
		return
	}
	n.logger.Debug("client nudged", zap.String("mac", deviceID), zap.String("ip", ip))
}
