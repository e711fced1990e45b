package capability

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Probe checks one capability. A nil error means available; an error wrapping
// ErrDegraded means reachable but impaired; anything else means unavailable.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// Telegram probe modes.
const (
	ProbeModeSkip    = "skip"
	ProbeModeGetMe   = "getme"
	ProbeModeWebhook = "webhook"
)

const certExpiryWarning = 14 * 24 * time.Hour

// MongoProbe pings the primary.
type MongoProbe struct {
	client *mongo.Client
}

func NewMongoProbe(client *mongo.Client) *MongoProbe {
	return &MongoProbe{client: client}
}

func (p *MongoProbe) Name() string { return CapabilityMongo }

func (p *MongoProbe) Check(ctx context.Context) error {
	return p.client.Ping(ctx, readpref.Primary())
}

// RedisProbe pings the queue/cache backend.
type RedisProbe struct {
	client redis.UniversalClient
}

func NewRedisProbe(client redis.UniversalClient) *RedisProbe {
	return &RedisProbe{client: client}
}

func (p *RedisProbe) Name() string { return CapabilityRedis }

func (p *RedisProbe) Check(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// BotChecker is the Telegram client surface the probe needs.
type BotChecker interface {
	CheckToken(ctx context.Context) error
}

// TelegramProbe verifies the Telegram side per the configured mode: skip
// everything, call getMe with the active bot token, or inspect the public
// webhook endpoint's TLS certificate.
type TelegramProbe struct {
	mode       string
	webhookURL string
	checker    BotChecker
	dial       func(ctx context.Context, addr string) (*tls.Conn, error)
}

func NewTelegramProbe(mode, webhookURL string, checker BotChecker) *TelegramProbe {
	if mode == "" {
		mode = ProbeModeGetMe
	}

	return &TelegramProbe{
		mode:       mode,
		webhookURL: webhookURL,
		checker:    checker,
		dial: func(ctx context.Context, addr string) (*tls.Conn, error) {
			dialer := &tls.Dialer{}

			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}

			return conn.(*tls.Conn), nil
		},
	}
}

func (p *TelegramProbe) Name() string { return CapabilityTelegram }

func (p *TelegramProbe) Check(ctx context.Context) error {
	switch p.mode {
	case ProbeModeSkip:
		return nil
	case ProbeModeWebhook:
		return p.checkWebhookEndpoint(ctx)
	default:
		if p.checker == nil {
			return fmt.Errorf("%w: no bot token configured", ErrDegraded)
		}

		return p.checker.CheckToken(ctx)
	}
}

// checkWebhookEndpoint dials the configured webhook URL and inspects its TLS
// certificate: a non-https URL or a failed handshake is unavailable, a
// certificate expiring within two weeks is degraded.
func (p *TelegramProbe) checkWebhookEndpoint(ctx context.Context) error {
	parsed, err := url.Parse(p.webhookURL)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		return fmt.Errorf("webhook url %q is not https", p.webhookURL)
	}

	addr := parsed.Host
	if parsed.Port() == "" {
		addr = net.JoinHostPort(parsed.Hostname(), "443")
	}

	conn, err := p.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return fmt.Errorf("no peer certificate from %s", addr)
	}

	expiresIn := time.Until(certs[0].NotAfter)
	if expiresIn < certExpiryWarning {
		return fmt.Errorf("%w: endpoint certificate expires in %s", ErrDegraded, expiresIn.Round(time.Hour))
	}

	return nil
}

// FuncProbe adapts a plain function, used for in-process capabilities like
// the event bus.
type FuncProbe struct {
	name  string
	check func(ctx context.Context) error
}

func NewFuncProbe(name string, check func(ctx context.Context) error) *FuncProbe {
	return &FuncProbe{name: name, check: check}
}

func (p *FuncProbe) Name() string { return p.name }

func (p *FuncProbe) Check(ctx context.Context) error {
	if p.check == nil {
		return nil
	}

	return p.check(ctx)
}
