// Package notify bounds dashboard notifications to one per collection pass.
//
// A Pass collects "something changed" signals from the document scopes run
// inside it. When the pass ends, one best-effort GET is sent to the
// dashboard's ping endpoint if anything changed at all.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultPingURL is where the dashboard listens for update pings.
const DefaultPingURL = "http://127.0.0.1:9873/API/ping"

// Pass accumulates change signals for one collection pass.
type Pass struct {
	updates atomic.Int64
}

// Updated records that a document changed.
func (p *Pass) Updated() { p.updates.Add(1) }

// Updates returns the number of signals raised so far.
func (p *Pass) Updates() int64 { return p.updates.Load() }

// Config configures a Broadcaster.
type Config struct {
	// PingURL is the listener address. Default: DefaultPingURL.
	PingURL string
	// Timeout bounds the ping request. Default: 5s.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.PingURL == "" {
		c.PingURL = DefaultPingURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Broadcaster sends the end-of-pass ping.
type Broadcaster struct {
	client *http.Client
	config Config
	logger *slog.Logger
}

// New creates a Broadcaster.
func New(cfg Config, logger *slog.Logger) *Broadcaster {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

// Run calls fn with a fresh Pass and pings the listener afterwards if the
// pass raised at least one signal. The ping is sent even when fn fails;
// fn's error is returned unchanged and ping failures are only logged.
func (b *Broadcaster) Run(ctx context.Context, fn func(*Pass) error) error {
	p := &Pass{}
	defer func() {
		if n := p.Updates(); n > 0 {
			b.ping(ctx, n)
		}
	}()
	return fn(p)
}

func (b *Broadcaster) ping(ctx context.Context, updates int64) {
	// Sent even when the pass context is cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.Timeout)
	defer cancel()

	err := b.send(ctx)
	if err != nil {
		b.logger.Warn("notify: ping failed", "url", b.config.PingURL, "updates", updates, "error", err)
		return
	}
	b.logger.Debug("notify: pinged", "url", b.config.PingURL, "updates", updates)
}

func (b *Broadcaster) send(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.PingURL, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}
