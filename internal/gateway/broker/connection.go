package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signalbridge/internal/logger"
	"signalbridge/internal/scheduler"
	"signalbridge/internal/types"
)

// Venue is a Broker whose session can be managed.
type Venue interface {
	Broker
	Connector
}

type cacheClearer interface {
	ClearCache()
}

type ConnectionConfig struct {
	HealthCheckInterval time.Duration
	RetryDelay          time.Duration
	// MaxAttempts 连续重连失败上限，0 表示无限重试。
	MaxAttempts int
}

// ConnectionStatus is a point-in-time view for operators.
type ConnectionStatus struct {
	Venue       string    `json:"venue"`
	Connected   bool      `json:"connected"`
	Attempts    int       `json:"connection_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Symbols     int       `json:"symbols"`
}

// Connection supervises a venue session: it health-checks on an interval,
// reconnects with a growing delay and republishes the symbol list after
// every successful (re)connect.
type Connection struct {
	venue Venue
	cfg   ConnectionConfig

	mu          sync.Mutex
	attempts    int
	lastErr     error
	connectedAt time.Time
	symbols     []string
	listeners   []func([]string)
	sleep       func(ctx context.Context, d time.Duration) bool
}

func NewConnection(venue Venue, cfg ConnectionConfig) *Connection {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Connection{venue: venue, cfg: cfg, sleep: sleepCtx}
}

// OnSymbols registers a listener for the venue's symbol list.
func (c *Connection) OnSymbols(fn func([]string)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Start performs the initial connect, retrying up to MaxAttempts times.
func (c *Connection) Start(ctx context.Context) error {
	return c.reconnect(ctx)
}

// Run health-checks until ctx is done. It returns a ConnectionFailure only
// when reconnect attempts are exhausted.
func (c *Connection) Run(ctx context.Context) error {
	sched := scheduler.New("broker-health", c.cfg.HealthCheckInterval)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var fatal error
	_ = sched.Run(runCtx, func(ctx context.Context) {
		if err := c.Check(ctx); errors.Is(err, types.ErrConnection) {
			fatal = err
			cancel()
		}
	})
	return fatal
}

// Check pings the venue and reconnects when the ping fails.
func (c *Connection) Check(ctx context.Context) error {
	err := c.venue.Ping(ctx)
	if err == nil {
		return nil
	}
	logger.Warnf("[broker] %s health check failed: %v", c.venue.Name(), err)
	c.setErr(err)
	return c.reconnect(ctx)
}

func (c *Connection) reconnect(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.cfg.MaxAttempts > 0 && c.attempts >= c.cfg.MaxAttempts {
			attempts, lastErr := c.attempts, c.lastErr
			c.mu.Unlock()
			logger.Errorf("[broker] %s: max reconnection attempts (%d) reached", c.venue.Name(), attempts)
			return types.ConnectionFailure(fmt.Sprintf("%s unreachable after %d attempts", c.venue.Name(), attempts), lastErr)
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > 1 {
			if !c.sleep(ctx, c.backoff(attempt)) {
				return ctx.Err()
			}
		}
		err := c.venue.Connect(ctx)
		if err == nil {
			c.onConnected(ctx, attempt)
			return nil
		}
		c.setErr(err)
		logger.Warnf("[broker] %s connect attempt %d failed: %v", c.venue.Name(), attempt, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Connection) backoff(attempt int) time.Duration {
	d := c.cfg.RetryDelay * time.Duration(attempt-1)
	if max := 12 * c.cfg.RetryDelay; d > max {
		d = max
	}
	return d
}

func (c *Connection) onConnected(ctx context.Context, attempt int) {
	if cc, ok := c.venue.(cacheClearer); ok {
		cc.ClearCache()
	}
	symbols, err := c.venue.AvailableSymbols(ctx)
	if err != nil {
		logger.Warnf("[broker] %s symbols unavailable after connect: %v", c.venue.Name(), err)
	}

	c.mu.Lock()
	c.attempts = 0
	c.lastErr = nil
	c.connectedAt = time.Now().UTC()
	if err == nil {
		c.symbols = symbols
	}
	listeners := append([]func([]string){}, c.listeners...)
	c.mu.Unlock()

	logger.Infof("[broker] %s connected (attempt %d), %d symbols", c.venue.Name(), attempt, len(symbols))
	if err != nil || len(symbols) == 0 {
		return
	}
	for _, fn := range listeners {
		fn(symbols)
	}
}

func (c *Connection) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Disconnect closes the venue session.
func (c *Connection) Disconnect(ctx context.Context) error {
	return c.venue.Disconnect(ctx)
}

func (c *Connection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ConnectionStatus{
		Venue:       c.venue.Name(),
		Connected:   c.venue.IsConnected(),
		Attempts:    c.attempts,
		ConnectedAt: c.connectedAt,
		Symbols:     len(c.symbols),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
