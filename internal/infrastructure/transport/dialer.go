package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ReconnectPolicy controls the dialer's backoff: exponential from BaseDelay
// doubling to MaxDelay, giving up after MaxAttempts consecutive failures.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultReconnectPolicy matches the protocol defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Dialer maintains an outbound connection to an exchange, reconnecting with
// backoff on unexpected closes. Agents and remote-exchange links both use it.
type Dialer struct {
	url       string
	handler   Handler
	cfg       Config
	policy    ReconnectPolicy
	logger    *zap.Logger
	onConnect func(*Session)

	mu      sync.Mutex
	session *Session
	closed  bool
}

// NewDialer creates a dialer for the given websocket URL. onConnect runs
// after each successful connect (typically to send the register frame).
func NewDialer(url string, handler Handler, cfg Config, policy ReconnectPolicy, onConnect func(*Session), logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		url:       url,
		handler:   handler,
		cfg:       cfg,
		policy:    policy,
		logger:    logger,
		onConnect: onConnect,
	}
}

// Run connects and keeps the link alive until ctx is done, the dialer is
// closed, or the reconnect attempts are exhausted.
func (d *Dialer) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil
		}
		d.mu.Unlock()

		session, err := d.connect(ctx)
		if err != nil {
			attempt++
			if attempt >= d.policy.MaxAttempts {
				d.logger.Error("reconnect attempts exhausted",
					zap.String("url", d.url),
					zap.Int("attempts", attempt),
				)
				return err
			}
			delay := d.backoff(attempt)
			d.logger.Warn("dial failed, backing off",
				zap.String("url", d.url),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		if d.onConnect != nil {
			d.onConnect(session)
		}

		// Block until the session dies.
		<-session.done

		if session.Intentional() {
			return nil
		}
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return nil
		}
		attempt = 1
		delay := d.backoff(attempt)
		d.logger.Info("connection lost, reconnecting",
			zap.String("url", d.url),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (d *Dialer) connect(ctx context.Context) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, d.url, nil)
	if err != nil {
		return nil, err
	}

	s := NewSession(conn, d.handler, d.cfg, d.logger)
	d.mu.Lock()
	d.session = s
	d.mu.Unlock()
	s.Start()
	return s, nil
}

func (d *Dialer) backoff(attempt int) time.Duration {
	delay := d.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.policy.MaxDelay {
			return d.policy.MaxDelay
		}
	}
	if delay > d.policy.MaxDelay {
		delay = d.policy.MaxDelay
	}
	return delay
}

// Session returns the current session, which may be nil between connects.
func (d *Dialer) Session() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Close tears the link down intentionally; Run returns without reconnecting.
func (d *Dialer) Close() {
	d.mu.Lock()
	d.closed = true
	s := d.session
	d.mu.Unlock()
	if s != nil {
		_ = s.Close(true)
	}
}
