package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"beacon/cmd/internal/credential"
	"beacon/cmd/internal/metrics"
	v1 "beacon/shared/contracts/monitor/v1"
)

// State is the channel connection state.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Warning is delivered to subscribers for every expiry countdown frame.
type Warning struct {
	TimeRemainingSeconds float64
	ShouldRefresh        bool
	Message              string
}

// Config tunes the channel.
type Config struct {
	// LowWaterSeconds is the countdown threshold under which a frame with
	// call_refresh set triggers an immediate refresh.
	LowWaterSeconds float64

	// ReconnectBase is the backoff base; the delay before retry k is
	// ReconnectBase << k.
	ReconnectBase time.Duration

	// MaxReconnectAttempts bounds consecutive failed attempts before the
	// session is terminated.
	MaxReconnectAttempts int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LowWaterSeconds:      120,
		ReconnectBase:        time.Second,
		MaxReconnectAttempts: 5,
	}
}

// CredentialSource provides the credential used to authenticate the
// handshake. Reconnects re-read it, so a refresh that happened while the
// channel was down is picked up automatically.
type CredentialSource interface {
	Load(ctx context.Context) (*credential.Credential, error)
}

// Hooks bind the channel to the session controller.
//
// Refresh is invoked directly when a warning frame crosses the low-water
// mark; Terminate is invoked when the reconnect policy is exhausted.
type Hooks struct {
	Refresh   func(ctx context.Context) bool
	Terminate func()
}

// stopper is a cancellation handle for a scheduled reconnect.
type stopper interface {
	Stop() bool
}

// Channel is the process-wide live push channel. Construct exactly one
// per session; see the package comment for lifetime rules.
type Channel struct {
	cfg    Config
	creds  CredentialSource
	dialer Dialer
	hooks  Hooks
	log    *slog.Logger

	mu         sync.Mutex
	state      State
	gen        uint64 // bumped on Disconnect; detaches stale read loops
	attempt    int
	closed     bool // user-initiated close; suppresses queued reconnects
	transport  Transport
	readCancel context.CancelFunc
	reconnect  stopper

	warnFns []func(Warning)
	errFns  []func(error)

	// schedule is the reconnect timer factory (swapped in tests).
	schedule func(d time.Duration, fn func()) stopper
}

// NewChannel constructs a Channel. log may be nil.
func NewChannel(cfg Config, creds CredentialSource, dialer Dialer, hooks Hooks, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.LowWaterSeconds <= 0 {
		cfg.LowWaterSeconds = def.LowWaterSeconds
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return &Channel{
		cfg:    cfg,
		creds:  creds,
		dialer: dialer,
		hooks:  hooks,
		log:    log,
		state:  StateIdle,
		schedule: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnWarning registers a warning subscriber. Subscribers accumulate;
// Disconnect is the only thing that clears them.
func (c *Channel) OnWarning(fn func(Warning)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.warnFns = append(c.warnFns, fn)
	c.mu.Unlock()
}

// OnError registers a transport-error subscriber.
func (c *Channel) OnError(fn func(error)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.errFns = append(c.errFns, fn)
	c.mu.Unlock()
}

// Connect opens the push channel using cred, or the stored credential
// when cred is nil.
//
// It is idempotent while a connection attempt or an open transport
// exists: such calls return immediately without dialing a second
// transport. Dial failures are not returned; they surface as error
// events and drive the reconnect policy. The only error returned is
// ErrNoCredential.
func (c *Channel) Connect(ctx context.Context, cred *credential.Credential) error {
	return c.connect(ctx, cred, false)
}

func (c *Channel) connect(ctx context.Context, cred *credential.Credential, viaReconnect bool) error {
	c.mu.Lock()
	if viaReconnect && c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	if !viaReconnect {
		c.closed = false
		c.stopReconnectLocked()
	}
	c.setStateLocked(StateConnecting)
	gen := c.gen
	c.mu.Unlock()

	if cred == nil {
		loaded, err := c.creds.Load(ctx)
		if err != nil || loaded == nil {
			if err != nil {
				c.log.Error("channel.credential.load.fail", "err", err)
			}
			c.failAttempt(gen, viaReconnect)
			return ErrNoCredential
		}
		cred = loaded
	}

	t, err := c.dialer.Dial(ctx, cred.AccessToken)

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// Disconnect raced the dial; discard whatever we got.
		c.mu.Unlock()
		if err == nil {
			_ = t.Close()
		}
		return nil
	}
	if err != nil {
		errFns := append([]func(error){}, c.errFns...)
		c.setStateLocked(StateClosed)
		exhausted := c.scheduleReconnectLocked()
		c.mu.Unlock()

		c.log.Warn("channel.dial.fail", "err", err, "token_fp", credential.Fingerprint(cred.AccessToken))
		for _, fn := range errFns {
			fn(err)
		}
		if exhausted {
			c.giveUp()
		}
		return nil
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.transport = t
	c.readCancel = cancel
	c.attempt = 0
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	c.log.Info("channel.open", "token_fp", credential.Fingerprint(cred.AccessToken))
	go c.readLoop(readCtx, gen, t)
	return nil
}

// Disconnect closes the channel deliberately: the read loop is detached
// before the transport closes (so no reconnect fires from our own close),
// any queued reconnect is cancelled, the attempt counter resets, and all
// subscribers are cleared. Safe to call when already closed.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	c.setStateLocked(StateClosing)
	c.stopReconnectLocked()
	t := c.transport
	c.transport = nil
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	c.attempt = 0
	c.warnFns = nil
	c.errFns = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
		c.log.Info("channel.closed")
	}
}

// ---- read path ----

func (c *Channel) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			c.onReadError(gen, err)
			return
		}

		frame, ferr := v1.DecodeFrame(data)
		if ferr != nil {
			metrics.FramesDiscardedTotal.Inc()
			c.log.Warn("channel.frame.discard", "err", ferr)
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Channel) handleFrame(ctx context.Context, f v1.Frame) {
	if !f.HasRemaining() {
		if f.Message != "" {
			c.log.Info("channel.message", "message", f.Message)
		}
		return
	}

	rem := f.Remaining()
	w := Warning{
		TimeRemainingSeconds: rem,
		ShouldRefresh:        f.CallRefresh && rem <= c.cfg.LowWaterSeconds,
		Message:              f.Message,
	}

	c.mu.Lock()
	warnFns := append([]func(Warning){}, c.warnFns...)
	c.mu.Unlock()

	for _, fn := range warnFns {
		fn(w)
	}

	// First responder: refresh now rather than waiting for a subscriber
	// to observe the warning.
	if w.ShouldRefresh && c.hooks.Refresh != nil {
		c.log.Info("channel.refresh.proactive", "remaining_s", rem)
		c.hooks.Refresh(ctx)
	}
}

func (c *Channel) onReadError(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateOpen {
		// Deliberate close; this loop was already detached.
		c.mu.Unlock()
		return
	}
	c.transport = nil
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	errFns := append([]func(error){}, c.errFns...)
	c.setStateLocked(StateClosed)
	exhausted := c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.log.Warn("channel.read.fail", "err", err)
	for _, fn := range errFns {
		fn(err)
	}
	if exhausted {
		c.giveUp()
	}
}

// ---- reconnect policy ----

// failAttempt handles a pre-dial failure (missing credential).
func (c *Channel) failAttempt(gen uint64, viaReconnect bool) {
	var exhausted bool

	c.mu.Lock()
	if c.gen == gen && c.state == StateConnecting {
		c.setStateLocked(StateClosed)
		if viaReconnect {
			exhausted = c.scheduleReconnectLocked()
		}
	}
	c.mu.Unlock()

	if exhausted {
		c.giveUp()
	}
}

// scheduleReconnectLocked queues the next attempt, or reports exhaustion.
// Caller holds c.mu.
func (c *Channel) scheduleReconnectLocked() (exhausted bool) {
	if c.closed {
		return false
	}
	if c.attempt >= c.cfg.MaxReconnectAttempts {
		return true
	}

	delay := c.cfg.ReconnectBase << uint(c.attempt)
	c.attempt++
	metrics.ReconnectTotal.Inc()
	c.log.Info("channel.reconnect.scheduled", "attempt", c.attempt, "delay", delay)

	c.reconnect = c.schedule(delay, func() {
		_ = c.connect(context.Background(), nil, true)
	})
	return false
}

func (c *Channel) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// giveUp escalates an unreachable channel to a dead session.
func (c *Channel) giveUp() {
	c.log.Error("channel.reconnect.exhausted", "max_attempts", c.cfg.MaxReconnectAttempts)
	if c.hooks.Terminate != nil {
		c.hooks.Terminate()
	}
}

func (c *Channel) setStateLocked(s State) {
	c.state = s
	metrics.ChannelState.Set(float64(s))
}
