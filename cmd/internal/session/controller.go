package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"beacon/cmd/internal/authority"
	"beacon/cmd/internal/credential"
	"beacon/cmd/internal/metrics"
)

// State is the controller's lifecycle state.
type State uint8

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateRefreshing
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Authority is the slice of the remote authority the controller needs.
type Authority interface {
	Login(ctx context.Context, username, password string) (authority.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (authority.TokenPair, error)
	Check(ctx context.Context, accessToken string) (authority.Validity, error)
	Logout(ctx context.Context, accessToken string) error
}

// CredentialStore is the slice of the credential store the controller needs.
type CredentialStore interface {
	Load(ctx context.Context) (*credential.Credential, error)
	Save(ctx context.Context, cred credential.Credential, id credential.Identity) error
	SaveCredential(ctx context.Context, cred credential.Credential) error
	Clear(ctx context.Context)
}

// Channel is the push channel lifecycle the controller drives.
type Channel interface {
	Connect(ctx context.Context, cred *credential.Credential) error
	Disconnect()
}

// Controller orchestrates the session lifecycle. It is the sole writer of
// the stored credential.
type Controller struct {
	cfg   Config
	store CredentialStore
	auth  Authority
	hc    *http.Client
	log   *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	state      State
	epoch      uint64 // bumped on terminate; stale refreshes discard their result
	channel    Channel
	loopCancel context.CancelFunc
	signOutFns []func()

	now func() time.Time
}

// New constructs a Controller. log may be nil; hc may be nil for the
// default HTTP client.
func New(cfg Config, store CredentialStore, auth Authority, hc *http.Client, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.HighWaterSeconds <= 0 {
		cfg.HighWaterSeconds = def.HighWaterSeconds
	}
	return &Controller{
		cfg:   cfg,
		store: store,
		auth:  auth,
		hc:    hc,
		log:   log,
		state: StateAnonymous,
		now:   time.Now,
	}
}

// AttachChannel binds the push channel. Call before Initialize or Login.
func (c *Controller) AttachChannel(ch Channel) {
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
}

// OnSignOut registers a callback fired after every termination. The UI
// boundary uses this to navigate to the unauthenticated state; the claims
// verifier uses it to drop its cache.
func (c *Controller) OnSignOut(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.signOutFns = append(c.signOutFns, fn)
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize resumes a stored session if one exists: transitions to
// Authenticated, connects the push channel, and starts the periodic check
// loop. A no-op when the store is empty.
func (c *Controller) Initialize(ctx context.Context) error {
	cred, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		c.log.Info("session.init.anonymous")
		return nil
	}

	c.mu.Lock()
	if c.state != StateAnonymous {
		c.mu.Unlock()
		return nil
	}
	c.state = StateAuthenticated
	ch := c.channel
	c.startLoopLocked()
	c.mu.Unlock()

	c.log.Info("session.init.resumed", "token_fp", credential.Fingerprint(cred.AccessToken))
	if ch != nil {
		if err := ch.Connect(ctx, cred); err != nil {
			c.log.Warn("session.channel.connect.fail", "err", err)
		}
	}
	return nil
}

// Login authenticates against the authority, stores the credential and
// identity, and brings the session up.
func (c *Controller) Login(ctx context.Context, username, password string) error {
	res, err := c.auth.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	now := c.now()
	cred := credential.Credential{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Generation:   credential.NewGeneration(now),
		IssuedAt:     now,
	}
	id := credential.Identity{
		UserID:   res.UserID,
		Username: res.Username,
		Email:    res.Email,
		Role:     res.Role,
		Admin:    res.Admin,
	}
	if err := c.store.Save(ctx, cred, id); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	ch := c.channel
	c.startLoopLocked()
	c.mu.Unlock()

	c.log.Info("session.login", "user_id", res.UserID, "token_fp", credential.Fingerprint(cred.AccessToken))
	if ch != nil {
		if err := ch.Connect(ctx, &cred); err != nil {
			c.log.Warn("session.channel.connect.fail", "err", err)
		}
	}
	return nil
}

// Refresh rotates the credential. A failed refresh here is fatal: the
// session is terminated and false is returned. The 401 retry path and the
// channel's low-water hook both go through this.
func (c *Controller) Refresh(ctx context.Context) bool {
	err := c.refresh(ctx)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrSessionTerminated) {
		return false
	}
	c.log.Error("session.refresh.fatal", "err", err)
	c.terminate(context.WithoutCancel(ctx), "refresh_failed")
	return false
}

// refresh is the single-flight core. Concurrent callers holding the same
// credential generation coalesce into one authority call and share its
// outcome; callers decide for themselves whether failure is fatal.
func (c *Controller) refresh(ctx context.Context) error {
	cred, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return ErrNotAuthenticated
	}

	c.enterRefreshing()
	defer c.exitRefreshing()

	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	_, err, shared := c.group.Do(cred.Generation, func() (any, error) {
		pair, err := c.auth.Refresh(ctx, cred.RefreshToken)
		if err != nil {
			metrics.RefreshTotal.WithLabelValues("fail").Inc()
			return nil, fmt.Errorf("authority refresh: %w", err)
		}
		if c.terminatedSince(epoch) {
			// A terminate ran while we were parked on the network; the
			// store was cleared and must stay that way.
			metrics.RefreshTotal.WithLabelValues("discarded").Inc()
			return nil, ErrSessionTerminated
		}

		now := c.now()
		next := credential.Credential{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			Generation:   credential.NewGeneration(now),
			IssuedAt:     now,
		}
		if next.RefreshToken == "" {
			// The authority kept the old refresh credential valid.
			next.RefreshToken = cred.RefreshToken
		}
		if err := c.store.SaveCredential(ctx, next); err != nil {
			metrics.RefreshTotal.WithLabelValues("fail").Inc()
			return nil, fmt.Errorf("save refreshed credential: %w", err)
		}
		if c.terminatedSince(epoch) {
			// Terminate slipped in between the check and the save.
			c.store.Clear(ctx)
			metrics.RefreshTotal.WithLabelValues("discarded").Inc()
			return nil, ErrSessionTerminated
		}

		metrics.RefreshTotal.WithLabelValues("ok").Inc()
		c.log.Info("session.refresh.ok",
			"old_fp", credential.Fingerprint(cred.AccessToken),
			"new_fp", credential.Fingerprint(next.AccessToken))
		return nil, nil
	})
	if shared {
		c.log.Debug("session.refresh.coalesced", "generation", cred.Generation)
	}
	return err
}

// CheckValidity asks the authority how much lifetime the access credential
// has left and applies the refresh policy. It returns false only when the
// session is (or just became) dead; a transient query failure is
// inconclusive and keeps the session.
func (c *Controller) CheckValidity(ctx context.Context) bool {
	cred, err := c.store.Load(ctx)
	if err != nil || cred == nil {
		return false
	}

	v, err := c.auth.Check(ctx, cred.AccessToken)
	if err != nil {
		if errors.Is(err, authority.ErrUnauthorized) {
			// Explicit rejection: the token is dead no matter what the
			// countdown said last time.
			metrics.CheckTotal.WithLabelValues("expired").Inc()
			c.log.Warn("session.check.unauthorized")
			return c.Refresh(ctx)
		}
		metrics.CheckTotal.WithLabelValues("inconclusive").Inc()
		c.log.Warn("session.check.inconclusive", "err", err)
		return true
	}

	switch {
	case !v.Valid || v.TimeRemainingSeconds <= 0:
		metrics.CheckTotal.WithLabelValues("expired").Inc()
		c.log.Info("session.check.expired", "remaining_s", v.TimeRemainingSeconds)
		return c.Refresh(ctx)

	case v.TimeRemainingSeconds <= c.cfg.HighWaterSeconds:
		metrics.CheckTotal.WithLabelValues("borderline").Inc()
		if err := c.refresh(ctx); err != nil {
			// The old credential may still be briefly usable; a borderline
			// refresh hiccup is not grounds for logout.
			c.log.Warn("session.check.refresh.fail", "err", err, "remaining_s", v.TimeRemainingSeconds)
		}
		return true

	default:
		metrics.CheckTotal.WithLabelValues("ok").Inc()
		return true
	}
}

// Do sends req with the current access credential attached. On a 401 it
// performs exactly one refresh-and-retry cycle; a second 401 terminates
// the session. Requests with a body must have GetBody set for the retry
// (http.NewRequest does this for the common body types).
func (c *Controller) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	cred, err := c.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil, ErrNotAuthenticated
	}

	attempt, err := cloneRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(attempt, cred.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_ = resp.Body.Close()

	c.log.Info("session.request.unauthorized", "path", req.URL.Path)
	if !c.Refresh(ctx) {
		return nil, ErrSessionTerminated
	}
	cred, err = c.store.Load(ctx)
	if err != nil || cred == nil {
		return nil, ErrSessionTerminated
	}

	retry, err := cloneRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err = c.send(retry, cred.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		c.log.Error("session.request.unauthorized.again", "path", req.URL.Path)
		c.terminate(context.WithoutCancel(ctx), "unauthorized")
		return nil, ErrSessionTerminated
	}
	return resp, nil
}

// Logout invalidates the session server-side (best effort) and tears it
// down locally.
func (c *Controller) Logout(ctx context.Context) {
	cred, err := c.store.Load(ctx)
	if err == nil && cred != nil {
		if err := c.auth.Logout(ctx, cred.AccessToken); err != nil {
			c.log.Warn("session.logout.remote.fail", "err", err)
		}
	}
	c.terminate(ctx, "logout")
}

// Terminate tears the session down: check loop cancelled, channel closed,
// store cleared, sign-out callbacks fired. Idempotent.
func (c *Controller) Terminate(ctx context.Context) {
	c.terminate(ctx, "explicit")
}

// HandleChannelDown is the push channel's exhausted-reconnects hook.
func (c *Controller) HandleChannelDown() {
	c.log.Error("session.channel.exhausted")
	c.terminate(context.Background(), "reconnect_exhausted")
}

// Shutdown stops the check loop and closes the channel without touching
// the stored credential. Process shutdown is not logout; the session
// resumes on the next Initialize.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	cancel := c.loopCancel
	c.loopCancel = nil
	ch := c.channel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Disconnect()
	}
	c.log.Info("session.shutdown")
}

// ---- internals ----

func (c *Controller) terminate(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.state == StateAnonymous || c.state == StateTerminating {
		c.mu.Unlock()
		return
	}
	c.state = StateTerminating
	c.epoch++
	cancel := c.loopCancel
	c.loopCancel = nil
	ch := c.channel
	fns := append([]func(){}, c.signOutFns...)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Disconnect()
	}
	c.store.Clear(ctx)

	c.mu.Lock()
	c.state = StateAnonymous
	c.mu.Unlock()

	metrics.TerminationTotal.WithLabelValues(reason).Inc()
	c.log.Info("session.terminated", "reason", reason)
	for _, fn := range fns {
		fn()
	}
}

// terminatedSince reports whether terminate ran after the given epoch was
// observed.
func (c *Controller) terminatedSince(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch != epoch
}

func (c *Controller) startLoopLocked() {
	if c.loopCancel != nil {
		c.loopCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	go c.checkLoop(ctx)
}

func (c *Controller) checkLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.CheckValidity(ctx)
		}
	}
}

func (c *Controller) enterRefreshing() {
	c.mu.Lock()
	if c.state == StateAuthenticated {
		c.state = StateRefreshing
	}
	c.mu.Unlock()
}

func (c *Controller) exitRefreshing() {
	c.mu.Lock()
	if c.state == StateRefreshing {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()
}

func (c *Controller) send(req *http.Request, accessToken string) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.hc.Do(req)
}

// cloneRequest copies req for one send, replaying the body via GetBody
// when one exists.
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	r := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		b, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		r.Body = b
	}
	return r, nil
}
