package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/cmd/internal/credential"
)

// ---- fakes ----

type fakeTransport struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case <-t.done:
		return nil, errors.New("connection reset")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// drop simulates the server side going away.
func (t *fakeTransport) drop() { _ = t.Close() }

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	err        error
	delay      time.Duration
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, accessToken string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	delay, err := d.delay, d.err
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	t := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type staticCreds struct {
	cred *credential.Credential
}

func (s staticCreds) Load(ctx context.Context) (*credential.Credential, error) {
	return s.cred, nil
}

type fakeTimer struct {
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

type fakeSched struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

func (s *fakeSched) schedule(d time.Duration, fn func()) stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm := &fakeTimer{}
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, fn)
	s.timers = append(s.timers, tm)
	return tm
}

func (s *fakeSched) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

func (s *fakeSched) fire(i int) {
	s.mu.Lock()
	fn := s.fns[i]
	s.mu.Unlock()
	fn()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCred() *credential.Credential {
	return &credential.Credential{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-abc",
		Generation:   "01TESTGEN",
	}
}

func newTestChannel(d Dialer, hooks Hooks, sched *fakeSched) *Channel {
	cfg := Config{
		LowWaterSeconds:      120,
		ReconnectBase:        10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
	c := NewChannel(cfg, staticCreds{cred: testCred()}, d, hooks, testLogger())
	if sched != nil {
		c.schedule = sched.schedule
	}
	return c
}

// ---- tests ----

func TestConnectIdempotentUnderConcurrency(t *testing.T) {
	d := &fakeDialer{delay: 50 * time.Millisecond}
	c := newTestChannel(d, Hooks{}, nil)

	const callers = 10
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect(context.Background(), nil)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, d.count())
	assert.Equal(t, StateOpen, c.State())
	c.Disconnect()
}

func TestConnectWithoutCredential(t *testing.T) {
	d := &fakeDialer{}
	c := NewChannel(Config{}, staticCreds{}, d, Hooks{}, testLogger())

	err := c.Connect(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoCredential)
	assert.Zero(t, d.count())
	assert.Equal(t, StateClosed, c.State())
}

func TestLowWaterWarningTriggersRefresh(t *testing.T) {
	d := &fakeDialer{}
	refreshed := make(chan struct{}, 4)
	c := newTestChannel(d, Hooks{
		Refresh: func(ctx context.Context) bool {
			refreshed <- struct{}{}
			return true
		},
	}, nil)

	warnings := make(chan Warning, 4)
	c.OnWarning(func(w Warning) { warnings <- w })

	require.NoError(t, c.Connect(context.Background(), nil))
	tr := d.last()
	require.NotNil(t, tr)

	tr.frames <- []byte(`{"time_remaining_seconds": 90, "call_refresh": true, "message": "expiring"}`)

	select {
	case w := <-warnings:
		assert.Equal(t, 90.0, w.TimeRemainingSeconds)
		assert.True(t, w.ShouldRefresh)
		assert.Equal(t, "expiring", w.Message)
	case <-time.After(time.Second):
		t.Fatal("no warning delivered")
	}
	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("refresh hook not invoked")
	}

	// Above the low-water mark: subscriber notified, no refresh.
	tr.frames <- []byte(`{"time_remaining_seconds": 300, "call_refresh": true}`)
	select {
	case w := <-warnings:
		assert.False(t, w.ShouldRefresh)
	case <-time.After(time.Second):
		t.Fatal("no warning delivered")
	}
	select {
	case <-refreshed:
		t.Fatal("refresh fired above the low-water mark")
	case <-time.After(50 * time.Millisecond):
	}

	// Under the mark but the server did not ask for a refresh.
	tr.frames <- []byte(`{"time_remaining_seconds": 30}`)
	select {
	case w := <-warnings:
		assert.False(t, w.ShouldRefresh)
	case <-time.After(time.Second):
		t.Fatal("no warning delivered")
	}
	select {
	case <-refreshed:
		t.Fatal("refresh fired without call_refresh")
	case <-time.After(50 * time.Millisecond):
	}

	c.Disconnect()
}

func TestMalformedFramesDiscarded(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(d, Hooks{}, nil)

	warnings := make(chan Warning, 4)
	c.OnWarning(func(w Warning) { warnings <- w })

	require.NoError(t, c.Connect(context.Background(), nil))
	tr := d.last()
	require.NotNil(t, tr)

	tr.frames <- []byte(`not json at all`)
	tr.frames <- []byte(`[1, 2, 3]`)
	tr.frames <- []byte(`"just a string"`)
	tr.frames <- []byte(`{"time_remaining_seconds": 45}`)

	select {
	case w := <-warnings:
		assert.Equal(t, 45.0, w.TimeRemainingSeconds)
	case <-time.After(time.Second):
		t.Fatal("valid frame after garbage was not delivered")
	}
	assert.Equal(t, StateOpen, c.State())
	c.Disconnect()
}

func TestReconnectBackoffDoubles(t *testing.T) {
	d := &fakeDialer{}
	sched := &fakeSched{}
	c := newTestChannel(d, Hooks{}, sched)

	errs := make(chan error, 8)
	c.OnError(func(err error) { errs <- err })

	require.NoError(t, c.Connect(context.Background(), nil))
	tr := d.last()
	require.NotNil(t, tr)

	// Unexpected close: the read loop reports it and queues attempt 0.
	tr.drop()
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("no error event after transport drop")
	}
	require.Eventually(t, func() bool { return sched.pending() == 1 }, time.Second, 5*time.Millisecond)

	// Every retry fails; each failure queues the next with a doubled delay.
	d.mu.Lock()
	d.err = errors.New("dial refused")
	d.mu.Unlock()
	sched.fire(0)
	sched.fire(1)

	require.Equal(t, 3, sched.pending())
	assert.Equal(t, 10*time.Millisecond, sched.delays[0])
	assert.Equal(t, 20*time.Millisecond, sched.delays[1])
	assert.Equal(t, 40*time.Millisecond, sched.delays[2])
}

func TestReconnectExhaustionTerminates(t *testing.T) {
	d := &fakeDialer{err: errors.New("dial refused")}
	sched := &fakeSched{}
	var terminated atomic.Int32
	c := newTestChannel(d, Hooks{Terminate: func() { terminated.Add(1) }}, sched)

	// Explicit connect fails and queues attempt 0.
	require.NoError(t, c.Connect(context.Background(), nil))
	require.Equal(t, 1, sched.pending())

	// Burn through the remaining attempts.
	sched.fire(0)
	sched.fire(1)
	require.Equal(t, 3, sched.pending())

	// Final attempt fails with the budget spent: terminate, nothing queued.
	sched.fire(2)
	assert.Equal(t, 3, sched.pending())
	assert.Equal(t, int32(1), terminated.Load())
}

func TestReconnectResetsAfterOpen(t *testing.T) {
	d := &fakeDialer{}
	sched := &fakeSched{}
	c := newTestChannel(d, Hooks{}, sched)

	require.NoError(t, c.Connect(context.Background(), nil))
	d.last().drop()
	require.Eventually(t, func() bool { return sched.pending() == 1 }, time.Second, 5*time.Millisecond)

	// The retry succeeds, so the attempt counter resets and the next
	// drop starts back at the base delay.
	sched.fire(0)
	require.Eventually(t, func() bool { return c.State() == StateOpen }, time.Second, 5*time.Millisecond)

	d.last().drop()
	require.Eventually(t, func() bool { return sched.pending() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sched.delays[0], sched.delays[1])
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{err: errors.New("dial refused")}
	sched := &fakeSched{}
	c := newTestChannel(d, Hooks{}, sched)

	require.NoError(t, c.Connect(context.Background(), nil))
	require.Equal(t, 1, sched.pending())
	dialsBefore := d.count()

	c.Disconnect()
	assert.True(t, sched.timers[0].stopped.Load())

	// Even if the timer had already fired, the queued attempt is a no-op.
	sched.fire(0)
	assert.Equal(t, dialsBefore, d.count())
	assert.Equal(t, StateClosed, c.State())
}

func TestDisconnectDoesNotReconnectFromOwnClose(t *testing.T) {
	d := &fakeDialer{}
	sched := &fakeSched{}
	c := newTestChannel(d, Hooks{}, sched)

	warnings := make(chan Warning, 1)
	c.OnWarning(func(w Warning) { warnings <- w })

	require.NoError(t, c.Connect(context.Background(), nil))
	c.Disconnect()

	// Give a stale read loop a chance to misbehave.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sched.pending())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, d.count())

	// Subscribers were cleared; a fresh connect starts from a blank slate.
	require.NoError(t, c.Connect(context.Background(), nil))
	d.last().frames <- []byte(`{"time_remaining_seconds": 10}`)
	select {
	case <-warnings:
		t.Fatal("stale subscriber survived Disconnect")
	case <-time.After(50 * time.Millisecond):
	}
	c.Disconnect()
}
