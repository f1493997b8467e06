package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/workspace-sync/internal/clientstore"
	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// pipeSocket is an in-process Socket whose server side can hang up.
type pipeSocket struct {
	frames chan types.Frame
	closed chan struct{}
	once   sync.Once
}

func newPipeSocket() *pipeSocket {
	return &pipeSocket{frames: make(chan types.Frame, 8), closed: make(chan struct{})}
}

func (s *pipeSocket) Read() (types.Frame, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.closed:
		return types.Frame{}, errors.New("socket closed")
	}
}

func (s *pipeSocket) Send(types.Frame) error { return nil }

func (s *pipeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// stubTransport answers every request in process and counts them.
type stubTransport struct {
	mu             sync.Mutex
	handshakes     int
	failHandshakes int
	pulls          map[string]int
	pullClock      types.VectorClock
	pushes         int
	pushErrs       []error
	sockets        []*pipeSocket
	handshakeTimes []time.Time
}

func newStubTransport() *stubTransport {
	return &stubTransport{pulls: make(map[string]int)}
}

func (t *stubTransport) Handshake(_ context.Context, req types.HandshakeRequest) (types.HandshakeResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handshakes++
	t.handshakeTimes = append(t.handshakeTimes, time.Now())
	if t.failHandshakes > 0 {
		t.failHandshakes--
		return types.HandshakeResponse{}, fmt.Errorf("%w: connection refused", syncerr.ErrTransientTransport)
	}
	return types.HandshakeResponse{SessionToken: "tok", DeviceID: req.DeviceID, WorkspaceID: req.WorkspaceID}, nil
}

func (t *stubTransport) Pull(_ context.Context, _ string, req types.PullRequest) (types.PullResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pulls[req.Scope().Key()]++
	return types.PullResponse{ScopeType: req.ScopeType, ScopeID: req.ScopeID, VectorClock: t.pullClock.Clone()}, nil
}

func (t *stubTransport) Push(_ context.Context, _ string, req types.PushRequest) (types.PushResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushes++
	if len(t.pushErrs) > 0 {
		err := t.pushErrs[0]
		t.pushErrs = t.pushErrs[1:]
		return types.PushResponse{}, err
	}
	resp := types.PushResponse{Accepted: true}
	for _, change := range req.Changes {
		resp.Acked = append(resp.Acked, types.AckedChange{ID: change.ID})
	}
	return resp, nil
}

func (t *stubTransport) Dial(context.Context, string, string) (Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sock := newPipeSocket()
	t.sockets = append(t.sockets, sock)
	return sock, nil
}

func (t *stubTransport) hangUp() {
	t.mu.Lock()
	sock := t.sockets[len(t.sockets)-1]
	t.mu.Unlock()
	_ = sock.Close()
}

func (t *stubTransport) counts() (handshakes, pushes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshakes, t.pushes
}

func (t *stubTransport) pullCount(scope types.Scope) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pulls[scope.Key()]
}

// slowStore delays reads the way file and bolt backends do.
type slowStore struct {
	clientstore.Store
}

func (s slowStore) GetState(ctx context.Context, scope types.Scope) (types.SyncStateRecord, bool, error) {
	time.Sleep(time.Millisecond)
	return s.Store.GetState(ctx, scope)
}

func newStubClient(t *testing.T, transport Transport, store clientstore.Store, opts Options) (*Client, *recorder) {
	t.Helper()
	opts.WorkspaceID = "ws1"
	opts.DeviceID = "d1"
	c, err := New(transport, store, opts, zerolog.Nop())
	require.NoError(t, err)
	events := &recorder{}
	c.On(events.add)
	t.Cleanup(c.Disconnect)
	return c, events
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, e := range r.events {
		if e.Type == EventState {
			out = append(out, e.State)
		}
	}
	return out
}

func (c *Client) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func TestConcurrentQueueChangeAssignsDistinctLamports(t *testing.T) {
	store := slowStore{Store: clientstore.NewMemory()}
	transport := newStubTransport()
	transport.pullClock = types.VectorClock{"d2": 5}
	c, _ := newStubClient(t, transport, store, Options{PushDebounce: time.Hour, PollInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	const writers = 20
	var wg sync.WaitGroup
	lamports := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			change, err := c.QueueChange(ctx, update(fmt.Sprintf("c%d", i)))
			assert.NoError(t, err)
			lamports <- change.Lamport
		}(i)
		go func() {
			defer wg.Done()
			_, err := c.Pull(ctx, r1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(lamports)

	seen := make(map[int64]bool)
	for lamport := range lamports {
		seen[lamport] = true
	}
	assert.Len(t, seen, writers)

	state, ok, err := store.GetState(ctx, r1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.VectorClock{"d1": writers, "d2": 5}, state.VectorClock)

	queued, err := store.ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, writers)
	for i, entry := range queued {
		assert.Equal(t, int64(i+1), entry.Change.Lamport, "outbox order follows lamport order")
	}
}

func TestSocketDropReconnectsWithBackoff(t *testing.T) {
	transport := newStubTransport()
	c, events := newStubClient(t, transport, clientstore.NewMemory(), Options{
		PollInterval:  time.Hour,
		ReconnectBase: 20 * time.Millisecond,
		ReconnectMax:  time.Second,
	})
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 0, c.attemptCount())

	transport.mu.Lock()
	transport.failHandshakes = 2
	transport.mu.Unlock()
	transport.hangUp()

	require.Eventually(t, func() bool {
		handshakes, _ := transport.counts()
		return handshakes == 4 && len(events.states()) == 9
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOnline, c.State())
	assert.Equal(t, 0, c.attemptCount(), "a successful reopen resets the backoff")

	assert.Equal(t, []State{
		StateConnecting, StateOnline,
		StateOffline, StateConnecting, StateOffline, StateConnecting, StateOffline, StateConnecting, StateOnline,
	}, events.states())

	transport.mu.Lock()
	times := transport.handshakeTimes
	transport.mu.Unlock()
	// Delays double: 20ms, 40ms, then 80ms.
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, times[3].Sub(times[2]), 80*time.Millisecond)
}

func TestUnsubscribeCancelsPendingPull(t *testing.T) {
	transport := newStubTransport()
	c, _ := newStubClient(t, transport, clientstore.NewMemory(), Options{PollInterval: 50 * time.Millisecond})
	require.NoError(t, c.Subscribe(r1))
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return transport.pullCount(r1) >= 1 }, time.Second, 5*time.Millisecond)
	c.Unsubscribe(r1)
	pulled := transport.pullCount(r1)

	c.mu.Lock()
	assert.Empty(t, c.pullTimers)
	c.mu.Unlock()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, pulled, transport.pullCount(r1))
	assert.False(t, c.Subscribed(r1))
}

func TestDisconnectStopsEveryTimer(t *testing.T) {
	transport := newStubTransport()
	c, _ := newStubClient(t, transport, clientstore.NewMemory(), Options{
		PushDebounce:  150 * time.Millisecond,
		PollInterval:  150 * time.Millisecond,
		ReconnectBase: 150 * time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, c.Subscribe(r1))
	require.NoError(t, c.Connect(ctx))
	require.Eventually(t, func() bool { return transport.pullCount(r1) == 1 }, time.Second, 5*time.Millisecond)

	_, err := c.QueueChange(ctx, update("c1"))
	require.NoError(t, err)
	transport.hangUp()
	require.Eventually(t, func() bool { return c.State() == StateOffline }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	c.mu.Lock()
	assert.Empty(t, c.pullTimers)
	assert.Nil(t, c.pushTimer)
	assert.Nil(t, c.reconnectTimer)
	c.mu.Unlock()

	time.Sleep(400 * time.Millisecond)
	handshakes, pushes := transport.counts()
	assert.Equal(t, 1, handshakes, "no reconnect after disconnect")
	assert.Equal(t, 0, pushes, "no debounced push after disconnect")
	assert.Equal(t, 1, transport.pullCount(r1), "no scheduled pull after disconnect")
	assert.Equal(t, StateIdle, c.State())
}

func TestFailedPushGoesOfflineAndRetries(t *testing.T) {
	transport := newStubTransport()
	transport.pushErrs = []error{fmt.Errorf("%w: connection reset", syncerr.ErrTransientTransport)}
	store := clientstore.NewMemory()
	c, events := newStubClient(t, transport, store, Options{
		PushDebounce:  10 * time.Millisecond,
		PollInterval:  time.Hour,
		ReconnectBase: 20 * time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	_, err := c.QueueChange(ctx, update("c1"))
	require.NoError(t, err)

	events.wait(t, func(e Event) bool { return e.Type == EventError && e.Scope == r1 })
	events.wait(t, func(e Event) bool { return e.Type == EventState && e.State == StateOffline })
	events.wait(t, func(e Event) bool { return e.Type == EventAck })

	queued, err := store.ListQueued(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)
	handshakes, pushes := transport.counts()
	assert.Equal(t, 2, handshakes)
	assert.GreaterOrEqual(t, pushes, 2)
	assert.Equal(t, StateOnline, c.State())
}

func TestRejectedScopeDoesNotBlockOthers(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	a := srv.device(t, "alice", "d1")

	unknown := update("bad1")
	unknown.ScopeID = "unknown-request"
	_, err := a.client.QueueChange(ctx, unknown)
	require.NoError(t, err)
	_, err = a.client.QueueChange(ctx, update("good1"))
	require.NoError(t, err)

	require.NoError(t, a.client.Connect(ctx))
	a.events.wait(t, func(e Event) bool { return e.Type == EventAck && e.Scope == r1 })

	held := types.Scope{Type: types.ScopeRequest, ID: "unknown-request"}
	assert.ErrorIs(t, a.client.Rejected(held), syncerr.ErrAuthorization)
	queued, err := a.store.ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, types.ChangeID("bad1"), queued[0].ID)

	pushed := len(a.transport.pushed())
	require.NoError(t, a.client.FlushQueue(ctx))
	assert.Len(t, a.transport.pushed(), pushed, "rejected scopes are not pushed again")

	_, err = a.client.ResetScope(ctx, held)
	require.Error(t, err, "the scope is still unknown to the server")
	queued, err = a.store.ListQueued(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)
	assert.NoError(t, a.client.Rejected(held))
}
