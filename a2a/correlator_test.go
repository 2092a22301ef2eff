package a2a

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/registry"
)

// byText answers "slow" after 300ms, "fail" with an error, "hang" never
// and anything else at once.
func byText(text string) []step {
	switch text {
	case "slow":
		return []step{{delay: 300 * time.Millisecond, ev: MessageEvent("", "agent", "reply: slow")}}
	case "fail":
		return []step{{ev: ErrorEvent("", 500, "agent crashed")}}
	case "hang":
		return nil
	}
	return []step{{ev: MessageEvent("", "agent", "reply: "+text)}}
}

// --- Unit Tests ---

func TestCorrelatorConcurrentCallsResolveIndependently(t *testing.T) {
	const n = 10
	// Later messages answer first.
	a := newFakeAgent(t, "Echo", TransportWebSocket, func(text string) []step {
		i, _ := strconv.Atoi(strings.TrimPrefix(text, "msg-"))
		return []step{
			{delay: time.Duration(n-i) * 15 * time.Millisecond, ev: StatusEvent("", "task-"+text, TaskWorking, "", false)},
			{ev: MessageEvent("", "agent", "reply: "+text)},
		}
	})
	corr, records := newTestCorrelator(t)
	rec := saveAgent(t, records, a, TransportWebSocket)

	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = corr.Call(context.Background(), rec.ID, fmt.Sprintf("msg-%d", i), 5*time.Second)
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "call %d", i)
		assert.Equal(t, fmt.Sprintf("reply: msg-%d", i), results[i].Text)
		assert.Equal(t, rec.ID, results[i].RemoteID)
		assert.Len(t, results[i].Events, 2)
		ids[results[i].CorrelationID] = true
	}
	assert.Len(t, ids, n, "correlation ids must be unique")
	assert.Equal(t, int32(1), a.wsDials.Load(), "connection should be pooled")
}

func TestCorrelatorAccumulatesArtifacts(t *testing.T) {
	a := newFakeAgent(t, "Writer", TransportWebSocket, func(text string) []step {
		return []step{
			{ev: ArtifactEvent("", "task-1", "Hel", false)},
			{ev: ArtifactEvent("", "task-1", "lo", true)},
			{ev: StatusEvent("", "task-1", TaskCompleted, "", true)},
		}
	})
	corr, records := newTestCorrelator(t)
	rec := saveAgent(t, records, a, TransportWebSocket)

	res, err := corr.Call(context.Background(), rec.ID, "write", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, "task-1", res.TaskID)
	assert.Len(t, res.Events, 3)
}

func TestCorrelatorTimeoutLeavesNoPending(t *testing.T) {
	a := newFakeAgent(t, "Echo", TransportWebSocket, byText)
	corr, records := newTestCorrelator(t)
	rec := saveAgent(t, records, a, TransportWebSocket)
	ctx := context.Background()

	_, err := corr.Call(ctx, rec.ID, "slow", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout), "got %v", err)

	conn := corr.pooled(rec.ID)
	require.NotNil(t, conn)
	assert.Equal(t, 0, conn.Pending())

	// The late reply arrives and is dropped.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, conn.Pending())

	res, err := corr.Call(ctx, rec.ID, "fast", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "reply: fast", res.Text)
	assert.Equal(t, int32(1), a.wsDials.Load())
}

func TestCorrelatorStreamCloseFailsPending(t *testing.T) {
	a := newFakeAgent(t, "Echo", TransportWebSocket, byText)
	corr, records := newTestCorrelator(t)
	rec := saveAgent(t, records, a, TransportWebSocket)

	done := make(chan error, 1)
	go func() {
		_, err := corr.Call(context.Background(), rec.ID, "hang", 5*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		conn := corr.pooled(rec.ID)
		return conn != nil && conn.Pending() == 1
	}, 2*time.Second, 10*time.Millisecond)

	a.dropConnections()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCodeTransport), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed when the stream closed")
	}
	assert.Eventually(t, func() bool { return !corr.IsConnected(rec.ID) }, 2*time.Second, 10*time.Millisecond)

	// The next call dials again.
	res, err := corr.Call(context.Background(), rec.ID, "again", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "reply: again", res.Text)
	assert.Equal(t, int32(2), a.wsDials.Load())
}

func TestCorrelatorRemoteError(t *testing.T) {
	a := newFakeAgent(t, "Echo", TransportWebSocket, byText)
	corr, records := newTestCorrelator(t)
	rec := saveAgent(t, records, a, TransportWebSocket)

	_, err := corr.Call(context.Background(), rec.ID, "fail", 2*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeUnavailable), "got %v", err)
	assert.True(t, corr.IsConnected(rec.ID))
}

func TestCorrelatorCanceled(t *testing.T) {
	a := newFakeAgent(t, "Echo", TransportWebSocket, byText)
	corr, records := newTestCorrelator(t)
	rec := saveAgent(t, records, a, TransportWebSocket)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := corr.Call(ctx, rec.ID, "hang", 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeCanceled), "got %v", err)
	assert.Equal(t, 0, corr.pooled(rec.ID).Pending())
}

func TestCorrelatorUnknownRemote(t *testing.T) {
	corr, _ := newTestCorrelator(t)

	_, err := corr.Call(context.Background(), "ghost", "hi", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestCorrelatorNoDialerForTransport(t *testing.T) {
	a := newFakeAgent(t, "Echo", TransportWebSocket, byText)
	corr, records := newTestCorrelator(t)
	rec := saveAgent(t, records, a, "grpc")

	_, err := corr.Connect(context.Background(), rec.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeUnsupported), "got %v", err)
}

func TestCorrelatorFallsBackToNextTransport(t *testing.T) {
	a := newFakeAgent(t, "Echo", TransportWebSocket, byText)
	broken := DialerFunc(func(ctx context.Context, rec *registry.RemoteAgentRecord) (Transport, error) {
		return nil, errors.Transport("refused")
	})
	corr, records := newTestCorrelator(t, WithDialer("broken", broken))
	rec := saveAgent(t, records, a, "broken", TransportWebSocket)

	conn, err := corr.Connect(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, conn.EchoesCorrelation())
	require.NotNil(t, conn.Card())
	assert.Equal(t, "Echo", conn.Card().Name)
}

func TestCorrelatorAllTransportsFail(t *testing.T) {
	corr, records := newTestCorrelator(t)
	rec, err := records.Save(context.Background(), registry.RemoteAgentRecord{
		ID:         "dead",
		URL:        "http://127.0.0.1:1",
		Transports: []string{TransportWebSocket},
	})
	require.NoError(t, err)

	_, err = corr.Connect(context.Background(), rec.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTransport), "got %v", err)
}

func TestCorrelatorDisconnect(t *testing.T) {
	a := newFakeAgent(t, "Echo", TransportWebSocket, byText)
	corr, records := newTestCorrelator(t)
	rec := saveAgent(t, records, a, TransportWebSocket)

	conn, err := corr.Connect(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, corr.Connected())

	assert.True(t, corr.Disconnect(rec.ID))
	assert.False(t, corr.Disconnect(rec.ID))
	assert.False(t, corr.IsConnected(rec.ID))
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
}

func TestCorrelatorSSESerializesCalls(t *testing.T) {
	a := newFakeAgent(t, "Streamer", TransportSSE, func(text string) []step {
		return []step{
			{delay: 30 * time.Millisecond, ev: StatusEvent("", "t", TaskWorking, "", false)},
			{ev: StatusEvent("", "t", TaskCompleted, "reply: "+text, true)},
		}
	})
	corr, records := newTestCorrelator(t)
	rec := saveAgent(t, records, a, TransportSSE)

	const n = 4
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = corr.Call(context.Background(), rec.ID, fmt.Sprintf("q%d", i), 5*time.Second)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "call %d", i)
		assert.Equal(t, fmt.Sprintf("reply: q%d", i), results[i].Text)
	}
	conn := corr.pooled(rec.ID)
	require.NotNil(t, conn)
	assert.False(t, conn.EchoesCorrelation())
}

func TestCorrelatorSSETimeoutDropsConnection(t *testing.T) {
	a := newFakeAgent(t, "Streamer", TransportSSE, byText)
	corr, records := newTestCorrelator(t)
	rec := saveAgent(t, records, a, TransportSSE)
	ctx := context.Background()

	_, err := corr.Call(ctx, rec.ID, "slow", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout), "got %v", err)
	assert.False(t, corr.IsConnected(rec.ID))

	time.Sleep(400 * time.Millisecond)

	res, err := corr.Call(ctx, rec.ID, "fast", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "reply: fast", res.Text)
}
