package courier

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gate tracks concurrent handler entries and lets the test release requests
// one by one.
type gate struct {
	mu       sync.Mutex
	entered  chan string
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newGate() *gate {
	return &gate{
		entered: make(chan string, 64),
		release: make(chan struct{}, 64),
	}
}

func (g *gate) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := g.inFlight.Add(1)
		for {
			peak := g.peak.Load()
			if n <= peak || g.peak.CompareAndSwap(peak, n) {
				break
			}
		}
		g.entered <- r.URL.Path
		<-g.release
		g.inFlight.Add(-1)
		fmt.Fprint(w, "done")
	}
}

func awaitEntered(t *testing.T, g *gate, want int) []string {
	t.Helper()
	var got []string
	deadline := time.After(5 * time.Second)
	for len(got) < want {
		select {
		case p := <-g.entered:
			got = append(got, p)
		case <-deadline:
			t.Fatalf("timed out awaiting %d entered requests, got %v", want, got)
		}
	}
	return got
}

// Scenario: with maxRequestsPerHost=2, three calls to one host run at most
// two at a time; the third starts when the first finishes.
func TestDispatcherPerHostCap(t *testing.T) {
	g := newGate()
	server := httptest.NewServer(g.handler())
	defer server.Close()

	dispatcher := NewDispatcher()
	dispatcher.SetMaxRequests(20)
	dispatcher.SetMaxRequestsPerHost(2)

	client := newTestClient(t, WithDispatcher(dispatcher))

	var wg sync.WaitGroup
	results := make(chan error, 3)
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		req := mustRequest(t, "GET", fmt.Sprintf("%s/%d", server.URL, i))
		client.NewCall(req).Enqueue(CallbackFuncs{
			Response: func(call *Call, resp *Response) {
				defer wg.Done()
				resp.Body.Bytes()
				resp.Close()
				results <- nil
			},
			Failure: func(call *Call, err error) {
				defer wg.Done()
				results <- err
			},
		})
	}

	awaitEntered(t, g, 2)
	assert.Equal(t, 2, dispatcher.RunningCallsCount())
	assert.Equal(t, 1, dispatcher.QueuedCallsCount(), "third call waits for per-host capacity")

	g.release <- struct{}{}
	awaitEntered(t, g, 1)

	g.release <- struct{}{}
	g.release <- struct{}{}
	wg.Wait()

	assert.LessOrEqual(t, g.peak.Load(), int32(2), "per-host cap exceeded")
	for i := 0; i < 3; i++ {
		require.NoError(t, <-results)
	}
}

func TestDispatcherGlobalCap(t *testing.T) {
	g := newGate()
	server := httptest.NewServer(g.handler())
	defer server.Close()

	dispatcher := NewDispatcher()
	dispatcher.SetMaxRequests(2)
	dispatcher.SetMaxRequestsPerHost(20)

	client := newTestClient(t, WithDispatcher(dispatcher))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		req := mustRequest(t, "GET", fmt.Sprintf("%s/%d", server.URL, i))
		client.NewCall(req).Enqueue(CallbackFuncs{
			Response: func(call *Call, resp *Response) { defer wg.Done(); resp.Close() },
			Failure:  func(call *Call, err error) { defer wg.Done() },
		})
	}

	awaitEntered(t, g, 2)
	assert.Equal(t, 2, dispatcher.RunningCallsCount())
	assert.Equal(t, 2, dispatcher.QueuedCallsCount())

	for i := 0; i < 4; i++ {
		g.release <- struct{}{}
	}
	wg.Wait()
	assert.LessOrEqual(t, g.peak.Load(), int32(2))
}

// Raising a cap promotes waiting calls immediately.
func TestDispatcherPromotionOnCapRaise(t *testing.T) {
	g := newGate()
	server := httptest.NewServer(g.handler())
	defer server.Close()

	dispatcher := NewDispatcher()
	dispatcher.SetMaxRequests(1)

	client := newTestClient(t, WithDispatcher(dispatcher))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		req := mustRequest(t, "GET", fmt.Sprintf("%s/%d", server.URL, i))
		client.NewCall(req).Enqueue(CallbackFuncs{
			Response: func(call *Call, resp *Response) { defer wg.Done(); resp.Close() },
			Failure:  func(call *Call, err error) { defer wg.Done() },
		})
	}
	awaitEntered(t, g, 1)
	assert.Equal(t, 1, dispatcher.QueuedCallsCount())

	dispatcher.SetMaxRequests(5)
	awaitEntered(t, g, 1)

	g.release <- struct{}{}
	g.release <- struct{}{}
	wg.Wait()
}

func TestDispatcherIdleCallbackFiresOncePerTransition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	dispatcher := NewDispatcher()
	var idleCount atomic.Int32
	idle := make(chan struct{}, 8)
	dispatcher.SetIdleCallback(func() {
		idleCount.Add(1)
		idle <- struct{}{}
	})

	client := newTestClient(t, WithDispatcher(dispatcher))

	done := make(chan struct{})
	client.NewCall(mustRequest(t, "GET", server.URL)).Enqueue(CallbackFuncs{
		Response: func(call *Call, resp *Response) { resp.Close(); close(done) },
		Failure:  func(call *Call, err error) { close(done) },
	})
	<-done
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback never fired")
	}
	assert.Equal(t, int32(1), idleCount.Load())

	// A second burst produces exactly one more idle transition.
	done2 := make(chan struct{})
	client.NewCall(mustRequest(t, "GET", server.URL)).Enqueue(CallbackFuncs{
		Response: func(call *Call, resp *Response) { resp.Close(); close(done2) },
		Failure:  func(call *Call, err error) { close(done2) },
	})
	<-done2
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback did not fire for second transition")
	}
	assert.Equal(t, int32(2), idleCount.Load())
}

func TestDispatcherCancelQueuedCall(t *testing.T) {
	g := newGate()
	server := httptest.NewServer(g.handler())
	defer server.Close()

	dispatcher := NewDispatcher()
	dispatcher.SetMaxRequests(1)
	client := newTestClient(t, WithDispatcher(dispatcher))

	first := make(chan struct{})
	client.NewCall(mustRequest(t, "GET", server.URL+"/1")).Enqueue(CallbackFuncs{
		Response: func(call *Call, resp *Response) { resp.Close(); close(first) },
		Failure:  func(call *Call, err error) { close(first) },
	})
	awaitEntered(t, g, 1)

	queuedErr := make(chan error, 1)
	queued := client.NewCall(mustRequest(t, "GET", server.URL+"/2"))
	queued.Enqueue(CallbackFuncs{
		Response: func(call *Call, resp *Response) { resp.Close(); queuedErr <- nil },
		Failure:  func(call *Call, err error) { queuedErr <- err },
	})
	require.Equal(t, 1, dispatcher.QueuedCallsCount())

	queued.Cancel()
	select {
	case err := <-queuedErr:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled queued call never reported")
	}
	assert.Equal(t, 0, dispatcher.QueuedCallsCount())

	g.release <- struct{}{}
	<-first
}

func TestDispatcherCancelAll(t *testing.T) {
	g := newGate()
	server := httptest.NewServer(g.handler())
	defer server.Close()

	dispatcher := NewDispatcher()
	dispatcher.SetMaxRequests(1)
	client := newTestClient(t, WithDispatcher(dispatcher))

	outcomes := make(chan error, 2)
	for i := 0; i < 2; i++ {
		client.NewCall(mustRequest(t, "GET", fmt.Sprintf("%s/%d", server.URL, i))).Enqueue(CallbackFuncs{
			Response: func(call *Call, resp *Response) { resp.Close(); outcomes <- nil },
			Failure:  func(call *Call, err error) { outcomes <- err },
		})
	}
	awaitEntered(t, g, 1)

	dispatcher.CancelAll()
	g.release <- struct{}{}

	err1 := <-outcomes
	err2 := <-outcomes
	assert.Error(t, err1)
	assert.Error(t, err2)
}

func TestDispatcherRejectsAfterShutdown(t *testing.T) {
	client, err := New()
	require.NoError(t, err)

	var idleFired atomic.Bool
	client.Dispatcher().SetIdleCallback(func() { idleFired.Store(true) })
	client.Close()

	got := make(chan error, 1)
	call := client.NewCall(mustRequest(t, "GET", "http://example.com/"))
	call.Enqueue(CallbackFuncs{
		Response: func(call *Call, resp *Response) { got <- nil },
		Failure:  func(call *Call, err error) { got <- err },
	})
	assert.ErrorIs(t, <-got, ErrClientClosed)
}

func TestWebSocketUpgradeExemptFromPerHostCap(t *testing.T) {
	upgrade := mustRequest(t, "GET", "http://example.com/ws", WithHeader("Upgrade", "websocket"))
	client, err := New()
	require.NoError(t, err)
	defer client.Close()

	call := client.NewCall(upgrade)
	assert.True(t, call.skipsPerHostLimit)

	plain := client.NewCall(mustRequest(t, "GET", "http://example.com/"))
	assert.False(t, plain.skipsPerHostLimit)
}
