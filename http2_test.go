package courier

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newH2Server(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *tls.Config) {
	t.Helper()
	server := httptest.NewUnstartedServer(handler)
	server.EnableHTTP2 = true
	server.StartTLS()
	t.Cleanup(server.Close)

	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())
	return server, &tls.Config{RootCAs: pool}
}

func TestHTTP2Get(t *testing.T) {
	server, tlsCfg := newH2Server(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "HTTP/2.0", r.Proto)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hello over h2")
	})

	client := newTestClient(t, WithTLSConfig(tlsCfg))
	resp, body := execute(t, client, mustRequest(t, "GET", server.URL))

	assert.Equal(t, ProtocolHTTP2, resp.Protocol)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello over h2", body)
	require.NotNil(t, resp.TLS)
	assert.NotEmpty(t, resp.TLS.CipherSuite)
}

func TestHTTP2Post(t *testing.T) {
	server, tlsCfg := newH2Server(t, func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		w.Write(data)
	})

	client := newTestClient(t, WithTLSConfig(tlsCfg))
	payload := strings.Repeat("payload!", 8192) // 64 KiB crosses the initial window
	req := mustRequest(t, "POST", server.URL, WithBody(StringBody("text/plain", payload)))
	_, body := execute(t, client, req)
	assert.Equal(t, payload, body)
}

func TestHTTP2LargeResponseBody(t *testing.T) {
	large := strings.Repeat("0123456789abcdef", 16*1024) // 256 KiB
	server, tlsCfg := newH2Server(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, large)
	})

	client := newTestClient(t, WithTLSConfig(tlsCfg))
	_, body := execute(t, client, mustRequest(t, "GET", server.URL))
	assert.Equal(t, len(large), len(body))
	assert.Equal(t, large, body)
}

func TestHTTP2ConcurrentExchangesShareOneConnection(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	server, tlsCfg := newH2Server(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/warmup" {
			fmt.Fprint(w, "warm")
			return
		}
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		entered <- struct{}{}
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		fmt.Fprint(w, "ok")
	})

	client := newTestClient(t, WithTLSConfig(tlsCfg))

	// Establish the multiplexed connection first so the concurrent burst
	// finds it in the pool.
	execute(t, client, mustRequest(t, "GET", server.URL+"/warmup"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		client.NewCall(mustRequest(t, "GET", server.URL+"/work")).Enqueue(CallbackFuncs{
			Response: func(call *Call, resp *Response) {
				defer wg.Done()
				resp.Body.Bytes()
				resp.Close()
			},
			Failure: func(call *Call, err error) {
				defer wg.Done()
				t.Errorf("call failed: %v", err)
			},
		})
	}

	// All four must be in flight together before any is released.
	for i := 0; i < 4; i++ {
		<-entered
	}
	mu.Lock()
	assert.Equal(t, 4, peak, "streams must run concurrently")
	mu.Unlock()
	close(release)
	wg.Wait()

	assert.Equal(t, 1, client.ConnectionPool().ConnectionCount(),
		"concurrent h2 exchanges must multiplex one connection")
}

func TestHTTP2FallbackToHTTP11WhenDisabled(t *testing.T) {
	server, tlsCfg := newH2Server(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Proto)
	})

	client := newTestClient(t, WithTLSConfig(tlsCfg), WithProtocols(ProtocolHTTP11))
	resp, body := execute(t, client, mustRequest(t, "GET", server.URL))
	assert.Equal(t, ProtocolHTTP11, resp.Protocol)
	assert.Equal(t, "HTTP/1.1", body)
}
