package courier

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplicationInterceptorRewritesRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Header.Get("X-Stamp"))
	}))
	defer server.Close()

	stamp := InterceptorFunc(func(chain Chain) (*Response, error) {
		req, err := chain.Request().Derive(WithHeader("X-Stamp", "stamped"))
		if err != nil {
			return nil, err
		}
		return chain.Proceed(req)
	})

	client := newTestClient(t, WithInterceptor(stamp))
	_, body := execute(t, client, mustRequest(t, "GET", server.URL))
	assert.Equal(t, "stamped", body)
}

func TestApplicationInterceptorShortCircuits(t *testing.T) {
	canned := InterceptorFunc(func(chain Chain) (*Response, error) {
		return &Response{
			Request:    chain.Request(),
			Protocol:   ProtocolHTTP11,
			StatusCode: 200,
			Status:     "OK",
			Headers:    NewHeaders("X-Source", "interceptor"),
			Body:       NewResponseBody("text/plain", 0, nopBody{}),
		}, nil
	})

	// No server exists; the interceptor answers before any connect.
	client := newTestClient(t, WithInterceptor(canned))
	resp, err := client.NewCall(mustRequest(t, "GET", "http://no-such-host.invalid/")).Execute()
	require.NoError(t, err)
	defer resp.Close()
	assert.Equal(t, "interceptor", resp.Header("X-Source"))
}

func TestNetworkInterceptorSeesConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	sawConnection := false
	observer := InterceptorFunc(func(chain Chain) (*Response, error) {
		sawConnection = chain.Connection() != nil
		return chain.Proceed(chain.Request())
	})

	client := newTestClient(t, WithNetworkInterceptor(observer))
	execute(t, client, mustRequest(t, "GET", server.URL))
	assert.True(t, sawConnection, "network interceptors run with a live connection")
}

func TestNetworkInterceptorMustKeepHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	hijack := InterceptorFunc(func(chain Chain) (*Response, error) {
		other := mustRequest(t, "GET", "http://other-host.example/")
		return chain.Proceed(other)
	})

	client := newTestClient(t, WithNetworkInterceptor(hijack))
	_, err := client.NewCall(mustRequest(t, "GET", server.URL)).Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same host")
}

func TestChainTimeoutNarrowing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, "slow")
	}))
	defer server.Close()

	narrow := InterceptorFunc(func(chain Chain) (*Response, error) {
		assert.Equal(t, DefaultReadTimeout, chain.ReadTimeout())
		return chain.WithReadTimeout(50 * time.Millisecond).Proceed(chain.Request())
	})

	client := newTestClient(t,
		WithRetryOnConnectionFailure(false),
		WithInterceptor(narrow))
	_, err := client.NewCall(mustRequest(t, "GET", server.URL)).Execute()
	require.Error(t, err, "narrowed read timeout must fail the slow response")
}
