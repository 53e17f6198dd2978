package courier

import (
	"io"
	"strings"
	"time"

	"github.com/thushan/courier/internal/httpdate"
)

const (
	// oneDayMillis is the heuristic-staleness threshold past which a served
	// cached response carries Warning 113.
	oneDayMillis = 24 * 60 * 60 * 1000
)

// cacheStrategy is the outcome of evaluating a request against a stored
// response: which (if either) of the network and the cache answers it.
//
//   - networkRequest != nil, cacheResponse == nil: plain network fetch.
//   - networkRequest != nil, cacheResponse != nil: conditional revalidation.
//   - networkRequest == nil, cacheResponse != nil: cache hit.
//   - both nil: only-if-cached and unsatisfiable; synthesize 504.
type cacheStrategy struct {
	networkRequest *Request
	cacheResponse  *Response
}

// computeCacheStrategy ports RFC 7234 freshness arithmetic to a concrete
// decision. cached may be nil.
func computeCacheStrategy(nowMillis int64, req *Request, cached *Response) cacheStrategy {
	s := strategyFactory{nowMillis: nowMillis, request: req, cacheResponse: cached}
	strategy := s.compute()

	if strategy.networkRequest != nil && req.CacheControl().OnlyIfCached {
		// We need the network but were forbidden from using it.
		return cacheStrategy{}
	}
	return strategy
}

type strategyFactory struct {
	nowMillis     int64
	request       *Request
	cacheResponse *Response

	servedDate       *time.Time
	lastModified     *time.Time
	lastModifiedRaw  string
	expires          *time.Time
	etag             string
	ageSeconds       int
}

func (f *strategyFactory) compute() cacheStrategy {
	if f.cacheResponse == nil {
		return cacheStrategy{networkRequest: f.request}
	}

	// An https response stored without its handshake is not trustworthy.
	if f.request.IsHTTPS() && f.cacheResponse.TLS == nil {
		return cacheStrategy{networkRequest: f.request}
	}

	if !isCacheableResponse(f.cacheResponse, f.request) {
		return cacheStrategy{networkRequest: f.request}
	}

	reqCC := f.request.CacheControl()
	if reqCC.NoCache || hasConditions(f.request) {
		return cacheStrategy{networkRequest: f.request}
	}

	f.parseCachedHeaders()
	respCC := f.cacheResponse.CacheControl()

	ageMillis := f.cacheResponseAgeMillis()
	freshMillis := f.freshnessLifetimeMillis()

	if reqCC.MaxAgeSeconds != -1 {
		if m := int64(reqCC.MaxAgeSeconds) * 1000; m < freshMillis {
			freshMillis = m
		}
	}
	var minFreshMillis int64
	if reqCC.MinFreshSeconds != -1 {
		minFreshMillis = int64(reqCC.MinFreshSeconds) * 1000
	}
	var maxStaleMillis int64
	if !respCC.MustRevalidate && reqCC.MaxStaleSeconds != -1 {
		// must-revalidate forbids serving stale entirely.
		maxStaleMillis = int64(reqCC.MaxStaleSeconds) * 1000
	}

	if !respCC.NoCache && ageMillis+minFreshMillis < freshMillis+maxStaleMillis {
		resp := *f.cacheResponse
		headers := resp.Headers.Clone()
		if ageMillis+minFreshMillis >= freshMillis {
			headers.Add("Warning", `110 HttpURLConnection "Response is stale"`)
		}
		if ageMillis > oneDayMillis && f.isFreshnessLifetimeHeuristic() {
			headers.Add("Warning", `113 HttpURLConnection "Heuristic expiration"`)
		}
		resp.Headers = headers
		return cacheStrategy{cacheResponse: &resp}
	}

	// Stale: revalidate with the best condition the entry offers.
	var conditionName, conditionValue string
	switch {
	case f.etag != "":
		conditionName, conditionValue = "If-None-Match", f.etag
	case f.lastModifiedRaw != "":
		// The server's own date string, verbatim, so broken servers that
		// compare strings still match.
		conditionName, conditionValue = "If-Modified-Since", f.lastModifiedRaw
	case f.servedDate != nil:
		conditionName, conditionValue = "If-Modified-Since", httpdate.Format(*f.servedDate)
	default:
		return cacheStrategy{networkRequest: f.request}
	}

	conditional, err := f.request.Derive(WithHeader(conditionName, conditionValue))
	if err != nil {
		return cacheStrategy{networkRequest: f.request}
	}
	return cacheStrategy{networkRequest: conditional, cacheResponse: f.cacheResponse}
}

func (f *strategyFactory) parseCachedHeaders() {
	h := f.cacheResponse.Headers
	for i := 0; i < h.Len(); i++ {
		name, value := h.At(i)
		switch strings.ToLower(name) {
		case "date":
			if t, ok := httpdate.Parse(value); ok {
				f.servedDate = &t
			}
		case "expires":
			if t, ok := httpdate.Parse(value); ok {
				f.expires = &t
			}
		case "last-modified":
			if t, ok := httpdate.Parse(value); ok {
				f.lastModified = &t
				f.lastModifiedRaw = value
			}
		case "etag":
			f.etag = value
		case "age":
			f.ageSeconds = parseSeconds(value)
		}
	}
}

// cacheResponseAgeMillis estimates the entry's age per RFC 7234 §4.2.3,
// combining clock skew against the served Date, the Age header, and
// residence time.
func (f *strategyFactory) cacheResponseAgeMillis() int64 {
	sent := f.cacheResponse.SentAtMillis
	received := f.cacheResponse.ReceivedAtMillis

	var apparentReceivedAge int64
	if f.servedDate != nil {
		apparentReceivedAge = received - f.servedDate.UnixMilli()
		if apparentReceivedAge < 0 {
			apparentReceivedAge = 0
		}
	}
	receivedAge := apparentReceivedAge
	if f.ageSeconds > 0 {
		if headerAge := int64(f.ageSeconds) * 1000; headerAge > receivedAge {
			receivedAge = headerAge
		}
	}
	responseDuration := received - sent
	residentDuration := f.nowMillis - received
	return receivedAge + responseDuration + residentDuration
}

// freshnessLifetimeMillis follows the RFC 7234 precedence: s-maxage, max-age,
// Expires − Date, then the (lastModified-based) heuristic — which is
// suppressed outright for URLs carrying a query string.
func (f *strategyFactory) freshnessLifetimeMillis() int64 {
	respCC := f.cacheResponse.CacheControl()
	if respCC.SMaxAgeSeconds != -1 {
		return int64(respCC.SMaxAgeSeconds) * 1000
	}
	if respCC.MaxAgeSeconds != -1 {
		return int64(respCC.MaxAgeSeconds) * 1000
	}
	if f.expires != nil {
		served := f.cacheResponse.ReceivedAtMillis
		if f.servedDate != nil {
			served = f.servedDate.UnixMilli()
		}
		delta := f.expires.UnixMilli() - served
		if delta > 0 {
			return delta
		}
		return 0
	}
	if f.lastModified != nil && effectiveCacheURL(f.cacheResponse.Request).RawQuery == "" {
		served := f.cacheResponse.SentAtMillis
		if f.servedDate != nil {
			served = f.servedDate.UnixMilli()
		}
		delta := served - f.lastModified.UnixMilli()
		if delta > 0 {
			return delta / 10
		}
	}
	return 0
}

func (f *strategyFactory) isFreshnessLifetimeHeuristic() bool {
	respCC := f.cacheResponse.CacheControl()
	return respCC.SMaxAgeSeconds == -1 && respCC.MaxAgeSeconds == -1 && f.expires == nil
}

func hasConditions(req *Request) bool {
	return req.Header("If-Modified-Since") != "" || req.Header("If-None-Match") != ""
}

// isCacheableResponse decides storage (and reuse) eligibility from the
// status code and directives, per RFC 7234 §3.
func isCacheableResponse(resp *Response, req *Request) bool {
	switch {
	case isCacheableStatus(resp.StatusCode):
		// Cacheable by default; directives below may still forbid.
	case resp.StatusCode == StatusFound || resp.StatusCode == StatusTemporaryRedirect:
		// Cacheable only with explicit freshness or public markers.
		respCC := resp.CacheControl()
		if resp.Header("Expires") == "" &&
			respCC.MaxAgeSeconds == -1 &&
			!respCC.Public &&
			!respCC.Private {
			return false
		}
	default:
		return false
	}

	if resp.StatusCode == StatusPartialContent {
		return false
	}
	if resp.CacheControl().NoStore || req.CacheControl().NoStore {
		return false
	}
	return true
}

// synthesizeUnsatisfiable builds the 504 returned when only-if-cached could
// not be satisfied from the cache.
func synthesizeUnsatisfiable(req *Request) *Response {
	now := nowMillis()
	return &Response{
		Request:          req,
		Protocol:         ProtocolHTTP11,
		StatusCode:       StatusGatewayTimeout,
		Status:           "Unsatisfiable Request (only-if-cached)",
		Headers:          Headers{},
		Body:             NewResponseBody("", 0, nopBody{}),
		SentAtMillis:     now,
		ReceivedAtMillis: now,
	}
}

type nopBody struct{}

func (nopBody) Read([]byte) (int, error) { return 0, io.EOF }
func (nopBody) Close() error             { return nil }
