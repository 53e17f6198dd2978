package courier

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// bridgeInterceptor turns an application request into a network request —
// filling in Host, Accept-Encoding, cookies and body headers — and undoes
// the transformation on the way back, transparently gunzipping when the
// compression was ours to ask for.
type bridgeInterceptor struct {
	client *Client
}

func (b *bridgeInterceptor) Intercept(chain Chain) (*Response, error) {
	userReq := chain.Request()
	jar := b.client.options.CookieJar

	networkReq, err := userReq.Derive(func(r *Request) error {
		if body := r.body; body != nil {
			if ct := body.ContentType(); ct != "" && r.headers.Get("Content-Type") == "" {
				r.headers.Set("Content-Type", ct)
			}
			if cl := body.ContentLength(); cl >= 0 {
				r.headers.Set("Content-Length", strconv.FormatInt(cl, 10))
				r.headers.Del("Transfer-Encoding")
			} else {
				r.headers.Set("Transfer-Encoding", "chunked")
				r.headers.Del("Content-Length")
			}
		}
		if r.headers.Get("Host") == "" {
			r.headers.Set("Host", hostHeader(r))
		}
		if r.headers.Get("Connection") == "" {
			r.headers.Set("Connection", "Keep-Alive")
		}
		if r.headers.Get("User-Agent") == "" {
			r.headers.Set("User-Agent", b.client.options.UserAgent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Only ask for gzip when the caller expressed no preference; if we asked,
	// we also decode.
	transparentGzip := false
	if networkReq.Header("Accept-Encoding") == "" && networkReq.Header("Range") == "" {
		transparentGzip = true
		networkReq, err = networkReq.Derive(WithHeader("Accept-Encoding", "gzip"))
		if err != nil {
			return nil, err
		}
	}

	if jar != nil {
		if cookies := jar.Load(networkReq.URL()); len(cookies) > 0 {
			var sb strings.Builder
			for i, c := range cookies {
				if i > 0 {
					sb.WriteString("; ")
				}
				sb.WriteString(c.Name)
				sb.WriteString("=")
				sb.WriteString(c.Value)
			}
			networkReq, err = networkReq.Derive(WithHeader("Cookie", sb.String()))
			if err != nil {
				return nil, err
			}
		}
	}

	resp, err := chain.Proceed(networkReq)
	if err != nil {
		return nil, err
	}

	if jar != nil {
		saveCookies(jar, networkReq, resp)
	}

	if transparentGzip &&
		strings.EqualFold(resp.Header("Content-Encoding"), "gzip") &&
		resp.Body != nil {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Close()
			return nil, fmt.Errorf("courier: response claimed gzip but is not: %w", err)
		}
		headers := resp.Headers.Clone()
		headers.Del("Content-Encoding")
		headers.Del("Content-Length")
		decoded := *resp
		decoded.Headers = headers
		decoded.Body = NewResponseBody(resp.Body.ContentType(), -1, &gunzipSource{gz: gz, inner: resp.Body})
		return &decoded, nil
	}
	return resp, nil
}

func hostHeader(r *Request) string {
	u := r.URL()
	host := u.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != defaultPortString(u.Scheme) {
		return host + ":" + port
	}
	return host
}

func defaultPortString(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func saveCookies(jar CookieJar, req *Request, resp *Response) {
	lines := resp.Headers.Values("Set-Cookie")
	if len(lines) == 0 {
		return
	}
	cookies := make([]Cookie, 0, len(lines))
	for _, line := range lines {
		nameValue := line
		if semi := strings.IndexByte(line, ';'); semi >= 0 {
			nameValue = line[:semi]
		}
		eq := strings.IndexByte(nameValue, '=')
		if eq <= 0 {
			continue
		}
		cookies = append(cookies, Cookie{
			Name:  strings.TrimSpace(nameValue[:eq]),
			Value: strings.TrimSpace(nameValue[eq+1:]),
			Raw:   line,
		})
	}
	if len(cookies) > 0 {
		jar.Save(req.URL(), cookies)
	}
}

// gunzipSource closes both the gzip stream and the underlying network body.
type gunzipSource struct {
	gz    *gzip.Reader
	inner io.Closer
}

func (g *gunzipSource) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gunzipSource) Close() error {
	g.gz.Close()
	return g.inner.Close()
}
