package courier

import (
	"encoding/base64"
	"net/url"
)

// Authenticator reacts to a 401 (or 407, for the proxy authenticator) by
// producing a request with credentials attached, or nil to give up. The
// challenge response is passed with its body already closed.
type Authenticator interface {
	Authenticate(route *Route, resp *Response) (*Request, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(route *Route, resp *Response) (*Request, error)

func (f AuthenticatorFunc) Authenticate(route *Route, resp *Response) (*Request, error) {
	return f(route, resp)
}

// BasicAuth answers every challenge with RFC 7617 basic credentials. Use as
// either the origin or proxy authenticator.
func BasicAuth(username, password string) Authenticator {
	credential := "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	return AuthenticatorFunc(func(route *Route, resp *Response) (*Request, error) {
		header := "Authorization"
		if resp.StatusCode == StatusProxyAuthRequired {
			header = "Proxy-Authorization"
		}
		if resp.Request.Header(header) == credential {
			// Credentials were already rejected once; retrying is futile.
			return nil, nil
		}
		return resp.Request.Derive(func(r *Request) error {
			r.headers.Set(header, credential)
			return nil
		})
	})
}

// Cookie is a minimal cookie representation handed to the jar.
type Cookie struct {
	Name  string
	Value string
	Raw   string // the full Set-Cookie line as received
}

// CookieJar persists cookies between calls. The bridge interceptor loads
// cookies before transmitting and saves any Set-Cookie headers from the
// response. Implementations own their matching and expiry policy.
type CookieJar interface {
	Load(u *url.URL) []Cookie
	Save(u *url.URL, cookies []Cookie)
}

// NoCookies is the default jar: it keeps nothing.
var NoCookies CookieJar = noCookies{}

type noCookies struct{}

func (noCookies) Load(*url.URL) []Cookie    { return nil }
func (noCookies) Save(*url.URL, []Cookie) {}
