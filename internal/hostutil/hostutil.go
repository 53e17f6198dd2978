// Package hostutil normalises host names the way they appear on the wire:
// lower-cased, IDNA/punycode encoded, with IPv6 literals bracketed.
package hostutil

import (
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// Canonicalize returns the canonical form of host: ASCII punycode for
// international domain names, lower case, and the compressed textual form for
// IP literals. It returns an empty string when host cannot represent a valid
// host name.
func Canonicalize(host string) string {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return ""
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil {
			return "[" + ip.String() + "]"
		}
		return ip.String()
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Lookup is strict; hosts with underscores (common for internal
		// DNS) fail it but are plainly addressable, so pass plain ASCII
		// names through lower-cased.
		if isPlainASCIIHost(host) {
			return strings.ToLower(host)
		}
		return ""
	}
	return strings.ToLower(ascii)
}

func isPlainASCIIHost(host string) bool {
	for i := 0; i < len(host); i++ {
		c := host[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '-', c == '_':
		default:
			return false
		}
	}
	return len(host) > 0
}

// IsIPAddress reports whether host parses as a literal IPv4 or IPv6 address.
func IsIPAddress(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return net.ParseIP(host) != nil
}

// DefaultPort returns the well-known port for an http or https scheme.
func DefaultPort(scheme string) int {
	switch scheme {
	case "https":
		return 443
	case "http":
		return 80
	default:
		return -1
	}
}
