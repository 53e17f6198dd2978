package courier

import "fmt"

// Protocol identifies an application protocol as spoken over ALPN.
type Protocol string

const (
	// ProtocolHTTP10 is only ever seen on responses from ancient servers.
	ProtocolHTTP10 Protocol = "http/1.0"

	// ProtocolHTTP11 is the plaintext-and-TLS default.
	ProtocolHTTP11 Protocol = "http/1.1"

	// ProtocolHTTP2 is negotiated via ALPN on TLS connections.
	ProtocolHTTP2 Protocol = "h2"

	// ProtocolH2PriorKnowledge speaks HTTP/2 over cleartext without
	// negotiation. It cannot be combined with TLS or with other protocols.
	ProtocolH2PriorKnowledge Protocol = "h2_prior_knowledge"
)

// ParseProtocol maps an ALPN identifier to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case string(ProtocolHTTP10):
		return ProtocolHTTP10, nil
	case string(ProtocolHTTP11):
		return ProtocolHTTP11, nil
	case string(ProtocolHTTP2):
		return ProtocolHTTP2, nil
	case string(ProtocolH2PriorKnowledge):
		return ProtocolH2PriorKnowledge, nil
	default:
		return "", fmt.Errorf("courier: unexpected protocol %q", s)
	}
}

// alpnID returns the identifier offered during TLS negotiation.
func (p Protocol) alpnID() string {
	if p == ProtocolH2PriorKnowledge {
		return "h2"
	}
	return string(p)
}

func (p Protocol) String() string { return string(p) }

func validateProtocols(protocols []Protocol) error {
	if len(protocols) == 0 {
		return fmt.Errorf("courier: protocols must not be empty")
	}
	h2pk := false
	for _, p := range protocols {
		switch p {
		case ProtocolHTTP11, ProtocolHTTP2:
		case ProtocolH2PriorKnowledge:
			h2pk = true
		case ProtocolHTTP10:
			return fmt.Errorf("courier: protocols must not contain %s", p)
		default:
			return fmt.Errorf("courier: unknown protocol %q", p)
		}
	}
	if h2pk && len(protocols) > 1 {
		return fmt.Errorf("courier: %s cannot be combined with other protocols", ProtocolH2PriorKnowledge)
	}
	return nil
}
