package proxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultTunnelPort is used when a CONNECT target carries no port.
const DefaultTunnelPort = 443

// ErrInvalidAuthority is wrapped by every ParseAuthority failure.
var ErrInvalidAuthority = errors.New("invalid authority")

// Authority is a parsed host:port pair. Port is always within 1-65535.
type Authority struct {
	Hostname string
	Port     int
}

// String renders host:port, bracketing IPv6 literals.
func (a Authority) String() string {
	return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
}

// ParseAuthority parses "[ipv6]:port", "host:port" or a bare "host", the latter
// defaulting to port 443. Failures are *Error values with ErrCodeMalformedRequest.
func ParseAuthority(raw string) (Authority, error) {
	if raw == "" {
		return Authority{}, malformedAuthority(raw, "empty authority")
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.Index(raw, "]")
		if end < 0 {
			return Authority{}, malformedAuthority(raw, "unterminated IPv6 literal")
		}
		host := raw[1:end]
		rest := raw[end+1:]
		if host == "" {
			return Authority{}, malformedAuthority(raw, "empty host")
		}
		if !strings.HasPrefix(rest, ":") {
			return Authority{}, malformedAuthority(raw, "IPv6 literal requires a port")
		}
		port, err := parsePort(rest[1:])
		if err != nil {
			return Authority{}, malformedAuthority(raw, err.Error())
		}
		return Authority{Hostname: host, Port: port}, nil
	}

	switch strings.Count(raw, ":") {
	case 0:
		return Authority{Hostname: raw, Port: DefaultTunnelPort}, nil
	case 1:
		host, portStr, _ := strings.Cut(raw, ":")
		if host == "" {
			return Authority{}, malformedAuthority(raw, "empty host")
		}
		port, err := parsePort(portStr)
		if err != nil {
			return Authority{}, malformedAuthority(raw, err.Error())
		}
		return Authority{Hostname: host, Port: port}, nil
	default:
		return Authority{}, malformedAuthority(raw, "too many colons")
	}
}

func parsePort(s string) (int, error) {
	if s == "" {
		return 0, errors.New("missing port")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-numeric port %q", s)
		}
	}
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %s out of range 1-65535", s)
	}
	return port, nil
}

func malformedAuthority(raw, reason string) *Error {
	return newCodedError(ErrCodeMalformedRequest, fmt.Errorf("%w %q: %s", ErrInvalidAuthority, raw, reason))
}
