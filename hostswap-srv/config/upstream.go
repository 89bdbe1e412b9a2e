package config

import (
	"fmt"
	"net"
	"net/url"
)

// UpstreamProxy describes a proxy that upstream connections are chained through.
type UpstreamProxy struct {
	Scheme   string // socks5 or http
	Address  string // host:port
	Username *string
	Password *string
}

// ParseUpstreamProxy parses a socks5://[user[:pass]@]host:port or
// http://[user[:pass]@]host:port URL.
func ParseUpstreamProxy(raw string) (*UpstreamProxy, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("upstreamProxy: %w", err)
	}

	var scheme string
	switch u.Scheme {
	case "socks5", "socks5h":
		scheme = "socks5"
	case "http":
		scheme = "http"
	default:
		return nil, fmt.Errorf("upstreamProxy: unsupported scheme %q", u.Scheme)
	}

	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return nil, fmt.Errorf("upstreamProxy: address must be host:port: %w", err)
	}

	up := &UpstreamProxy{Scheme: scheme, Address: u.Host}
	if u.User != nil {
		user := u.User.Username()
		up.Username = &user
		if pass, ok := u.User.Password(); ok {
			up.Password = &pass
		}
	}
	return up, nil
}
