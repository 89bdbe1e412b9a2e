package proxy

import (
	"net"
	"strconv"
	"strings"

	"github.com/codefionn/hostswap/hostswap-srv/config"
)

// RedirectPort is the port every redirected connection goes to.
const RedirectPort = 443

// RewriteDecision is where a request or tunnel is actually sent.
type RewriteDecision struct {
	EffectiveHost string
	EffectivePort int
	IsRedirected  bool
}

// Address returns the dialable host:port of the decision.
func (d RewriteDecision) Address() string {
	return net.JoinHostPort(d.EffectiveHost, strconv.Itoa(d.EffectivePort))
}

// Decide redirects traffic for cfg.SourceHost to cfg.TargetHost:443 and passes
// everything else through unchanged. Hostnames compare case-insensitively and
// ignore a trailing dot.
func Decide(hostname string, port int, cfg *config.Config) RewriteDecision {
	if normalizeHost(hostname) == normalizeHost(cfg.SourceHost) {
		return RewriteDecision{
			EffectiveHost: cfg.TargetHost,
			EffectivePort: RedirectPort,
			IsRedirected:  true,
		}
	}
	return RewriteDecision{
		EffectiveHost: hostname,
		EffectivePort: port,
	}
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
