package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
)

// GatewayAllowlist rejects requests whose source address falls outside the
// configured networks. Place it after chi's RealIP middleware so proxied
// requests are judged by the client address.
type GatewayAllowlist struct {
	networks []*net.IPNet
}

// NewGatewayAllowlist parses the CIDR list. An empty list allows every source.
func NewGatewayAllowlist(cidrs []string) (*GatewayAllowlist, error) {
	a := &GatewayAllowlist{}
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			if ip := net.ParseIP(raw); ip != nil && ip.To4() != nil {
				raw += "/32"
			} else {
				raw += "/128"
			}
		}
		_, block, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid gateway CIDR %q: %w", raw, err)
		}
		a.networks = append(a.networks, block)
	}
	return a, nil
}

// Allows reports whether ip is inside one of the configured networks.
func (a *GatewayAllowlist) Allows(ip string) bool {
	if len(a.networks) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, block := range a.networks {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}

// Middleware returns an HTTP middleware enforcing the allowlist.
func (a *GatewayAllowlist) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r.RemoteAddr)
			if !a.Allows(ip) {
				log.Printf("[webhook] rejected callback from %s", ip)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
