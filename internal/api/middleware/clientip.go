package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

type clientIPKey struct{}

// TrustedProxies resolves the client address of a request. Forwarding headers
// are honored only when the connection comes from one of the listed networks.
type TrustedProxies struct {
	nets []*net.IPNet
}

// NewTrustedProxies parses IPs and CIDRs. Invalid entries are logged and skipped.
func NewTrustedProxies(entries []string, logger zerolog.Logger) *TrustedProxies {
	nets, ips := parseNetworks(entries, logger)
	for ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			logger.Warn().Str("entry", ip).Msg("invalid trusted proxy address")
			continue
		}
		bits := 32
		if parsed.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: parsed, Mask: net.CIDRMask(bits, bits)})
	}
	if len(nets) > 0 {
		logger.Info().Int("networks", len(nets)).Msg("trusted proxies configured")
	}
	return &TrustedProxies{nets: nets}
}

func (p *TrustedProxies) trusted(ipStr string) bool {
	if p == nil {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address, or the forwarded client address when the
// peer is a trusted proxy.
func (p *TrustedProxies) ClientIP(r *http.Request) string {
	peer := remoteHost(r)
	if !p.trusted(peer) {
		return peer
	}

	if ip := strings.TrimSpace(r.Header.Get("Fly-Client-IP")); net.ParseIP(ip) != nil {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Rightmost hop not added by one of our proxies.
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			if !p.trusted(hop) || i == 0 {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
		return ip
	}
	return peer
}

// Middleware stores the resolved client address for RealIP.
func (p *TrustedProxies) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, p.ClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RealIP returns the client address resolved by TrustedProxies.Middleware,
// falling back to the connection's peer address.
func RealIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// parseNetworks splits entries into CIDR networks and single addresses.
func parseNetworks(entries []string, logger zerolog.Logger) ([]*net.IPNet, map[string]bool) {
	var nets []*net.IPNet
	ips := make(map[string]bool)
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			ips[entry] = true
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR")
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets, ips
}
