package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// TrustedRealIP rewrites r.RemoteAddr to the client IP carried in X-Real-IP
// or X-Forwarded-For, but only when the connection itself comes from one of
// the given proxy networks. Requests from anywhere else keep their original
// RemoteAddr, so an untrusted client cannot spoof its way past per-IP rate
// limiting by setting the headers itself.
//
// Entries are CIDRs; a bare IP is treated as a /32 (or /128). Invalid
// entries are logged and skipped at startup.
func TrustedRealIP(trustedProxies []string) func(http.Handler) http.Handler {
	nets := parseProxyNets(trustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remote := parseAddr(r.RemoteAddr)
			if fromTrustedProxy(remote, nets) {
				if ip := forwardedClientIP(r.Header); ip != nil {
					r.RemoteAddr = ip.String()
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseProxyNets(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if _, network, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			slog.Warn("skipping invalid trusted proxy entry", "entry", entry)
			continue
		}
		mask := net.CIDRMask(128, 128)
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
	}
	return nets
}

// forwardedClientIP returns the client IP asserted by proxy headers, or nil
// when neither header carries a parseable address. X-Real-IP wins over
// X-Forwarded-For; in a forwarding chain the first hop is the client.
func forwardedClientIP(h http.Header) net.IP {
	if rip := strings.TrimSpace(h.Get("X-Real-IP")); rip != "" {
		if ip := net.ParseIP(rip); ip != nil {
			return ip
		}
	}

	xff := h.Get("X-Forwarded-For")
	if xff == "" {
		return nil
	}
	first, _, _ := strings.Cut(xff, ",")
	return net.ParseIP(strings.TrimSpace(first))
}

// parseAddr handles both "host:port" and bare-IP RemoteAddr forms.
func parseAddr(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}

func fromTrustedProxy(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
