package socket

import (
	"net"
	"net/url"
	"strings"
)

// isLocalOrPrivateHost reports whether host (a hostname or IP literal, with
// or without a port) refers to localhost or an RFC1918/loopback-style
// private address, per spec.md §4.8: localhost, 127.0.0.1, 10.*,
// 192.168.*, 172.16.*-172.31.*, and the IPv4-mapped IPv6 loopback
// [::ffff:7f00:1].
func isLocalOrPrivateHost(host string) bool {
	h := host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		h = hostOnly
	}
	h = strings.Trim(h, "[]")

	if h == "localhost" {
		return true
	}

	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}

	if ip.IsLoopback() {
		return true
	}

	if v4 := ip.To4(); v4 != nil {
		switch {
		case v4[0] == 10:
			return true
		case v4[0] == 192 && v4[1] == 168:
			return true
		case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
			return true
		}
		return false
	}

	// ::ffff:7f00:1 is the IPv4-mapped form of 127.0.0.1.
	if ip.To4() == nil && ip.Equal(net.ParseIP("::ffff:127.0.0.1")) {
		return true
	}

	return false
}

// defaultScheme picks "ws" for local/private hosts and "wss" otherwise,
// unless rawURL already specifies a scheme.
func defaultScheme(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i > 0 {
		return rawURL[:i]
	}

	// Parse as a network-path reference so a bare "host:port/path" yields
	// its host rather than being read as scheme "host".
	u, err := url.Parse("//" + strings.TrimPrefix(rawURL, "//"))
	if err != nil {
		return "wss"
	}

	if isLocalOrPrivateHost(u.Host) {
		return "ws"
	}
	return "wss"
}

// ensureScheme prefixes rawURL with its default ws/wss scheme if a
// URLProvider returned a bare host[:port][/path] without one.
func ensureScheme(rawURL string) string {
	if strings.Contains(rawURL, "://") {
		return rawURL
	}
	return defaultScheme(rawURL) + "://" + strings.TrimPrefix(rawURL, "//")
}
