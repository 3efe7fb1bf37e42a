package routing

import (
	"net"
	"net/url"
	"strings"
)

// RewriteSource replaces a loopback host in source with internalHost, keeping
// scheme, credentials, port, path and query. The backend resolves addresses in
// its own network namespace, where our loopback means something else. Sources
// naming any other host, or that do not parse as URLs with a host, are
// returned unchanged.
func RewriteSource(source, internalHost string) string {
	if internalHost == "" {
		return source
	}
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return source
	}
	if !IsLoopbackHost(u.Hostname()) {
		return source
	}

	host := internalHost
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(internalHost, port)
	}
	// Swap only the host text so the rest of the URL stays byte for byte.
	prefix := u.Scheme + "://"
	if u.User != nil {
		prefix += u.User.String() + "@"
	}
	if !strings.HasPrefix(source, prefix+u.Host) {
		u.Host = host
		return u.String()
	}
	return prefix + host + source[len(prefix)+len(u.Host):]
}

// IsLoopbackHost reports whether host names the local loopback interface.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
