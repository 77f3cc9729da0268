package stream

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// StreamURL derives an instance's streaming endpoint from its HTTP base
// address: the scheme swaps http->ws (https->wss) and the port is the HTTP
// port plus one. Every engine process exposes its stream this way.
func StreamURL(httpAddr string) (string, error) {
	u, err := url.Parse(httpAddr)
	if err != nil {
		return "", fmt.Errorf("parse base address: %w", err)
	}

	var scheme string
	var defaultPort int
	switch u.Scheme {
	case "http":
		scheme = "ws"
		defaultPort = 80
	case "https":
		scheme = "wss"
		defaultPort = 443
	default:
		return "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, httpAddr)
	}

	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("missing host in %q", httpAddr)
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", fmt.Errorf("invalid port in %q: %w", httpAddr, err)
		}
	}

	out := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port+1)),
		Path:   u.Path,
	}
	return out.String(), nil
}
