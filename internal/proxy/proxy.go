// Package proxy checks that a forwarding proxy accepts connections, so a dead
// proxy is reported as such rather than as a failure of whatever sits
// behind it.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single dial.
const DefaultTimeout = 5 * time.Second

// Addr returns the host:port to dial for proxy, filling in the scheme's
// default port.
func Addr(proxy string) (string, error) {
	u, err := url.Parse(proxy)
	if err != nil {
		return "", fmt.Errorf("invalid proxy %q: %w", proxy, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid proxy %q: missing host", proxy)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		case "socks5", "socks5h":
			port = "1080"
		default:
			return "", fmt.Errorf("invalid proxy %q: unsupported scheme %q", proxy, u.Scheme)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Reach opens and closes one TCP connection to proxy.
func Reach(ctx context.Context, proxy string, timeout time.Duration) error {
	addr, err := Addr(proxy)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn.Close()
}
