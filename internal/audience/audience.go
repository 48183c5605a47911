// Package audience derives BrowserID audience strings from endpoint URLs.
package audience

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrNotAbsolute is returned by Parse when the URL has no scheme or host.
var ErrNotAbsolute = errors.New("audience: URL must be absolute")

// For returns the audience for u: scheme://host[:port].
//
// Path, query, fragment and userinfo are dropped. The port is kept only when
// u carries one explicitly, and it is kept verbatim even when it matches the
// default port of the scheme.
func For(u *url.URL) string {
	host := u.Hostname()
	if strings.Contains(host, ":") {
		// IPv6 literal lost its brackets in Hostname.
		host = "[" + host + "]"
	}

	if port := u.Port(); port != "" {
		return u.Scheme + "://" + net.JoinHostPort(u.Hostname(), port)
	}
	return u.Scheme + "://" + host
}

// Parse parses raw and returns its audience.
func Parse(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("audience: invalid URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrNotAbsolute, raw)
	}
	return For(u), nil
}
