// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package adaptor

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// ParseHostLocation extracts host and port from a remote location.
// Accepted forms: host, host:port, scheme://host and scheme://host:port,
// where scheme must be one of schemes. Missing ports default to
// defaultPort.
func ParseHostLocation(location string, defaultPort string, schemes ...string) (host string, port string, err error) {
	if location == "" {
		return "", "", errdefs.E(errdefs.InvalidLocation, "location must name a host")
	}
	raw := location
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errdefs.E(errdefs.InvalidLocation, "invalid location "+strconv.Quote(location), err)
	}
	if u.Scheme != "" && !contains(schemes, u.Scheme) {
		return "", "", errdefs.Errorf(errdefs.InvalidLocation,
			"expected one of %v, got %s://", schemes, u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", errdefs.Errorf(errdefs.InvalidLocation, "location %q must not carry a path", location)
	}
	host = u.Hostname()
	if host == "" {
		return "", "", errdefs.Errorf(errdefs.InvalidLocation, "location %q has no host", location)
	}
	port = u.Port()
	if port == "" {
		port = defaultPort
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", "", errdefs.Errorf(errdefs.InvalidLocation, "location %q has an invalid port", location)
	}
	return host, port, nil
}

// HostAddress joins host and port for dialing.
func HostAddress(host, port string) string {
	return net.JoinHostPort(host, port)
}

// IsLocalLocation reports whether location refers to the local machine for
// an adaptor accepting the given schemes ("", "/", "scheme://" or
// "scheme:///").
func IsLocalLocation(location string, schemes ...string) bool {
	if location == "" || location == "/" {
		return true
	}
	for _, s := range schemes {
		if location == s+"://" || location == s+":///" {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
