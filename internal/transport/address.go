package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort is used when an address names no port.
const DefaultPort = 10800

const (
	SchemeTCP = "tcp"
	SchemeWS  = "ws"
	SchemeWSS = "wss"
)

var ErrInvalidAddress = errors.New("invalid address")

// Address is an immutable cluster node endpoint.
type Address struct {
	Scheme string
	Host   string
	Port   int
	// Path is only used by WebSocket addresses.
	Path string
}

// ParseAddress accepts "host", "host:port", "[v6]:port" and the URL forms
// "tcp://host:port", "ws://host:port/path" and "wss://host:port/path".
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
		}
		switch u.Scheme {
		case SchemeTCP, SchemeWS, SchemeWSS:
		default:
			return Address{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
		}
		addr, err := parseHostPort(u.Host)
		if err != nil {
			return Address{}, err
		}
		addr.Scheme = u.Scheme
		if u.Scheme != SchemeTCP {
			addr.Path = u.Path
		}
		return addr, nil
	}

	addr, err := parseHostPort(s)
	if err != nil {
		return Address{}, err
	}
	addr.Scheme = SchemeTCP
	return addr, nil
}

// ParseAddresses parses a list, failing on the first invalid entry.
func ParseAddresses(list []string) ([]Address, error) {
	out := make([]Address, 0, len(list))
	for _, s := range list {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func parseHostPort(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port: the whole string is the host, with IPv6 brackets removed.
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		if host == "" || strings.ContainsAny(host, "[]") {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		return Address{Host: host, Port: DefaultPort}, nil
	}
	if host == "" {
		return Address{}, fmt.Errorf("%w: %q has no host", ErrInvalidAddress, s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, s)
	}
	return Address{Host: host, Port: port}, nil
}

// HostPort returns "host:port" suitable for net.Dial.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	if a.Scheme == "" || a.Scheme == SchemeTCP {
		return a.HostPort()
	}
	return a.Scheme + "://" + a.HostPort() + a.Path
}
