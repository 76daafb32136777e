package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

type Scheme string

const (
	SchemeTCP    Scheme = "tcp"
	SchemeTLS    Scheme = "tls+tcp"
	SchemeInproc Scheme = "inproc"
)

// Address is a parsed endpoint URL. Host is host:port for the TCP schemes and
// the bare name for inproc.
type Address struct {
	Scheme Scheme
	Host   string
}

func (a Address) String() string {
	return string(a.Scheme) + "://" + a.Host
}

// ParseAddress validates raw against the supported schemes.
func ParseAddress(raw string) (Address, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || rest == "" {
		return Address{}, fmt.Errorf("%w: %q is not scheme://host", ErrInvalidAddress, raw)
	}

	switch Scheme(scheme) {
	case SchemeInproc:
		if strings.ContainsAny(rest, " \t\n") {
			return Address{}, fmt.Errorf("%w: %q has whitespace in its name", ErrInvalidAddress, raw)
		}
		return Address{Scheme: SchemeInproc, Host: rest}, nil
	case SchemeTCP, SchemeTLS:
		host, port, err := net.SplitHostPort(rest)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
		}
		n, err := strconv.Atoi(port)
		if err != nil || n < 0 || n > 65535 {
			return Address{}, fmt.Errorf("%w: %q has bad port %q", ErrInvalidAddress, raw, port)
		}
		// "*" binds all interfaces
		if host == "*" {
			host = ""
		}
		return Address{Scheme: Scheme(scheme), Host: net.JoinHostPort(host, port)}, nil
	default:
		return Address{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, scheme)
	}
}
