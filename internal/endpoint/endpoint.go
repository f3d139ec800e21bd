// Package endpoint defines the (host, port) value type shared by the
// rendezvous protocol, the descriptors held by the rendezvous server, and
// the peer dial targets raced by the client driver.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Endpoint is a printable network address plus a port number. Host is not
// required to be a literal IP: a client's self-reported private endpoint is
// usually an IP, but server-configured hosts may be names.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ErrInvalidEndpoint is returned by Validate when a field is empty or the
// port is out of the 1..65535 range required by spec.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Validate reports ErrInvalidEndpoint if Host is empty or Port is not in
// 1..65535.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	return nil
}

// Equal reports whether both endpoints have the same host and port.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Host == other.Host && e.Port == other.Port
}

// String renders the endpoint as host:port, suitable for net.Dial.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsZero reports whether e is the zero value.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// FromAddr extracts an Endpoint from a net.Addr produced by a TCP socket,
// e.g. conn.RemoteAddr() or conn.LocalAddr(). Used by the rendezvous server
// to capture a control socket's observed public endpoint, and by the client
// to learn its own ephemeral local port.
func FromAddr(addr net.Addr) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: split addr %q: %w", addr.String(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: parse port %q: %w", portStr, err)
	}
	return Endpoint{Host: host, Port: port}, nil
}
