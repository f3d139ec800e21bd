package endpoint

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEqual(t *testing.T) {
	a := Endpoint{Host: "1.2.3.4", Port: 5000}
	b := Endpoint{Host: "1.2.3.4", Port: 5000}
	c := Endpoint{Host: "1.2.3.4", Port: 5001}
	d := Endpoint{Host: "9.9.9.9", Port: 5000}

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(d))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		ep   Endpoint
		ok   bool
	}{
		{"valid", Endpoint{"1.2.3.4", 1234}, true},
		{"empty host", Endpoint{"", 1234}, false},
		{"zero port", Endpoint{"1.2.3.4", 0}, false},
		{"negative port", Endpoint{"1.2.3.4", -1}, false},
		{"port too large", Endpoint{"1.2.3.4", 65536}, false},
		{"max port", Endpoint{"1.2.3.4", 65535}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.ep.Validate()
			if c.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestFromAddr(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4242}
	ep, err := FromAddr(addr)
	require.NoError(t, err)
	require.Equal(t, Endpoint{Host: "127.0.0.1", Port: 4242}, ep)
}

func TestString(t *testing.T) {
	ep := Endpoint{Host: "example.com", Port: 80}
	require.Equal(t, "example.com:80", ep.String())
}
