package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbalin/nat-tunnel/internal/endpoint"
)

func descriptor(host string, port int) *OriginDescriptor {
	client, srv := net.Pipe()
	srv.Close()
	return &OriginDescriptor{
		Conn:    client,
		Public:  endpoint.Endpoint{Host: host, Port: port},
		Private: endpoint.Endpoint{Host: host, Port: port + 1},
	}
}

func TestClientPairAddFillsSlotsInOrder(t *testing.T) {
	var p ClientPair
	slot, err := p.Add(descriptor("1.1.1.1", 1))
	require.NoError(t, err)
	require.Equal(t, "A", slot)
	require.False(t, p.Complete())

	slot, err = p.Add(descriptor("2.2.2.2", 2))
	require.NoError(t, err)
	require.Equal(t, "B", slot)
	require.True(t, p.Complete())
}

func TestClientPairAddRejectsThirdClient(t *testing.T) {
	var p ClientPair
	_, err := p.Add(descriptor("1.1.1.1", 1))
	require.NoError(t, err)
	_, err = p.Add(descriptor("2.2.2.2", 2))
	require.NoError(t, err)

	_, err = p.Add(descriptor("3.3.3.3", 3))
	require.ErrorIs(t, err, ErrPairFull)
}

func TestClientPairFindByPublic(t *testing.T) {
	var p ClientPair
	d := descriptor("1.1.1.1", 1)
	p.Add(d)

	slot, found := p.FindByPublic(endpoint.Endpoint{Host: "1.1.1.1", Port: 1})
	require.Equal(t, "A", slot)
	require.Same(t, d, found)

	_, found = p.FindByPublic(endpoint.Endpoint{Host: "9.9.9.9", Port: 9})
	require.Nil(t, found)
}

func TestClientPairRemoveByPublic(t *testing.T) {
	var p ClientPair
	p.Add(descriptor("1.1.1.1", 1))
	p.Add(descriptor("2.2.2.2", 2))

	require.True(t, p.RemoveByPublic(endpoint.Endpoint{Host: "1.1.1.1", Port: 1}))
	require.Nil(t, p.A)
	require.NotNil(t, p.B)
	require.False(t, p.RemoveByPublic(endpoint.Endpoint{Host: "9.9.9.9", Port: 9}))
}

func TestClientPairClearClosesBothConns(t *testing.T) {
	var p ClientPair
	a := descriptor("1.1.1.1", 1)
	b := descriptor("2.2.2.2", 2)
	p.Add(a)
	p.Add(b)

	p.Clear()
	require.Nil(t, p.A)
	require.Nil(t, p.B)

	_, err := a.Conn.Write([]byte("x"))
	require.Error(t, err)
}

func TestValidateDescriptorRejectsEmptyPrivateHost(t *testing.T) {
	d := descriptor("1.1.1.1", 1)
	d.Private.Host = ""
	require.Error(t, validateDescriptor(d))
}
