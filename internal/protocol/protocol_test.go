package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbalin/nat-tunnel/internal/endpoint"
)

func TestRoundTripRegister(t *testing.T) {
	var buf bytes.Buffer
	msg := NewRegister(5000, "192.168.1.5", false)
	require.NoError(t, WriteMessage(&buf, msg))

	dec := NewDecoder(&buf)
	got, err := dec.Decode()
	require.NoError(t, err)
	require.NotNil(t, got.Register)
	require.Equal(t, msg, *got.Register)
}

func TestRoundTripTryConnectToPeer(t *testing.T) {
	var buf bytes.Buffer
	msg := TryConnectToPeer{
		Command:  CmdTryConnectToPeer,
		Name:     "A",
		PeerName: "B",
		Public:   endpoint.Endpoint{Host: "1.2.3.4", Port: 5000},
		Private:  endpoint.Endpoint{Host: "10.0.0.2", Port: 5001},
	}
	require.NoError(t, WriteMessage(&buf, msg))

	dec := NewDecoder(&buf)
	got, err := dec.Decode()
	require.NoError(t, err)
	require.NotNil(t, got.TryConnectToPeer)
	require.Equal(t, msg, *got.TryConnectToPeer)
}

func TestMultipleMessagesBackToBack(t *testing.T) {
	var buf bytes.Buffer
	a := NewRegister(1, "a", false)
	b := InitiateRelayedCommunication{Command: CmdInitiateRelayedCommunication, Name: "A", PeerName: "B"}
	require.NoError(t, WriteMessage(&buf, a))
	require.NoError(t, WriteMessage(&buf, b))

	dec := NewDecoder(&buf)
	m1, err := dec.Decode()
	require.NoError(t, err)
	require.NotNil(t, m1.Register)

	m2, err := dec.Decode()
	require.NoError(t, err)
	require.NotNil(t, m2.InitiateRelayedCommunication)
	require.Equal(t, b, *m2.InitiateRelayedCommunication)
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"command":"explode","payload":42}`)

	dec := NewDecoder(&buf)
	got, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, "explode", got.Unknown)
	require.Nil(t, got.Register)
}

func TestMalformedJSONTreatedAsNoOp(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"command": not valid json`)

	dec := NewDecoder(&buf)
	got, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, Message{}, got)
}

func TestDecodeReturnsEOFOnEmptyStream(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil))
	_, err := dec.Decode()
	require.ErrorIs(t, err, io.EOF)
}

func TestBufferedCapturesLookaheadBytes(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"command":"register","localPort":1,"localAddress":"a","relay":false}`)
	buf.WriteString("trailing-raw-bytes")

	dec := NewDecoder(&buf)
	_, err := dec.Decode()
	require.NoError(t, err)

	leftover := dec.Buffered()
	require.Equal(t, "trailing-raw-bytes", string(leftover))
}
