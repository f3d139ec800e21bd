package forwarder

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qbalin/nat-tunnel/internal/multiplex"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startEchoServer(t *testing.T, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
}

// TestEndToEndEcho wires two Forwarders back to back over a net.Pipe acting
// as the peer multiplex socket, with a real TCP echo server standing in for
// the "local service" on the remote side, exercising the full
// app -> local TCP -> forwarder -> frame -> peer -> frame -> forwarder ->
// local TCP -> app round trip end to end.
func TestEndToEndEcho(t *testing.T) {
	echoPort := freePort(t)
	startEchoServer(t, echoPort)

	localPortA := freePort(t)

	pa, pb := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fwdA, fwdB *Forwarder
	socketA := multiplex.New(pa, func(id string, data []byte) { fwdA.HandleFrame(ctx, id, data) }, nil)
	socketB := multiplex.New(pb, func(id string, data []byte) { fwdB.HandleFrame(ctx, id, data) }, nil)
	defer socketA.Close()
	defer socketB.Close()

	fwdA = New(localPortA, socketA, nil)
	fwdB = New(echoPort, socketB, nil)

	go socketA.Serve(ctx)
	go socketB.Serve(ctx)
	go fwdA.Run(ctx)
	go fwdB.Run(ctx)

	time.Sleep(50 * time.Millisecond) // let listeners come up

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPortA)))
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("the quick brown fox jumps over the lazy dog")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, len(payload))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf)
}
