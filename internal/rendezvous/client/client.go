// Package client implements the client rendezvous driver: it registers with
// the rendezvous server, waits for an introduction, races a public-endpoint
// dial against a private-endpoint dial, and falls back to server-relayed
// mode if both fail.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/libp2p/go-reuseport"

	"github.com/qbalin/nat-tunnel/internal/endpoint"
	"github.com/qbalin/nat-tunnel/internal/forwarder"
	"github.com/qbalin/nat-tunnel/internal/multiplex"
	"github.com/qbalin/nat-tunnel/internal/protocol"
)

// DefaultTimeout is the retry budget, in seconds, for a single dial attempt.
const DefaultTimeout = 60

const retryDelay = time.Second

// Driver connects to a rendezvous server, negotiates a peer socket, and
// drives port forwarding over it.
type Driver struct {
	Host        string
	Port        int
	ForwardPort int

	// Timeout bounds each dial attempt's retry budget, in seconds. Zero
	// means DefaultTimeout.
	Timeout int

	Logger *slog.Logger
}

// New creates a Driver. logger may be nil, in which case slog.Default is
// used.
func New(host string, port, forwardPort, timeout int, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{Host: host, Port: port, ForwardPort: forwardPort, Timeout: timeout, Logger: logger}
}

// Run connects to the rendezvous server and drives the full handshake: try
// direct p2p first, fall back to relay, then forward traffic over whichever
// peer socket resulted. It blocks until ctx is canceled or an unrecoverable
// error occurs.
func (d *Driver) Run(ctx context.Context) error {
	relay := false
	for {
		peer, err := d.connectOnce(ctx, relay)
		if err != nil {
			return err
		}
		if peer == nil {
			d.Logger.Warn("client: both peer dial attempts exhausted, falling back to relay")
			relay = true
			continue
		}
		return d.serve(ctx, peer)
	}
}

// connectOnce performs one full connect-register-introduce cycle. A nil,nil
// return means both p2p dial attempts failed and the caller should retry
// with relay=true.
func (d *Driver) connectOnce(ctx context.Context, relay bool) (net.Conn, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(d.Host, strconv.Itoa(d.Port)))
	if err != nil {
		return nil, fmt.Errorf("client: dial rendezvous server: %w", err)
	}

	localAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("client: unexpected local address type %T", conn.LocalAddr())
	}

	reg := protocol.NewRegister(localAddr.Port, localAddr.IP.String(), relay)
	if err := protocol.WriteMessage(conn, reg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: write register: %w", err)
	}

	dec := protocol.NewDecoder(conn)
	msg, err := awaitIntroduction(dec)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: awaiting introduction: %w", err)
	}

	if msg.InitiateRelayedCommunication != nil {
		d.Logger.Info("client: relay handoff received", "name", msg.InitiateRelayedCommunication.Name, "peer", msg.InitiateRelayedCommunication.PeerName)
		return promoteToPeerSocket(conn, dec), nil
	}

	intro := msg.TryConnectToPeer
	d.Logger.Info("client: direct-connect introduction received", "name", intro.Name, "peer", intro.PeerName)

	// Some kernels refuse to let the client reuse its ephemeral source port
	// for a new outbound connection while the 4-tuple toward the server is
	// still open. Waiting for the peer-initiated EOF only gets the socket to
	// CLOSE_WAIT; it must be closed here, before the port is rebound by
	// raceDial, for the local end to actually free it.
	waitForServerClose(conn)
	conn.Close()

	peer, err := d.raceDial(ctx, localAddr, intro.Public, intro.Private)
	if err != nil {
		d.Logger.Debug("client: race dial failed", "err", err)
		return nil, nil
	}
	return peer, nil
}

// awaitIntroduction decodes messages until one of the two introduction
// commands arrives, ignoring anything else.
func awaitIntroduction(dec *protocol.Decoder) (protocol.Message, error) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			return protocol.Message{}, err
		}
		if msg.TryConnectToPeer != nil || msg.InitiateRelayedCommunication != nil {
			return msg, nil
		}
	}
}

// waitForServerClose blocks until the control socket's peer (the
// rendezvous server) closes its end.
func waitForServerClose(conn net.Conn) {
	io.Copy(io.Discard, conn)
}

// promoteToPeerSocket turns a control connection into the peer multiplex
// socket used for relayed communication, replaying any bytes already pulled
// out of the wire by dec before the live stream.
func promoteToPeerSocket(conn net.Conn, dec *protocol.Decoder) net.Conn {
	leftover := dec.Buffered()
	if len(leftover) == 0 {
		return conn
	}
	return &leftoverConn{Conn: conn, r: io.MultiReader(bytes.NewReader(leftover), conn)}
}

// leftoverConn replays buffered bytes ahead of live reads from the
// underlying conn, while delegating everything else (Write, Close,
// deadlines) unchanged.
type leftoverConn struct {
	net.Conn
	r io.Reader
}

func (c *leftoverConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// raceDial dials the peer's public and private endpoints concurrently from
// the same local port, keeps whichever succeeds first, and cancels the
// other.
func (d *Driver) raceDial(ctx context.Context, localAddr *net.TCPAddr, public, private endpoint.Endpoint) (net.Conn, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		conn net.Conn
		err  error
	}
	results := make(chan outcome, 2)

	dial := func(target endpoint.Endpoint) {
		conn, err := d.dialWithRetry(raceCtx, localAddr, target)
		results <- outcome{conn, err}
	}
	go dial(public)
	go dial(private)

	// The cancelled loser can still have completed its dial before seeing
	// raceCtx end; drain its outcome in the background and close the
	// connection if it got one, so a dial that wins the race never leaks the
	// socket the other attempt also opened.
	drainLoser := func() {
		if r := <-results; r.conn != nil {
			r.conn.Close()
		}
	}

	var lastErr error
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			go drainLoser()
			return r.conn, nil
		}
		lastErr = r.err
	}
	return nil, fmt.Errorf("client: both public and private dial attempts failed: %w", lastErr)
}

// dialWithRetry retries every second, bounded by the driver's timeout,
// aborting early if ctx is canceled (the peer attempt's cancellation token
// has fired).
func (d *Driver) dialWithRetry(ctx context.Context, localAddr *net.TCPAddr, target endpoint.Endpoint) (net.Conn, error) {
	budget := d.Timeout
	if budget <= 0 {
		budget = DefaultTimeout
	}

	dialer := &net.Dialer{
		Control:   reuseport.Control,
		LocalAddr: &net.TCPAddr{IP: localAddr.IP, Port: localAddr.Port},
		KeepAlive: 15 * time.Second,
	}

	for attempt := 0; attempt < budget; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := dialer.DialContext(ctx, "tcp", target.String())
		if err == nil {
			return conn, nil
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("client: dial %s exhausted retry budget after %ds", target, budget)
}

// serve wires a resolved peer socket into a multiplex channel plus a port
// forwarder, and blocks until the multiplex socket stops serving or ctx is
// canceled.
func (d *Driver) serve(ctx context.Context, peer net.Conn) error {
	var fwd *forwarder.Forwarder
	sock := multiplex.New(peer, func(channelID string, data []byte) {
		fwd.HandleFrame(ctx, channelID, data)
	}, d.Logger)
	fwd = forwarder.New(d.ForwardPort, sock, d.Logger)

	errCh := make(chan error, 2)
	go func() { errCh <- sock.Serve(ctx) }()
	go func() { errCh <- fwd.Run(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
