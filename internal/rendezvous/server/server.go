package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/qbalin/nat-tunnel/internal/endpoint"
	"github.com/qbalin/nat-tunnel/internal/protocol"
)

// Server accepts rendezvous control connections and runs the pairing
// algorithm. It holds exactly one ClientPair: supporting more than two
// simultaneous clients per session is out of scope.
type Server struct {
	logger *slog.Logger

	pair   ClientPair
	events chan any
}

// New creates a Server. logger may be nil, in which case slog.Default is
// used.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, events: make(chan any)}
}

// registerRequest is submitted by a connection goroutine when it decodes a
// register message.
type registerRequest struct {
	desc     *OriginDescriptor
	resultCh chan registerResult
}

// disconnectRequest is submitted when a control socket ends while its
// descriptor is still the sole occupant of a slot, and when a relayed
// socket's relay ends.
type disconnectRequest struct {
	public endpoint.Endpoint
}

type registerAction int

const (
	actionFail registerAction = iota
	actionIdempotent
	actionWaiting
	actionCompletedTryConnect
	actionCompletedRelay
)

type registerResult struct {
	action   registerAction
	peerConn net.Conn
}

// Run starts the pairing goroutine and accepts connections on ln until ctx
// is canceled or Accept fails fatally.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	go s.runPairing(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("rendezvous: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// runPairing is the single owner of the ClientPair; all mutation happens
// here in response to events submitted by connection goroutines.
func (s *Server) runPairing(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-s.events:
			switch ev := raw.(type) {
			case registerRequest:
				s.handleRegister(ev)
			case disconnectRequest:
				s.handleDisconnect(ev)
			}
		}
	}
}

func (s *Server) handleRegister(req registerRequest) {
	desc := req.desc

	if err := validateDescriptor(desc); err != nil {
		s.logger.Error("rendezvous: malformed register, closing socket", "err", err)
		req.resultCh <- registerResult{action: actionFail}
		return
	}

	if slot, existing := s.pair.FindByPublic(desc.Public); existing != nil {
		s.logger.Info("rendezvous: idempotent re-register", "slot", slot, "public", desc.Public)
		req.resultCh <- registerResult{action: actionIdempotent}
		return
	}

	slotName, err := s.pair.Add(desc)
	if err != nil {
		s.logger.Error("rendezvous: capacity exceeded, rejecting third client", "public", desc.Public)
		req.resultCh <- registerResult{action: actionFail}
		return
	}

	if !s.pair.Complete() {
		s.logger.Debug("rendezvous: registered, awaiting peer", "slot", slotName, "public", desc.Public)
		req.resultCh <- registerResult{action: actionWaiting}
		return
	}

	otherName, other := "A", s.pair.A
	if slotName == "A" {
		otherName, other = "B", s.pair.B
	}

	// Interrupt the other slot's idle read so its connection goroutine stops
	// touching the socket before we write to and possibly splice it; see
	// waitForHandoff for the matching half of this handshake.
	other.Conn.SetReadDeadline(time.Now())
	if err := <-other.handoff; err != nil {
		s.logger.Warn("rendezvous: peer disconnected while completing pair", "err", err)
		s.pair.Clear()
		req.resultCh <- registerResult{action: actionFail}
		return
	}

	s.completePair(slotName, desc, req.resultCh, otherName, other, other.resultCh)
}

// completePair branches on the just-completed descriptor's relay flag,
// writes the appropriate introduction messages, and either ends both
// sockets (direct path) or hands them off for relay.
func (s *Server) completePair(
	newName string, newDesc *OriginDescriptor, newCh chan registerResult,
	oldName string, oldDesc *OriginDescriptor, oldCh chan registerResult,
) {
	if newDesc.Relay {
		// The pair stays occupied while it is relayed: further registrations
		// are rejected until both relayed sockets end (see finish).
		s.logger.Info("rendezvous: pair complete, relaying", "a", oldName, "b", newName)
		writeOrLog(s.logger, newDesc.Conn, protocol.InitiateRelayedCommunication{
			Command: protocol.CmdInitiateRelayedCommunication, Name: newName, PeerName: oldName,
		})
		writeOrLog(s.logger, oldDesc.Conn, protocol.InitiateRelayedCommunication{
			Command: protocol.CmdInitiateRelayedCommunication, Name: oldName, PeerName: newName,
		})
		newCh <- registerResult{action: actionCompletedRelay, peerConn: oldDesc.Conn}
		oldCh <- registerResult{action: actionCompletedRelay, peerConn: newDesc.Conn}
		return
	}

	s.pair.A, s.pair.B = nil, nil // direct path: both slots emptied
	s.logger.Info("rendezvous: pair complete, trying direct connect", "a", oldName, "b", newName)
	writeOrLog(s.logger, newDesc.Conn, protocol.TryConnectToPeer{
		Command: protocol.CmdTryConnectToPeer, Name: newName, PeerName: oldName,
		Public: oldDesc.Public, Private: oldDesc.Private,
	})
	writeOrLog(s.logger, oldDesc.Conn, protocol.TryConnectToPeer{
		Command: protocol.CmdTryConnectToPeer, Name: oldName, PeerName: newName,
		Public: newDesc.Public, Private: newDesc.Private,
	})
	// Ending both sockets from the server side is mandatory: some kernels
	// refuse to let the client rebind its ephemeral local port for the
	// outbound peer dial otherwise.
	endConn(newDesc.Conn)
	endConn(oldDesc.Conn)
	newCh <- registerResult{action: actionCompletedTryConnect}
	oldCh <- registerResult{action: actionCompletedTryConnect}
}

func (s *Server) handleDisconnect(ev disconnectRequest) {
	if s.pair.RemoveByPublic(ev.public) {
		s.logger.Debug("rendezvous: client disconnected", "public", ev.public)
		return
	}
	s.logger.Debug("rendezvous: disconnect for unknown public endpoint", "public", ev.public)
}

// handleConn owns one control connection for its entire lifetime: it
// decodes the client's register message, submits it to the pairing
// goroutine, and then either waits idle (if it's first), relays raw bytes
// (if the pair resolved to relay mode), or simply returns (if the server
// already ended the socket for a direct-connect attempt).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	dec := protocol.NewDecoder(conn)

	reg, err := awaitRegister(dec)
	if err != nil {
		conn.Close()
		return
	}

	public, err := endpoint.FromAddr(conn.RemoteAddr())
	if err != nil {
		s.logger.Error("rendezvous: could not determine public endpoint", "err", err)
		conn.Close()
		return
	}

	desc := &OriginDescriptor{
		Conn:    conn,
		Public:  public,
		Private: endpoint.Endpoint{Host: reg.LocalAddress, Port: reg.LocalPort},
		Relay:   reg.Relay,

		resultCh: make(chan registerResult, 1),
		handoff:  make(chan error, 1),
	}

	select {
	case s.events <- registerRequest{desc: desc, resultCh: desc.resultCh}:
	case <-ctx.Done():
		conn.Close()
		return
	}

	var result registerResult
	select {
	case result = <-desc.resultCh:
	case <-ctx.Done():
		conn.Close()
		return
	}

	switch result.action {
	case actionFail, actionIdempotent:
		conn.Close()
		return
	case actionWaiting:
		waitErr := waitForHandoff(conn)
		desc.handoff <- waitErr
		if waitErr != nil {
			select {
			case s.events <- disconnectRequest{public: desc.Public}:
			case <-ctx.Done():
			}
			conn.Close()
			return
		}
		select {
		case result = <-desc.resultCh:
		case <-ctx.Done():
			conn.Close()
			return
		}
		s.finish(ctx, conn, dec, result)
	default:
		s.finish(ctx, conn, dec, result)
	}
}

// finish carries out the action decided for a connection whose pairing has
// resolved: end the socket (direct path) or splice it with its peer (relay
// path).
func (s *Server) finish(ctx context.Context, conn net.Conn, dec *protocol.Decoder, result registerResult) {
	switch result.action {
	case actionCompletedTryConnect:
		// Nothing left to do: the socket was already ended by completePair.
	case actionCompletedRelay:
		public, err := endpoint.FromAddr(conn.RemoteAddr())
		relayHalf(s.logger, conn, result.peerConn, dec)
		// Free this socket's slot now that its relay has ended.
		if err == nil {
			select {
			case s.events <- disconnectRequest{public: public}:
			case <-ctx.Done():
			}
		}
	}
}

// awaitRegister decodes messages until a register command arrives, ignoring
// any other command as unrecognized.
func awaitRegister(dec *protocol.Decoder) (*protocol.Register, error) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			return nil, err
		}
		if msg.Register != nil {
			return msg.Register, nil
		}
	}
}

// waitForHandoff blocks a control socket that has registered but is still
// waiting for its peer. A single 1-byte Read either times out because the
// pairing goroutine deliberately set a zero deadline to reclaim the socket
// (the expected, successful case) or returns a real error because the
// client disconnected.
func waitForHandoff(conn net.Conn) error {
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n == 0 && errors.Is(err, os.ErrDeadlineExceeded) {
		conn.SetReadDeadline(time.Time{})
		return nil
	}
	if err == nil {
		return fmt.Errorf("rendezvous: unexpected data on an idle control socket")
	}
	return err
}

// relayHalf implements one direction of the bidirectional relay pipe: it
// first forwards any bytes already buffered in dec, then splices raw bytes
// from own to peer until either side closes.
func relayHalf(logger *slog.Logger, own, peer net.Conn, dec *protocol.Decoder) {
	if leftover := dec.Buffered(); len(leftover) > 0 {
		if _, err := peer.Write(leftover); err != nil {
			logger.Debug("rendezvous: relay leftover write failed", "err", err)
		}
	}
	_, err := io.Copy(peer, own)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("rendezvous: relay copy ended", "err", err)
	}
	own.Close()
	peer.Close()
}

// endConn half-closes then fully closes conn: the server, not the client,
// initiates closure so the client's ephemeral local port is free to be
// reused for the peer dial.
func endConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	conn.Close()
}

func writeOrLog(logger *slog.Logger, w io.Writer, v interface{}) {
	if err := protocol.WriteMessage(w, v); err != nil {
		logger.Warn("rendezvous: write failed", "err", err)
	}
}
