// Package server implements the rendezvous server: it pairs up client
// registrations into slots A and B, introduces them to each other once both
// slots are filled, and falls back to bridging the two control sockets when
// relay mode was requested.
package server

import (
	"errors"
	"fmt"
	"net"

	"github.com/qbalin/nat-tunnel/internal/endpoint"
)

// OriginDescriptor holds the control socket toward a client plus the two
// endpoints learned about it: its observed public endpoint and its
// self-reported private endpoint.
type OriginDescriptor struct {
	Conn    net.Conn
	Public  endpoint.Endpoint
	Private endpoint.Endpoint
	Relay   bool

	// resultCh and handoff coordinate this descriptor's connection goroutine
	// with the pairing goroutine while it waits for a peer; see
	// Server.handleConn and waitForHandoff.
	resultCh chan registerResult
	handoff  chan error
}

// ErrPairFull is returned when a third client attempts to register while
// both slots are occupied.
var ErrPairFull = errors.New("rendezvous: pair already has two registered clients")

// ClientPair holds exactly two optional slots, A and B. The zero value is an
// empty pair. ClientPair itself does no locking: it is only ever touched
// from Server's single pairing goroutine, which serializes all access to
// this process-wide mutable state.
type ClientPair struct {
	A, B *OriginDescriptor
}

// Complete reports whether both slots are filled.
func (p *ClientPair) Complete() bool {
	return p.A != nil && p.B != nil
}

// FindByPublic returns the descriptor (and its slot name, "A" or "B") whose
// public endpoint equals ep, or ("", nil) if none matches.
func (p *ClientPair) FindByPublic(ep endpoint.Endpoint) (string, *OriginDescriptor) {
	if p.A != nil && p.A.Public.Equal(ep) {
		return "A", p.A
	}
	if p.B != nil && p.B.Public.Equal(ep) {
		return "B", p.B
	}
	return "", nil
}

// Add places desc into the first empty slot: A if empty, else B if empty,
// else it returns ErrPairFull. Callers must check FindByPublic first to
// implement the idempotent-register case.
func (p *ClientPair) Add(desc *OriginDescriptor) (string, error) {
	if p.A == nil {
		p.A = desc
		return "A", nil
	}
	if p.B == nil {
		p.B = desc
		return "B", nil
	}
	return "", ErrPairFull
}

// RemoveByPublic empties whichever slot's descriptor has the given public
// endpoint. Returns false if no slot matched.
func (p *ClientPair) RemoveByPublic(ep endpoint.Endpoint) bool {
	if p.A != nil && p.A.Public.Equal(ep) {
		p.A = nil
		return true
	}
	if p.B != nil && p.B.Public.Equal(ep) {
		p.B = nil
		return true
	}
	return false
}

// Clear ends both control sockets and empties both slots.
func (p *ClientPair) Clear() {
	if p.A != nil {
		p.A.Conn.Close()
	}
	if p.B != nil {
		p.B.Conn.Close()
	}
	p.A, p.B = nil, nil
}

// validateDescriptor checks that the descriptor's public and private
// endpoints are both well-formed.
func validateDescriptor(d *OriginDescriptor) error {
	if err := d.Public.Validate(); err != nil {
		return fmt.Errorf("rendezvous: invalid public endpoint: %w", err)
	}
	if err := d.Private.Validate(); err != nil {
		return fmt.Errorf("rendezvous: invalid private endpoint: %w", err)
	}
	return nil
}
