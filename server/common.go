// Package server implements the public side of the tunnel relay: it
// authenticates connecting peers, keeps the hostname routing table and
// forwards public TLS connections into the matching peer tunnel.
package server

import (
	"errors"
	"net"
	"time"
)

// ErrInvalidPeer rejects a peer whose token cannot be validated.
var ErrInvalidPeer = errors.New("invalid peer token")

// ErrChallenge rejects a peer that failed the challenge-response handshake.
var ErrChallenge = errors.New("peer challenge failed")

// Timeouts are vars so tests can shrink them.
var (
	// handshakeTimeout bounds the first read on a fresh connection, the
	// fernet token on the peer port and the ClientHello on the SNI port.
	handshakeTimeout = 2 * time.Second

	// challengeTimeout bounds the full challenge-response round trip.
	challengeTimeout = 60 * time.Second

	// sessionTimeout ends a proxied TLS session once neither side has
	// moved bytes for that long.
	sessionTimeout = 60 * time.Second

	// sniffTimeout bounds the protocol sniff on a shared port.
	sniffTimeout = 10 * time.Second

	// staleTimeout is how long the worker accept loop waits for enough
	// bytes to classify a connection.
	staleTimeout = 30 * time.Second
)

const challengeSize = 32

// tokenReadSize caps the first read on the peer port. Fernet tokens fit
// well below this.
const tokenReadSize = 2048

// connIP extracts the IPv4 source address of a public connection, for the
// access-control metadata of new tunnel channels.
func connIP(conn net.Conn) net.IP {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.To4()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host).To4()
}
