package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hop.computer/snitun/multiplexer"
	"hop.computer/snitun/pkg/must"
	"hop.computer/snitun/pkg/thunks"
)

// Peer is one authenticated tunnel tenant. It is built from a validated
// token and carries the per-peer cipher material; the tunnel multiplexer is
// attached once the challenge handshake has passed.
type Peer struct {
	log        *logrus.Entry
	hostname   string
	alias      []string
	validUntil time.Time
	crypto     *multiplexer.CryptoTransport
	throttling int

	m sync.Mutex
	// +checklocks:m
	multi *multiplexer.Multiplexer
}

// NewPeer builds a peer from token claims. The key material must be a valid
// AES key and initialization vector.
func NewPeer(hostname string, alias []string, validUntil time.Time, aesKey, aesIV []byte, throttling int) (*Peer, error) {
	crypto, err := multiplexer.NewCryptoTransport(aesKey, aesIV)
	if err != nil {
		return nil, err
	}
	return &Peer{
		log:        logrus.WithField("hostname", hostname),
		hostname:   hostname,
		alias:      alias,
		validUntil: validUntil,
		crypto:     crypto,
		throttling: throttling,
	}, nil
}

// Hostname returns the primary hostname this peer serves.
func (p *Peer) Hostname() string {
	return p.hostname
}

// AllHostnames returns the primary hostname followed by every alias.
func (p *Peer) AllHostnames() []string {
	return append([]string{p.hostname}, p.alias...)
}

// IsValid reports whether the peer's token expiry is still in the future.
func (p *Peer) IsValid() bool {
	return p.validUntil.After(thunks.TimeNow())
}

// Multiplexer returns the attached tunnel, nil before the handshake.
func (p *Peer) Multiplexer() *multiplexer.Multiplexer {
	p.m.Lock()
	defer p.m.Unlock()
	return p.multi
}

// IsReady reports whether the handshake finished and the tunnel connection
// is alive. Routing must skip peers that are not ready.
func (p *Peer) IsReady() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.multi != nil && p.multi.IsConnected()
}

// InitMultiplexer authenticates a freshly connected peer and starts the
// tunnel multiplexer on its connection. The peer receives a random token
// encrypted with its key material and must answer with the encrypted
// SHA-256 digest of the decrypted token, proving it holds the same keys the
// relay pulled out of the fernet token. Every failure aborts with
// ErrChallenge, an unauthenticated connection never reaches the
// multiplexer.
func (p *Peer) InitMultiplexer(conn net.Conn) error {
	token := make([]byte, challengeSize)
	must.ReadRandom(token)

	if err := conn.SetDeadline(time.Now().Add(challengeTimeout)); err != nil {
		return ErrChallenge
	}
	if _, err := conn.Write(p.crypto.Encrypt(token)); err != nil {
		return ErrChallenge
	}

	answer := make([]byte, challengeSize)
	if _, err := io.ReadFull(conn, answer); err != nil {
		return ErrChallenge
	}
	plain, err := p.crypto.Decrypt(answer)
	if err != nil {
		return ErrChallenge
	}
	digest := sha256.Sum256(token)
	if subtle.ConstantTimeCompare(plain, digest[:]) != 1 {
		return ErrChallenge
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return ErrChallenge
	}

	multi := multiplexer.NewMultiplexer(p.crypto, conn, nil, p.throttling)
	p.m.Lock()
	p.multi = multi
	p.m.Unlock()
	return nil
}

// Wait blocks until the peer's tunnel connection has closed.
func (p *Peer) Wait() {
	multi := p.Multiplexer()
	if multi == nil {
		return
	}
	multi.Wait()
}

// Shutdown closes the peer's tunnel connection if one is attached.
func (p *Peer) Shutdown() {
	multi := p.Multiplexer()
	if multi == nil {
		return
	}
	multi.Shutdown()
}
