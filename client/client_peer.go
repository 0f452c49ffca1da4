// Package client implements the tunnel side of snitun: it registers at the
// relay with a fernet token, answers the crypto challenge and serves every
// channel the relay hands over by connecting it to a local endpoint.
package client

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hop.computer/snitun/multiplexer"
)

// ErrClientConnected is returned by Start when a tunnel already runs.
var ErrClientConnected = errors.New("snitun client already connected")

// ErrClientNotConnected is returned when no tunnel runs.
var ErrClientNotConnected = errors.New("snitun client not connected")

// ErrClientConnection wraps every failure while bringing the tunnel up.
var ErrClientConnection = errors.New("connection to snitun server failed")

const challengeSize = 32

// Tunable in tests.
var (
	connectionTimeout = 60 * time.Second
	keepaliveInterval = 50 * time.Second
)

// ClientPeer holds one tunnel to a relay server.
type ClientPeer struct {
	log  *logrus.Entry
	addr string

	m sync.Mutex
	// +checklocks:m
	multi *multiplexer.Multiplexer
}

// NewClientPeer builds a client for the relay at addr.
func NewClientPeer(addr string) *ClientPeer {
	return &ClientPeer{
		log:  logrus.WithField("client", addr),
		addr: addr,
	}
}

// IsConnected reports whether a tunnel runs right now.
func (c *ClientPeer) IsConnected() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.multi != nil
}

// Wait blocks until the current tunnel goes down.
func (c *ClientPeer) Wait() error {
	c.m.Lock()
	multi := c.multi
	c.m.Unlock()
	if multi == nil {
		return ErrClientNotConnected
	}
	multi.Wait()
	return nil
}

// Start connects to the relay, registers with fernetToken, answers the
// challenge derived from the token's key material and serves incoming
// channels through connector until the tunnel dies.
func (c *ClientPeer) Start(connector *Connector, fernetToken, aesKey, aesIV []byte, throttling int) error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.multi != nil {
		return ErrClientConnected
	}

	crypto, err := multiplexer.NewCryptoTransport(aesKey, aesIV)
	if err != nil {
		return err
	}

	c.log.Debugf("Opening connection to %s", c.addr)
	conn, err := net.DialTimeout("tcp", c.addr, connectionTimeout)
	if err != nil {
		return fmt.Errorf("can't connect to snitun server %s: %v: %w", c.addr, err, ErrClientConnection)
	}
	if err := conn.SetDeadline(time.Now().Add(connectionTimeout)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%v: %w", err, ErrClientConnection)
	}

	if _, err := conn.Write(fernetToken); err != nil {
		_ = conn.Close()
		return fmt.Errorf("can't write connection token: %v: %w", err, ErrClientConnection)
	}

	if err := answerChallenge(conn, crypto); err != nil {
		_ = conn.Close()
		return fmt.Errorf("challenge/response error with snitun server: %v: %w", err, ErrClientConnection)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%v: %w", err, ErrClientConnection)
	}

	multi := multiplexer.NewMultiplexer(crypto, conn, connector.Handler, throttling)
	c.multi = multi
	go c.keepalive(multi)
	return nil
}

// answerChallenge reads the encrypted server challenge and answers with the
// encrypted digest of its plaintext. The crypto chaining state carried out
// of this exchange lines up with the multiplexer framing that follows.
func answerChallenge(conn net.Conn, crypto *multiplexer.CryptoTransport) error {
	challenge := make([]byte, challengeSize)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return err
	}
	plain, err := crypto.Decrypt(challenge)
	if err != nil {
		return err
	}
	answer := sha256.Sum256(plain)
	if _, err := conn.Write(crypto.Encrypt(answer[:])); err != nil {
		return err
	}
	return nil
}

// Stop tears the tunnel down and waits until it is gone.
func (c *ClientPeer) Stop() error {
	c.m.Lock()
	multi := c.multi
	c.m.Unlock()
	if multi == nil {
		return ErrClientNotConnected
	}
	multi.Shutdown()
	multi.Wait()
	c.clear(multi)
	return nil
}

// clear drops multi from the connection slot unless a newer tunnel took it.
func (c *ClientPeer) clear(multi *multiplexer.Multiplexer) {
	c.m.Lock()
	if c.multi == multi {
		c.multi = nil
	}
	c.m.Unlock()
}

// keepalive pings the relay whenever the tunnel sat idle for a while, so
// both ends notice a dead transport long before TCP would. A failing ping
// takes the tunnel down.
func (c *ClientPeer) keepalive(multi *multiplexer.Multiplexer) {
	defer c.clear(multi)

	timer := time.NewTimer(keepaliveInterval)
	defer timer.Stop()
	for {
		select {
		case <-multi.Done():
			return
		case <-timer.C:
			if err := multi.Ping(); err != nil {
				c.log.WithError(err).Warning("Keepalive ping failed")
				multi.Shutdown()
				return
			}
			timer.Reset(keepaliveInterval)
		}
	}
}
