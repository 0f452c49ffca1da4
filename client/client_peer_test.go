package client

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"go.uber.org/goleak"
	"golang.org/x/net/nettest"
	"gotest.tools/assert"

	"hop.computer/snitun/multiplexer"
	"hop.computer/snitun/pkg/must"
	"hop.computer/snitun/token"
)

// relayConn is one registration accepted by the fake relay.
type relayConn struct {
	conn   net.Conn
	crypto *multiplexer.CryptoTransport
	err    error
}

// acceptRelayPeer plays the relay end of a registration: read the token,
// run the challenge and hand back the connection with its crypto state.
func acceptRelayPeer(listener net.Listener, key, iv []byte) <-chan relayConn {
	result := make(chan relayConn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			result <- relayConn{err: err}
			return
		}
		fail := func(err error) {
			_ = conn.Close()
			result <- relayConn{err: err}
		}

		buf := make([]byte, 2048)
		if _, err := conn.Read(buf); err != nil {
			fail(err)
			return
		}
		crypto, err := multiplexer.NewCryptoTransport(key, iv)
		if err != nil {
			fail(err)
			return
		}

		challenge := make([]byte, challengeSize)
		must.ReadRandom(challenge)
		if _, err := conn.Write(crypto.Encrypt(challenge)); err != nil {
			fail(err)
			return
		}
		answer := make([]byte, challengeSize)
		if _, err := io.ReadFull(conn, answer); err != nil {
			fail(err)
			return
		}
		plain, err := crypto.Decrypt(answer)
		if err != nil {
			fail(err)
			return
		}
		expected := sha256.Sum256(challenge)
		if !bytes.Equal(plain, expected[:]) {
			fail(fmt.Errorf("challenge answer does not match"))
			return
		}
		result <- relayConn{conn: conn, crypto: crypto}
	}()
	return result
}

func testClientToken(t *testing.T, key, iv []byte) []byte {
	t.Helper()
	keys := must.Do(token.GenerateKey())
	tok, err := token.Generate([]*fernet.Key{keys}, time.Hour, "example.com", nil, key, iv)
	assert.NilError(t, err)
	return tok
}

func TestClientPeerStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	listener, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	defer listener.Close()

	key := make([]byte, 32)
	iv := make([]byte, 16)
	must.ReadRandom(key)
	must.ReadRandom(iv)
	relay := acceptRelayPeer(listener, key, iv)

	connector := NewConnector("localhost", 443, false, nil)
	peer := NewClientPeer(listener.Addr().String())
	assert.Assert(t, !peer.IsConnected())

	tok := testClientToken(t, key, iv)
	assert.NilError(t, peer.Start(connector, tok, key, iv, 0))
	assert.Assert(t, peer.IsConnected())

	rc := <-relay
	assert.NilError(t, rc.err)
	defer rc.conn.Close()

	// Only one tunnel at a time.
	err = peer.Start(connector, tok, key, iv, 0)
	assert.Assert(t, errors.Is(err, ErrClientConnected))

	assert.NilError(t, peer.Stop())
	assert.Assert(t, !peer.IsConnected())
	err = peer.Stop()
	assert.Assert(t, errors.Is(err, ErrClientNotConnected))
}

func TestClientPeerNotConnected(t *testing.T) {
	defer goleak.VerifyNone(t)

	peer := NewClientPeer("127.0.0.1:32000")
	assert.Assert(t, errors.Is(peer.Stop(), ErrClientNotConnected))
	assert.Assert(t, errors.Is(peer.Wait(), ErrClientNotConnected))
}

func TestClientPeerConnectRefused(t *testing.T) {
	defer goleak.VerifyNone(t)

	listener, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	addr := listener.Addr().String()
	assert.NilError(t, listener.Close())

	key := make([]byte, 32)
	iv := make([]byte, 16)
	must.ReadRandom(key)
	must.ReadRandom(iv)

	peer := NewClientPeer(addr)
	err = peer.Start(NewConnector("localhost", 443, false, nil), testClientToken(t, key, iv), key, iv, 0)
	assert.Assert(t, errors.Is(err, ErrClientConnection))
	assert.Assert(t, !peer.IsConnected())
}

func TestClientPeerServerCloses(t *testing.T) {
	defer goleak.VerifyNone(t)

	listener, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	defer listener.Close()

	// The relay drops the connection before sending a challenge.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 2048)
		_, _ = conn.Read(buf)
		_ = conn.Close()
	}()

	key := make([]byte, 32)
	iv := make([]byte, 16)
	must.ReadRandom(key)
	must.ReadRandom(iv)

	peer := NewClientPeer(listener.Addr().String())
	err = peer.Start(NewConnector("localhost", 443, false, nil), testClientToken(t, key, iv), key, iv, 0)
	assert.Assert(t, errors.Is(err, ErrClientConnection))
	assert.Assert(t, !peer.IsConnected())
	<-done
}

func TestClientPeerKeepalive(t *testing.T) {
	defer goleak.VerifyNone(t)

	restore := keepaliveInterval
	keepaliveInterval = 100 * time.Millisecond
	defer func() { keepaliveInterval = restore }()

	listener, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	defer listener.Close()

	key := make([]byte, 32)
	iv := make([]byte, 16)
	must.ReadRandom(key)
	must.ReadRandom(iv)
	relay := acceptRelayPeer(listener, key, iv)

	peer := NewClientPeer(listener.Addr().String())
	assert.NilError(t, peer.Start(NewConnector("localhost", 443, false, nil), testClientToken(t, key, iv), key, iv, 0))

	rc := <-relay
	assert.NilError(t, rc.err)

	// The relay multiplexer answers the keepalive pings.
	relayMux := multiplexer.NewMultiplexer(rc.crypto, rc.conn, nil, 0)

	time.Sleep(350 * time.Millisecond)
	assert.Assert(t, peer.IsConnected())
	assert.Assert(t, relayMux.IsConnected())

	assert.NilError(t, peer.Stop())
	relayMux.Wait()
}

func TestClientPeerEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	listener, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	defer listener.Close()

	endpointHost, endpointPort, stopEndpoint := echoEndpoint(t)
	defer stopEndpoint()

	key := make([]byte, 32)
	iv := make([]byte, 16)
	must.ReadRandom(key)
	must.ReadRandom(iv)
	relay := acceptRelayPeer(listener, key, iv)

	peer := NewClientPeer(listener.Addr().String())
	connector := NewConnector(endpointHost, endpointPort, false, nil)
	assert.NilError(t, peer.Start(connector, testClientToken(t, key, iv), key, iv, 0))

	rc := <-relay
	assert.NilError(t, rc.err)
	relayMux := multiplexer.NewMultiplexer(rc.crypto, rc.conn, nil, 0)
	defer func() {
		relayMux.Shutdown()
		relayMux.Wait()
	}()
	defer func() {
		assert.NilError(t, peer.Stop())
	}()

	// A channel from the relay reaches the endpoint through the connector.
	channel, err := relayMux.CreateChannel(net.IPv4(127, 0, 0, 1))
	assert.NilError(t, err)

	assert.NilError(t, channel.Write([]byte("ping over tunnel")))
	data, err := channel.Read()
	assert.NilError(t, err)
	assert.DeepEqual(t, []byte("ping over tunnel"), data)

	assert.NilError(t, relayMux.DeleteChannel(channel))
	channel.Close()
}
