package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerListener accepts tunnel peers on the public peer port. Every
// connection presents a fernet token, passes the challenge handshake and is
// then held open as the peer's tunnel until it dies.
type PeerListener struct {
	log      *logrus.Entry
	peers    *PeerManager
	listener net.Listener
	wg       sync.WaitGroup
}

// NewPeerListener builds a listener registering peers into peers.
func NewPeerListener(peers *PeerManager) *PeerListener {
	return &PeerListener{
		log:   logrus.WithField("listener", "peer"),
		peers: peers,
	}
}

// Start begins accepting peer connections on listener.
func (l *PeerListener) Start(listener net.Listener) {
	l.listener = listener
	l.wg.Add(1)
	go l.serve()
}

// Addr returns the bound listener address. Only valid after Start.
func (l *PeerListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Stop closes the listener and waits for the accept loop and every running
// connection handler. Handlers live as long as their peers, so a full
// teardown closes the peer connections first.
func (l *PeerListener) Stop() error {
	err := l.listener.Close()
	l.wg.Wait()
	return err
}

func (l *PeerListener) serve() {
	defer l.wg.Done()

	l.log.Infof("Listening on %s", l.listener.Addr())
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.log.WithError(err).Error("Accept failed")
			}
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.HandleConnection(conn, nil)
		}()
	}
}

// HandleConnection runs the full lifecycle of one peer connection: token,
// challenge, registration, then hold until the tunnel dies. data carries
// bytes a protocol sniffer already consumed from the socket.
func (l *PeerListener) HandleConnection(conn net.Conn, data []byte) {
	defer conn.Close()

	if data == nil {
		if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
			return
		}
		buf := make([]byte, tokenReadSize)
		n, err := conn.Read(buf)
		if err != nil {
			l.log.Warning("Abort peer handshake")
			return
		}
		data = buf[:n]
	}

	peer, err := l.peers.CreatePeer(data)
	if err != nil {
		l.log.WithError(err).Warning("Invalid peer token")
		peerConnectionsTotal.WithLabelValues("invalid_token").Inc()
		return
	}

	log := l.log.WithField("hostname", peer.Hostname())
	if err := peer.InitMultiplexer(conn); err != nil {
		log.Warning("Challenge/Response error with peer")
		peerConnectionsTotal.WithLabelValues("challenge_failed").Inc()
		return
	}

	peerConnectionsTotal.WithLabelValues("connected").Inc()
	l.peers.AddPeer(peer)
	defer l.peers.RemovePeer(peer)

	log.Debug("Peer connection ready")
	peer.Wait()
	log.Debug("Peer connection closed")
}
