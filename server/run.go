package server

import (
	"bytes"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// fernetMagic is the base64 prefix every fernet token starts with (version
// byte 0x80), used to tell peer registrations from TLS traffic on a shared
// port.
var fernetMagic = []byte("gA")

// sniffReadSize caps the first read used to classify a shared-port
// connection.
const sniffReadSize = 2048

// SniTunServer runs the relay on two ports: one accepts tunnel peers, the
// other serves public TLS traffic.
type SniTunServer struct {
	peers *PeerManager
	sni   *SNIProxy
	peer  *PeerListener

	sniAddr  string
	peerAddr string
}

// NewSniTunServer builds a dual port relay accepting peer tokens signed by
// any of keys.
func NewSniTunServer(keys []*fernet.Key, sniAddr, peerAddr string, throttling int) *SniTunServer {
	peers := NewPeerManager(keys, throttling)
	return &SniTunServer{
		peers:    peers,
		sni:      NewSNIProxy(peers),
		peer:     NewPeerListener(peers),
		sniAddr:  sniAddr,
		peerAddr: peerAddr,
	}
}

// Peers returns the peer registry of this server.
func (s *SniTunServer) Peers() *PeerManager {
	return s.peers
}

// SetKeys replaces the token signing keys.
func (s *SniTunServer) SetKeys(keys []*fernet.Key) {
	s.peers.SetKeys(keys)
}

// SNIAddr returns the bound public port. Only valid after Start.
func (s *SniTunServer) SNIAddr() net.Addr {
	return s.sni.Addr()
}

// PeerAddr returns the bound peer port. Only valid after Start.
func (s *SniTunServer) PeerAddr() net.Addr {
	return s.peer.Addr()
}

// Start binds both ports and begins serving.
func (s *SniTunServer) Start() error {
	peerListener, err := net.Listen("tcp", s.peerAddr)
	if err != nil {
		return err
	}
	sniListener, err := net.Listen("tcp", s.sniAddr)
	if err != nil {
		_ = peerListener.Close()
		return err
	}

	s.peer.Start(peerListener)
	s.sni.Start(sniListener)
	return nil
}

// Stop closes all peer connections and tears both listeners down.
func (s *SniTunServer) Stop() error {
	s.peers.CloseConnections()

	g := new(errgroup.Group)
	g.Go(s.peer.Stop)
	g.Go(s.sni.Stop)
	return g.Wait()
}

// SniTunServerSingle serves peers and public traffic on one shared port,
// telling them apart by the first bytes on the wire: TLS handshakes start
// with 0x16, fernet tokens with the version magic.
type SniTunServerSingle struct {
	log   *logrus.Entry
	peers *PeerManager
	sni   *SNIProxy
	peer  *PeerListener

	addr     string
	listener net.Listener
	wg       sync.WaitGroup
}

// NewSniTunServerSingle builds a shared port relay accepting peer tokens
// signed by any of keys.
func NewSniTunServerSingle(keys []*fernet.Key, addr string, throttling int) *SniTunServerSingle {
	peers := NewPeerManager(keys, throttling)
	return &SniTunServerSingle{
		log:   logrus.WithField("listener", "single"),
		peers: peers,
		sni:   NewSNIProxy(peers),
		peer:  NewPeerListener(peers),
		addr:  addr,
	}
}

// Peers returns the peer registry of this server.
func (s *SniTunServerSingle) Peers() *PeerManager {
	return s.peers
}

// SetKeys replaces the token signing keys.
func (s *SniTunServerSingle) SetKeys(keys []*fernet.Key) {
	s.peers.SetKeys(keys)
}

// Addr returns the bound shared port. Only valid after Start.
func (s *SniTunServerSingle) Addr() net.Addr {
	return s.listener.Addr()
}

// Start binds the shared port and begins serving.
func (s *SniTunServerSingle) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Stop closes all peer connections, then the listener, and waits for every
// running handler.
func (s *SniTunServerSingle) Stop() error {
	s.peers.CloseConnections()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *SniTunServerSingle) serve() {
	defer s.wg.Done()

	s.log.Infof("Listening on %s", s.listener.Addr())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.WithError(err).Error("Accept failed")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection sniffs the first bytes of a shared-port connection and
// hands it to the matching handler.
func (s *SniTunServerSingle) handleConnection(conn net.Conn) {
	if err := conn.SetReadDeadline(time.Now().Add(sniffTimeout)); err != nil {
		_ = conn.Close()
		return
	}
	buf := make([]byte, sniffReadSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			s.log.Warning("Abort connection initializing")
		}
		_ = conn.Close()
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return
	}
	data := buf[:n]

	switch {
	case data[0] == 0x16:
		s.sni.HandleConnection(conn, data, "")
	case bytes.HasPrefix(data, fernetMagic):
		s.peer.HandleConnection(conn, data)
	default:
		s.log.Warning("No valid ClientHello found")
		_ = conn.Close()
	}
}
