package server

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"hop.computer/snitun/multiplexer"
	"hop.computer/snitun/sni"
)

// SNIProxy accepts public TLS connections, extracts the SNI hostname from
// the ClientHello and pumps the raw TLS stream through the owning peer's
// tunnel. TLS is never terminated here, the proxy only reads far enough to
// route.
type SNIProxy struct {
	log      *logrus.Entry
	peers    *PeerManager
	listener net.Listener
	wg       sync.WaitGroup
}

// NewSNIProxy builds a proxy routing public connections via peers.
func NewSNIProxy(peers *PeerManager) *SNIProxy {
	return &SNIProxy{
		log:   logrus.WithField("listener", "sni"),
		peers: peers,
	}
}

// Start begins accepting public connections on listener.
func (p *SNIProxy) Start(listener net.Listener) {
	p.listener = listener
	p.wg.Add(1)
	go p.serve()
}

// Addr returns the bound listener address. Only valid after Start.
func (p *SNIProxy) Addr() net.Addr {
	return p.listener.Addr()
}

// Stop closes the listener and waits for the accept loop and every running
// session. Sessions live as long as their peers keep the channel open, so a
// full teardown closes the peer connections first.
func (p *SNIProxy) Stop() error {
	err := p.listener.Close()
	p.wg.Wait()
	return err
}

func (p *SNIProxy) serve() {
	defer p.wg.Done()

	p.log.Infof("Listening on %s", p.listener.Addr())
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.log.WithError(err).Error("Accept failed")
			}
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.HandleConnection(conn, nil, "")
		}()
	}
}

// HandleConnection routes one public connection into a peer tunnel. data
// and hostname carry what a protocol sniffer already read off the socket,
// both empty for connections accepted here directly.
func (p *SNIProxy) HandleConnection(conn net.Conn, data []byte, hostname string) {
	defer conn.Close()

	clientHello := data
	if clientHello == nil {
		if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
			return
		}
		payload, _, err := sni.ReadPayload(conn)
		if err != nil {
			p.log.Warning("Abort SNI handshake")
			sniConnectionsTotal.WithLabelValues("aborted").Inc()
			return
		}
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return
		}
		clientHello = payload
	}

	if hostname == "" {
		name, err := sni.ParseTLSSNI(clientHello)
		if err != nil {
			p.log.Warning("Receive invalid ClientHello on public interface")
			sniConnectionsTotal.WithLabelValues("invalid_hello").Inc()
			return
		}
		hostname = name
	}

	peer := p.peers.GetPeer(hostname)
	if peer == nil || !peer.IsReady() {
		p.log.WithField("hostname", hostname).Debug("Hostname not connected")
		sniConnectionsTotal.WithLabelValues("no_peer").Inc()
		return
	}

	p.log.WithField("hostname", hostname).Debug("Processing connection started")
	sniConnectionsTotal.WithLabelValues("routed").Inc()
	p.proxyPeer(peer.Multiplexer(), clientHello, conn)
}

// proxyPeer opens a tunnel channel, replays the buffered ClientHello and
// then pumps bytes between the public socket and the channel until one side
// gives up or the session idles out.
func (p *SNIProxy) proxyPeer(multi *multiplexer.Multiplexer, clientHello []byte, conn net.Conn) {
	ip := connIP(conn)
	if ip == nil {
		p.log.Error("Can't read source IP")
		return
	}

	channel, err := multi.CreateChannel(ip)
	if err != nil {
		p.log.Error("New transport channel to peer fails")
		return
	}
	log := p.log.WithField("channel", channel.ID())

	// The channel is dropped once, whichever pump direction fails first.
	var deleteOnce sync.Once
	drop := func() {
		deleteOnce.Do(func() {
			_ = multi.DeleteChannel(channel)
		})
	}

	if err := channel.Write(clientHello); err != nil {
		drop()
		return
	}

	// Distinguishes the peer ending the channel from the public client
	// going away: the former needs no CLOSE sent back.
	var peerClosed atomic.Bool

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		for {
			data, err := channel.Read()
			if err != nil {
				log.Debug("Peer close connection")
				peerClosed.Store(true)
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(sessionTimeout)); err != nil {
				drop()
				return
			}
			if _, err := conn.Write(data); err != nil {
				log.Debug("Transport closed by proxy")
				drop()
				return
			}
			proxyBytesToClient.Add(float64(len(data)))
			// Peer traffic keeps the session alive too, push the read
			// deadline the other pump direction is blocked on.
			_ = conn.SetReadDeadline(time.Now().Add(sessionTimeout))
		}
	}()

	buf := make([]byte, sni.MaxReadSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(sessionTimeout)); err != nil {
			drop()
			break
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := channel.Write(buf[:n]); werr != nil {
				if !errors.Is(werr, multiplexer.ErrTransportClosed) {
					drop()
				}
				break
			}
			proxyBytesToPeer.Add(float64(n))
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				log.Debug("Close TCP session after timeout")
			} else {
				log.Debug("Transport closed by proxy")
			}
			if !peerClosed.Load() {
				drop()
			}
			break
		}
	}

	channel.Close()
	wg.Wait()
}
