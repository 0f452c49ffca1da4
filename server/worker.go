package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/sirupsen/logrus"

	"hop.computer/snitun/pkg/waiter"
	"hop.computer/snitun/sni"
)

// ServerWorker owns a private peer registry and serves the connections
// handed over to it. A hostname is pinned to whichever worker accepted that
// peer's registration, so one tunnel's traffic never crosses workers.
type ServerWorker struct {
	log   *logrus.Entry
	peers *PeerManager
	sni   *SNIProxy
	peer  *PeerListener

	m sync.RWMutex
	// +checklocks:m
	hostnames map[string]struct{}
	// +checklocks:m
	peerCount int

	handover chan *handoverConn
	entry    *waiter.Entry[PeerEvent]
	wg       sync.WaitGroup
}

type handoverConn struct {
	conn net.Conn
	data []byte
	sni  string
}

// NewServerWorker builds a worker with its own peer registry.
func NewServerWorker(name string, keys []*fernet.Key, throttling int) *ServerWorker {
	w := &ServerWorker{
		log:       logrus.WithField("worker", name),
		peers:     NewPeerManager(keys, throttling),
		hostnames: make(map[string]struct{}),
		handover:  make(chan *handoverConn, 16),
	}
	w.sni = NewSNIProxy(w.peers)
	w.peer = NewPeerListener(w.peers)

	w.entry = waiter.NewFunctionEntry(w.peerEvent)
	w.peers.Subscribe(w.entry)
	return w
}

// peerEvent keeps the hostname ownership set in sync with the worker's peer
// registry.
func (w *ServerWorker) peerEvent(event *PeerEvent) {
	w.m.Lock()
	defer w.m.Unlock()

	switch event.Event {
	case PeerConnected:
		if _, ok := w.hostnames[event.Peer.Hostname()]; !ok {
			w.peerCount++
		}
		for _, hostname := range event.Peer.AllHostnames() {
			w.hostnames[hostname] = struct{}{}
		}
	case PeerDisconnected:
		if _, ok := w.hostnames[event.Peer.Hostname()]; ok {
			w.peerCount--
		}
		for _, hostname := range event.Peer.AllHostnames() {
			delete(w.hostnames, hostname)
		}
	}
}

// SetKeys replaces the token signing keys on this worker's registry.
func (w *ServerWorker) SetKeys(keys []*fernet.Key) {
	w.peers.SetKeys(keys)
}

// PeerSize returns the number of peers this worker manages.
func (w *ServerWorker) PeerSize() int {
	w.m.RLock()
	defer w.m.RUnlock()
	return w.peerCount
}

// IsResponsiblePeer reports whether this worker owns the hostname.
func (w *ServerWorker) IsResponsiblePeer(hostname string) bool {
	w.m.RLock()
	defer w.m.RUnlock()
	_, ok := w.hostnames[hostname]
	return ok
}

// Start launches the worker's dispatch loop.
func (w *ServerWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// HandoverConnection moves an accepted, already classified connection into
// this worker. sni is empty for peer registrations. Must not be called once
// the worker shut down.
func (w *ServerWorker) HandoverConnection(conn net.Conn, data []byte, sni string) {
	w.handover <- &handoverConn{conn: conn, data: data, sni: sni}
}

// Shutdown stops the dispatch loop, closes every peer of this worker and
// waits for the running handlers to drain.
func (w *ServerWorker) Shutdown() {
	close(w.handover)
	w.peers.CloseConnections()
	w.wg.Wait()
	w.peers.Unsubscribe(w.entry)
	w.log.Info("Stop worker")
}

func (w *ServerWorker) run() {
	defer w.wg.Done()

	w.log.Info("Start worker")
	for handover := range w.handover {
		w.wg.Add(1)
		go func(h *handoverConn) {
			defer w.wg.Done()
			if h.sni != "" {
				w.sni.HandleConnection(h.conn, h.data, h.sni)
			} else {
				w.peer.HandleConnection(h.conn, h.data)
			}
		}(handover)
	}
}

// SniTunServerWorker drives a pool of workers behind one public port.
// Accepted connections are classified by their first bytes: peer
// registrations go round robin, TLS connections to the worker that has the
// SNI hostname pinned.
type SniTunServerWorker struct {
	log  *logrus.Entry
	addr string

	workers []*ServerWorker
	next    atomic.Uint32

	listener net.Listener
	wg       sync.WaitGroup
}

// NewSniTunServerWorker builds a worker pool relay. A workerSize of zero
// picks twice the CPU count.
func NewSniTunServerWorker(keys []*fernet.Key, addr string, workerSize, throttling int) *SniTunServerWorker {
	if workerSize <= 0 {
		workerSize = runtime.NumCPU() * 2
	}
	s := &SniTunServerWorker{
		log:  logrus.WithField("listener", "worker"),
		addr: addr,
	}
	for i := 0; i < workerSize; i++ {
		s.workers = append(s.workers, NewServerWorker(fmt.Sprintf("snitun-%d", i), keys, throttling))
	}
	return s
}

// SetKeys replaces the token signing keys on every worker.
func (s *SniTunServerWorker) SetKeys(keys []*fernet.Key) {
	for _, worker := range s.workers {
		worker.SetKeys(keys)
	}
}

// Addr returns the bound shared port. Only valid after Start.
func (s *SniTunServerWorker) Addr() net.Addr {
	return s.listener.Addr()
}

// PeerCounter returns the number of active peers over all workers.
func (s *SniTunServerWorker) PeerCounter() int {
	count := 0
	for _, worker := range s.workers {
		count += worker.PeerSize()
	}
	return count
}

// Start launches all workers, binds the public port and begins serving.
func (s *SniTunServerWorker) Start() error {
	s.log.Infof("Run SniTun with %d worker", len(s.workers))
	for _, worker := range s.workers {
		worker.Start()
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Stop closes the public port, then shuts every worker down.
func (s *SniTunServerWorker) Stop() error {
	err := s.listener.Close()
	s.wg.Wait()

	for _, worker := range s.workers {
		worker.Shutdown()
	}
	return err
}

func (s *SniTunServerWorker) serve() {
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
			s.classify(conn)
		}()
	}
}

// classify reads just enough of a fresh connection to decide which worker
// gets it. Peer registrations are balanced round robin, TLS connections
// follow their pinned hostname. Connections that cannot be classified
// within the stale timeout are dropped.
func (s *SniTunServerWorker) classify(conn net.Conn) {
	if err := conn.SetReadDeadline(time.Now().Add(staleTimeout)); err != nil {
		_ = conn.Close()
		return
	}

	var buffer []byte
	chunk := make([]byte, sni.MaxReadSize)
	for {
		n, err := conn.Read(chunk)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Warning("Receive fails")
			}
			_ = conn.Close()
			return
		}
		buffer = append(buffer, chunk[:n]...)

		// Peer registration, balance round robin.
		if bytes.HasPrefix(buffer, fernetMagic) {
			next := int(s.next.Add(1)) % len(s.workers)
			_ = conn.SetReadDeadline(time.Time{})
			s.workers[next].HandoverConnection(conn, buffer, "")
			s.log.Debug("Handover new peer connection")
			return
		}

		if buffer[0] != 0x16 {
			s.log.Warning("No valid ClientHello found")
			_ = conn.Close()
			return
		}

		hostname, err := sni.ParseTLSSNI(buffer)
		if err != nil {
			if errors.Is(err, sni.ErrIncompleteClientHello) && len(buffer) < sni.MaxBufferSize {
				continue
			}
			s.log.Warning("Receive invalid ClientHello on public interface")
			_ = conn.Close()
			return
		}

		for _, worker := range s.workers {
			if !worker.IsResponsiblePeer(hostname) {
				continue
			}
			_ = conn.SetReadDeadline(time.Time{})
			worker.HandoverConnection(conn, buffer, hostname)
			s.log.WithField("hostname", hostname).Debug("Handover connection")
			return
		}
		s.log.WithField("hostname", hostname).Debug("No responsible worker")
		_ = conn.Close()
		return
	}
}
