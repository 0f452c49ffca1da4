package server

import (
	"fmt"
	"sync"

	"github.com/fernet/fernet-go"
	"github.com/sirupsen/logrus"

	"hop.computer/snitun/pkg/waiter"
	"hop.computer/snitun/token"
)

// PeerManagerEvent tells event listeners what happened to a peer.
type PeerManagerEvent int

const (
	// PeerConnected fires after a peer registered under its hostnames.
	PeerConnected PeerManagerEvent = iota
	// PeerDisconnected fires after a peer dropped out of the registry.
	PeerDisconnected
)

// PeerEvent is the payload delivered to PeerManager event listeners.
type PeerEvent struct {
	Peer  *Peer
	Event PeerManagerEvent
}

// PeerManager validates connecting peers and keeps the hostname routing
// table. Registration happens from the accept path while the routing path
// looks hostnames up concurrently.
type PeerManager struct {
	log        *logrus.Entry
	throttling int

	m sync.RWMutex
	// +checklocks:m
	keys []*fernet.Key
	// +checklocks:m
	peers map[string]*Peer

	events waiter.Queue[PeerEvent]
}

// NewPeerManager builds a manager that accepts tokens signed by any of
// keys. A throttling value above zero is passed through to every peer
// multiplexer as its messages-per-second cap.
func NewPeerManager(keys []*fernet.Key, throttling int) *PeerManager {
	return &PeerManager{
		log:        logrus.WithField("component", "peermanager"),
		keys:       keys,
		throttling: throttling,
		peers:      make(map[string]*Peer),
	}
}

// Subscribe registers a listener for peer connect/disconnect events.
func (m *PeerManager) Subscribe(e *waiter.Entry[PeerEvent]) {
	m.events.EventRegister(e)
}

// Unsubscribe removes a previously registered event listener.
func (m *PeerManager) Unsubscribe(e *waiter.Entry[PeerEvent]) {
	m.events.EventUnregister(e)
}

// CreatePeer validates a presented token and builds the peer it describes.
// Undecryptable, malformed and expired tokens all fail with ErrInvalidPeer.
func (m *PeerManager) CreatePeer(tok []byte) (*Peer, error) {
	m.m.RLock()
	keys := m.keys
	m.m.RUnlock()

	claims, err := token.Verify(keys, tok)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidPeer)
	}

	key, iv, err := claims.KeyMaterial()
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidPeer)
	}
	peer, err := NewPeer(claims.Hostname, claims.Alias, claims.ValidUntil(), key, iv, m.throttling)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidPeer)
	}
	return peer, nil
}

// SetKeys replaces the signing keys used to verify connection tokens.
// Peers already connected are unaffected.
func (m *PeerManager) SetKeys(keys []*fernet.Key) {
	m.m.Lock()
	m.keys = keys
	m.m.Unlock()
	m.log.Debug("Fernet keys replaced")
}

// AddPeer installs a peer under its hostname and every alias. The last
// connection wins: a peer already registered under the same hostname is
// shut down before the new one replaces it.
func (m *PeerManager) AddPeer(peer *Peer) {
	m.m.Lock()
	stale, replaced := m.peers[peer.hostname]
	if replaced {
		m.log.WithField("hostname", peer.hostname).Debug("Close stale peer connection")
		stale.Shutdown()
	}
	for _, hostname := range peer.AllHostnames() {
		m.peers[hostname] = peer
	}
	m.m.Unlock()

	if !replaced {
		peersConnected.Inc()
	}
	m.log.WithField("hostname", peer.hostname).Debug("New peer connection")
	m.events.Notify(&PeerEvent{Peer: peer, Event: PeerConnected})
}

// RemovePeer drops a peer from the registry. Only the exact registered
// instance is removed, a newer connection that already replaced this peer
// stays untouched.
func (m *PeerManager) RemovePeer(peer *Peer) {
	m.m.Lock()
	if m.peers[peer.hostname] != peer {
		m.m.Unlock()
		return
	}
	for _, hostname := range peer.AllHostnames() {
		delete(m.peers, hostname)
	}
	m.m.Unlock()

	peersConnected.Dec()
	m.log.WithField("hostname", peer.hostname).Debug("Close peer connection")
	m.events.Notify(&PeerEvent{Peer: peer, Event: PeerDisconnected})
}

// GetPeer returns the peer serving a hostname, nil when none is registered.
func (m *PeerManager) GetPeer(hostname string) *Peer {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.peers[hostname]
}

// PeerAvailable reports whether a ready peer serves the hostname. A peer
// that is registered but has no live tunnel does not route.
func (m *PeerManager) PeerAvailable(hostname string) bool {
	if peer := m.GetPeer(hostname); peer != nil {
		return peer.IsReady()
	}
	return false
}

// CloseConnections shuts down every active peer connection, for full server
// teardown. The connection handlers deregister their peers as the tunnels
// die.
func (m *PeerManager) CloseConnections() {
	m.m.RLock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, peer := range m.peers {
		peers = append(peers, peer)
	}
	m.m.RUnlock()

	for _, peer := range peers {
		peer.Shutdown()
	}
}
