package client

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hop.computer/snitun/multiplexer"
	"hop.computer/snitun/pkg/combinators"
)

// endpointReadSize is the chunk size for reads from the local endpoint.
const endpointReadSize = 4096

// Connector opens a local endpoint connection for every channel the relay
// hands over and pumps bytes between them.
type Connector struct {
	log      *logrus.Entry
	endpoint string

	// errorCallback runs whenever a dial to the endpoint fails, nil is fine.
	errorCallback func(error)

	m sync.RWMutex
	// +checklocks:m
	whitelist map[string]struct{}
	// +checklocks:m
	whitelistEnabled bool
}

// NewConnector builds a connector towards endHost. A port of zero defaults
// to 443. With whitelist enabled only source IPs added via WhitelistAdd get
// through.
func NewConnector(endHost string, endPort int, whitelist bool, errorCallback func(error)) *Connector {
	endpoint := net.JoinHostPort(endHost, strconv.Itoa(combinators.IntOr(endPort, 443)))
	return &Connector{
		log:              logrus.WithField("connector", endpoint),
		endpoint:         endpoint,
		errorCallback:    errorCallback,
		whitelist:        make(map[string]struct{}),
		whitelistEnabled: whitelist,
	}
}

// WhitelistAdd allows ip to reach the endpoint.
func (c *Connector) WhitelistAdd(ip net.IP) {
	c.m.Lock()
	c.whitelist[ip.String()] = struct{}{}
	c.m.Unlock()
}

// WhitelistRemove drops ip from the whitelist.
func (c *Connector) WhitelistRemove(ip net.IP) {
	c.m.Lock()
	delete(c.whitelist, ip.String())
	c.m.Unlock()
}

func (c *Connector) allowed(ip net.IP) bool {
	c.m.RLock()
	defer c.m.RUnlock()
	if !c.whitelistEnabled {
		return true
	}
	_, ok := c.whitelist[ip.String()]
	return ok
}

// Handler serves one channel handed over by the relay. It runs as the
// multiplexer's new connection callback.
func (c *Connector) Handler(multi *multiplexer.Multiplexer, channel *multiplexer.Channel) {
	log := c.log.WithField("channel", channel.ID())
	ip := channel.IPAddress()
	log.Debugf("Receive from %s a request for %s", ip, c.endpoint)

	if !c.allowed(ip) {
		log.Warningf("Block request from %s per policy", ip)
		_ = multi.DeleteChannel(channel)
		return
	}

	conn, err := net.Dial("tcp", c.endpoint)
	if err != nil {
		log.WithError(err).Errorf("Can't connect to endpoint %s", c.endpoint)
		_ = multi.DeleteChannel(channel)
		if c.errorCallback != nil {
			c.errorCallback(errors.Wrapf(err, "can't connect to endpoint %s", c.endpoint))
		}
		return
	}
	defer conn.Close()

	// The endpoint closing the channel tells the relay to drop it, the peer
	// closing it does not get echoed back.
	var peerClosed atomic.Bool
	var deleteOnce sync.Once
	drop := func() {
		deleteOnce.Do(func() {
			_ = multi.DeleteChannel(channel)
		})
	}

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
			if _, err := conn.Write(data); err != nil {
				log.Debug("Transport closed by endpoint")
				drop()
				return
			}
		}
	}()

	buf := make([]byte, endpointReadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := channel.Write(buf[:n]); werr != nil {
				if !errors.Is(werr, multiplexer.ErrTransportClosed) {
					drop()
				}
				break
			}
		}
		if err != nil {
			if !peerClosed.Load() {
				log.Debug("Transport closed by endpoint")
				drop()
			}
			break
		}
	}

	channel.Close()
	wg.Wait()
}
