package multiplexer

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NewConnectionFunc handles a channel the remote peer opened. The
// multiplexer invokes it on its own goroutine, it must not be nil on the
// side that accepts channels.
type NewConnectionFunc func(m *Multiplexer, c *Channel)

type closeWriter interface {
	CloseWrite() error
}

// Multiplexer owns one encrypted peer connection and pumps frames in both
// directions. A single reader goroutine dispatches inbound frames to
// channels by id, a single sender goroutine drains the shared outbound
// queue, so the socket and the cipher contexts each see exactly one user per
// direction.
type Multiplexer struct {
	log    *logrus.Entry
	crypto *CryptoTransport
	conn   net.Conn

	queue chan *Message

	m sync.Mutex
	// +checklocks:m
	channels map[ChannelID]*Channel

	newConnections NewConnectionFunc
	throttling     time.Duration

	pong         chan struct{}
	done         chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewMultiplexer starts the processing goroutines on top of an
// already-connected, already-challenge-verified peer connection.
// newConnections may be nil for peers that never accept remote channels.
// A throttling value above zero limits the outbound rate to that many
// messages per second.
func NewMultiplexer(crypto *CryptoTransport, conn net.Conn, newConnections NewConnectionFunc, throttling int) *Multiplexer {
	m := &Multiplexer{
		log:            logrus.WithField("remote", conn.RemoteAddr().String()),
		crypto:         crypto,
		conn:           conn,
		queue:          make(chan *Message, outboundQueueSize),
		channels:       make(map[ChannelID]*Channel),
		newConnections: newConnections,
		pong:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	if throttling > 0 {
		m.throttling = time.Second / time.Duration(throttling)
	}

	m.wg.Add(2)
	go m.runner()
	go m.sender()
	return m
}

// IsConnected returns true while the connection is being processed.
func (m *Multiplexer) IsConnected() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the connection is closed and both processing goroutines
// have finished their cleanup.
func (m *Multiplexer) Wait() {
	m.wg.Wait()
}

// Done returns a channel that is closed once the connection goes down, for
// callers that select on connection death next to their own timers.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// Shutdown terminates the connection and closes every channel, so blocked
// reads on them fail with ErrTransportClosed. Safe to call more than once.
func (m *Multiplexer) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.log.Debug("Cancel connection")
		close(m.done)
		if cw, ok := m.conn.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		_ = m.conn.Close()
		m.gracefulChannelShutdown()
	})
}

func (m *Multiplexer) gracefulChannelShutdown() {
	m.m.Lock()
	defer m.m.Unlock()
	for _, channel := range m.channels {
		channel.Close()
	}
	m.channels = make(map[ChannelID]*Channel)
}

// Ping probes the remote peer and waits for the matching pong. A peer that
// does not answer within the peer timeout is considered dead: the connection
// is shut down and ErrTransport returned.
func (m *Multiplexer) Ping() error {
	// Drop a stale pong from an earlier probe.
	select {
	case <-m.pong:
	default:
	}

	message := &Message{ID: NewChannelID(), FlowType: FlowPing, Extra: pingMarker}
	if err := m.putMessage(message); err != nil {
		return err
	}

	timer := time.NewTimer(peerTCPTimeout)
	defer timer.Stop()
	select {
	case <-m.pong:
		return nil
	case <-m.done:
		return ErrTransportClosed
	case <-timer.C:
		m.log.Error("Ping fails, no response from peer")
		m.Shutdown()
		return ErrTransport
	}
}

// CreateChannel opens a new channel to the remote side for an external
// client with the given address and registers it for frame routing.
func (m *Multiplexer) CreateChannel(ip net.IP) (*Channel, error) {
	channel := newChannel(m.queue, ip, NewChannelID(), m.throttling)
	if err := m.putMessage(channel.initNew()); err != nil {
		return nil, err
	}

	m.m.Lock()
	m.channels[channel.id] = channel
	m.m.Unlock()
	return channel, nil
}

// DeleteChannel tells the remote side to tear the channel down. The channel
// is dropped from the routing table even when the enqueue fails, local
// bookkeeping must not get stuck on a dead remote.
func (m *Multiplexer) DeleteChannel(channel *Channel) error {
	defer func() {
		m.m.Lock()
		delete(m.channels, channel.id)
		m.m.Unlock()
	}()
	return m.putMessage(channel.initClose())
}

func (m *Multiplexer) putMessage(message *Message) error {
	timer := time.NewTimer(queuePutTimeout)
	defer timer.Stop()
	select {
	case m.queue <- message:
		return nil
	case <-m.done:
		return ErrTransportClosed
	case <-timer.C:
		return ErrTransport
	}
}

// runner reads frames off the peer connection: exactly one encrypted header,
// then exactly the declared number of payload bytes.
func (m *Multiplexer) runner() {
	defer m.wg.Done()
	defer m.Shutdown()

	header := make([]byte, headerSize)
	for {
		if err := m.conn.SetReadDeadline(time.Now().Add(peerTCPTimeout)); err != nil {
			return
		}
		if _, err := io.ReadFull(m.conn, header); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				m.log.Error("Peer connection timed out")
			} else {
				m.log.Debug("Transport was closed")
			}
			return
		}

		plain, err := m.crypto.Decrypt(header)
		if err == nil {
			err = m.readMessage(plain)
		}
		if err != nil {
			if errors.Is(err, ErrDecrypt) {
				m.log.WithError(err).Warning("Wrong message header received")
			} else {
				m.log.Debug("Transport was closed")
			}
			return
		}
	}
}

func (m *Multiplexer) readMessage(header []byte) error {
	message, size, err := decodeHeader(header)
	if err != nil {
		return err
	}

	if size > 0 {
		data := make([]byte, size)
		if err := m.conn.SetReadDeadline(time.Now().Add(peerTCPTimeout)); err != nil {
			return err
		}
		if _, err := io.ReadFull(m.conn, data); err != nil {
			return err
		}
		message.Data = data
	}

	m.processMessage(message)
	return nil
}

func (m *Multiplexer) processMessage(message *Message) {
	switch message.FlowType {
	case FlowData:
		m.m.Lock()
		channel, ok := m.channels[message.ID]
		m.m.Unlock()
		if !ok {
			m.log.Debug("Receive data from unknown channel")
			return
		}
		if channel.closing.Load() {
			return
		}
		if channel.Healthy() {
			m.log.Warning("Abort connection, channel is not healthy")
			channel.Close()
			go m.DeleteChannel(channel)
			return
		}
		channel.messageTransport(message)

	case FlowNew:
		if m.newConnections == nil {
			m.log.Warning("Request new channel is not allowed")
			return
		}
		ip := net.IPv4(message.Extra[1], message.Extra[2], message.Extra[3], message.Extra[4])
		channel := newChannel(m.queue, ip, message.ID, m.throttling)
		m.m.Lock()
		m.channels[channel.id] = channel
		m.m.Unlock()
		go m.newConnections(m, channel)

	case FlowClose:
		m.m.Lock()
		channel, ok := m.channels[message.ID]
		delete(m.channels, message.ID)
		m.m.Unlock()
		if !ok {
			m.log.Debug("Receive close from unknown channel")
			return
		}
		channel.Close()

	case FlowPing:
		if bytes.HasPrefix(message.Extra, pongMarker) {
			m.log.Debug("Receive pong from peer")
			select {
			case m.pong <- struct{}{}:
			default:
			}
			return
		}
		m.log.Debug("Receive ping from peer / send pong")
		pong := &Message{ID: message.ID, FlowType: FlowPing, Extra: pongMarker}
		if err := m.putMessage(pong); err != nil {
			m.log.WithError(err).Warning("Unable to queue pong for peer")
		}
	}
}

// sender drains the shared outbound queue and is the only writer on the
// socket and the only user of the encrypt context.
func (m *Multiplexer) sender() {
	defer m.wg.Done()

	for {
		select {
		case message := <-m.queue:
			if err := m.writeMessage(message); err != nil {
				m.log.WithError(err).Debug("Write to peer failed")
				m.Shutdown()
				return
			}
			if m.throttling > 0 {
				time.Sleep(m.throttling)
			}
		case <-m.done:
			return
		}
	}
}

func (m *Multiplexer) writeMessage(message *Message) error {
	header, err := encodeHeader(message)
	if err != nil {
		return err
	}

	if err := m.conn.SetWriteDeadline(time.Now().Add(peerTCPTimeout)); err != nil {
		return err
	}
	_, err = m.conn.Write(append(m.crypto.Encrypt(header), message.Data...))
	return err
}
