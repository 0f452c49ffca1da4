package multiplexer

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Channel is one logical byte stream inside a tunnel connection. Inbound
// messages land on a bounded queue filled by the owning multiplexer; outbound
// writes go to the multiplexer's shared queue. A channel never owns a socket.
type Channel struct {
	log *logrus.Entry
	id  ChannelID
	ip  net.IP

	output chan<- *Message
	input  chan *Message

	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	throttling time.Duration
}

func newChannel(output chan<- *Message, ip net.IP, id ChannelID, throttling time.Duration) *Channel {
	return &Channel{
		log:        logrus.WithField("channel", id),
		id:         id,
		ip:         ip,
		output:     output,
		input:      make(chan *Message, channelQueueSize),
		done:       make(chan struct{}),
		throttling: throttling,
	}
}

// ID returns the channel id used for routing frames.
func (c *Channel) ID() ChannelID {
	return c.id
}

// IPAddress returns the address of the external client this channel carries
// traffic for.
func (c *Channel) IPAddress() net.IP {
	return c.ip
}

// initNew builds the frame that asks the remote side to open this channel.
// The extra block is an address-family tag followed by the IPv4 address of
// the original external client.
func (c *Channel) initNew() *Message {
	extra := make([]byte, 0, 5)
	extra = append(extra, '4')
	extra = append(extra, c.ip.To4()...)
	return &Message{ID: c.id, FlowType: FlowNew, Extra: extra}
}

// initClose builds the frame that tears down this channel on the remote side.
func (c *Channel) initClose() *Message {
	return &Message{ID: c.id, FlowType: FlowClose}
}

// Write sends payload data to the remote side. The payload is copied before
// it is queued, callers may reuse data as soon as Write returns. It fails
// with ErrTransport on an empty payload or when the shared outbound queue
// stays full for the enqueue timeout, and with ErrTransportClosed on a
// closed channel.
func (c *Channel) Write(data []byte) error {
	if len(data) == 0 {
		return ErrTransport
	}
	if c.closing.Load() {
		return ErrTransportClosed
	}

	message := &Message{ID: c.id, FlowType: FlowData, Data: append([]byte(nil), data...)}
	timer := time.NewTimer(queuePutTimeout)
	defer timer.Stop()
	select {
	case c.output <- message:
	case <-c.done:
		return ErrTransportClosed
	case <-timer.C:
		return ErrTransport
	}

	if c.throttling > 0 {
		time.Sleep(c.throttling)
	}
	return nil
}

// Read blocks until the next payload arrives and returns it. Once the
// channel is closed, Read still drains data that was queued before the
// close, then fails with ErrTransportClosed.
func (c *Channel) Read() ([]byte, error) {
	select {
	case message := <-c.input:
		return message.Data, nil
	default:
	}

	select {
	case message := <-c.input:
		return message.Data, nil
	case <-c.done:
		// A delivery can race the close signal, drain once more.
		select {
		case message := <-c.input:
			return message.Data, nil
		default:
		}
		return nil, ErrTransportClosed
	}
}

// Close marks the channel closing and unblocks pending reads. It only
// affects local state, sending a CLOSE frame to the remote side is the
// multiplexer's job.
func (c *Channel) Close() {
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Healthy reports whether the inbound queue is at capacity. A full queue
// marks a consumer that stopped reading; the multiplexer closes such
// channels instead of ever blocking its processing loop on them.
func (c *Channel) Healthy() bool {
	return len(c.input) == cap(c.input)
}

// messageTransport delivers one inbound message. Only the owning multiplexer
// calls this. Messages for a closing channel or a full queue are dropped, the
// processing loop must never block here.
func (c *Channel) messageTransport(message *Message) {
	if c.closing.Load() {
		return
	}
	select {
	case c.input <- message:
	default:
		c.log.Warning("Channel input is full")
	}
}
