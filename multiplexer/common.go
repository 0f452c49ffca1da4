package multiplexer

import (
	"errors"
	"time"
)

// ErrTransport indicates a fatal transport failure: an enqueue on the shared
// outbound queue timed out or a socket operation failed. It is never retried
// on the same multiplexer instance.
var ErrTransport = errors.New("multiplexer transport error")

// ErrTransportClosed indicates an operation was performed on a channel or
// multiplexer that is already closed.
var ErrTransportClosed = errors.New("multiplexer transport is closed")

// ErrDecrypt indicates a message header did not decrypt to anything
// parseable. The cipher stream is out of sync at that point, so the
// connection cannot continue.
var ErrDecrypt = errors.New("unable to decrypt message header")

// peerTCPTimeout bounds every socket operation on the peer connection. A peer
// that produces no traffic for this long is considered dead.
var peerTCPTimeout = 90 * time.Second

// queuePutTimeout bounds enqueue operations on the shared outbound queue.
var queuePutTimeout = 5 * time.Second

// outboundQueueSize is the capacity of the shared outbound message queue.
const outboundQueueSize = 12000

// channelQueueSize is the capacity of each channel's inbound message queue.
const channelQueueSize = 8000
