package multiplexer

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"hop.computer/snitun/pkg/must"
)

// Frame header layout, 32 bytes, encrypted as one unit:
//
//	offset  size  field
//	0       16    channel id
//	16      1     flow type
//	17      4     payload size, big-endian
//	21      11    extra, padded with random bytes
//
// The payload follows the header on the wire in plaintext.
const (
	idSize     = 16
	headerSize = 32
	extraSize  = 11
)

// FlowType tags what a frame means to the remote side.
type FlowType byte

// Flow types carried in a frame header. The wire values are fixed.
const (
	FlowNew   FlowType = 0x01
	FlowData  FlowType = 0x02
	FlowClose FlowType = 0x04
	FlowPing  FlowType = 0x08
)

func (f FlowType) valid() bool {
	switch f {
	case FlowNew, FlowData, FlowClose, FlowPing:
		return true
	}
	return false
}

func (f FlowType) String() string {
	switch f {
	case FlowNew:
		return "new"
	case FlowData:
		return "data"
	case FlowClose:
		return "close"
	case FlowPing:
		return "ping"
	}
	return fmt.Sprintf("unknown(%#x)", byte(f))
}

// Markers carried in the extra block of a PING frame.
var (
	pingMarker = []byte("ping")
	pongMarker = []byte("pong")
)

// ChannelID identifies one logical channel inside a tunnel connection.
type ChannelID uuid.UUID

// NewChannelID returns a fresh random id.
func NewChannelID() ChannelID {
	return ChannelID(uuid.New())
}

func (id ChannelID) String() string {
	return uuid.UUID(id).String()
}

// Message is one multiplexed frame: routing id, flow type, payload bytes and
// the small inline extra block.
type Message struct {
	ID       ChannelID
	FlowType FlowType
	Data     []byte
	Extra    []byte
}

// encodeHeader builds the fixed-size plaintext frame header for message.
// Extra shorter than its full width is padded with random bytes.
func encodeHeader(message *Message) ([]byte, error) {
	if !message.FlowType.valid() {
		return nil, fmt.Errorf("refusing to encode flow type %s", message.FlowType)
	}
	if len(message.Extra) > extraSize {
		return nil, fmt.Errorf("extra is %d bytes, exceeds %d", len(message.Extra), extraSize)
	}
	header := make([]byte, headerSize)
	copy(header[:idSize], message.ID[:])
	header[idSize] = byte(message.FlowType)
	binary.BigEndian.PutUint32(header[idSize+1:idSize+5], uint32(len(message.Data)))
	n := copy(header[idSize+5:], message.Extra)
	must.ReadRandom(header[idSize+5+n:])
	return header, nil
}

// decodeHeader parses a decrypted frame header. It returns the message
// without its payload, plus the declared payload size the caller still has
// to read off the wire. A header that does not carry one of the four known
// flow types is treated as a decrypt failure.
func decodeHeader(header []byte) (*Message, uint32, error) {
	if len(header) != headerSize {
		return nil, 0, fmt.Errorf("header is %d bytes: %w", len(header), ErrDecrypt)
	}
	flow := FlowType(header[idSize])
	if !flow.valid() {
		return nil, 0, fmt.Errorf("flow type %s: %w", flow, ErrDecrypt)
	}
	size := binary.BigEndian.Uint32(header[idSize+1 : idSize+5])
	extra := make([]byte, extraSize)
	copy(extra, header[idSize+5:])
	message := &Message{
		ID:       ChannelID([idSize]byte(header[:idSize])),
		FlowType: flow,
		Extra:    extra,
	}
	return message, size, nil
}
