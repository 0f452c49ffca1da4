// Package sni extracts the requested hostname from raw TLS ClientHello
// records, so public connections can be routed to a tunnel peer without
// terminating TLS.
package sni

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// ErrParseSNI indicates structurally invalid ClientHello bytes. The
// connection should be dropped without further reads.
var ErrParseSNI = errors.New("unable to parse TLS SNI")

// ErrIncompleteClientHello indicates fewer bytes than the TLS record
// declares. Unlike other parse failures this is recoverable by reading more
// bytes. It matches ErrParseSNI in errors.Is checks.
var ErrIncompleteClientHello = fmt.Errorf("incomplete ClientHello: %w", ErrParseSNI)

const (
	tlsHeaderLen                = 5
	tlsHandshakeContentType     = 0x16
	tlsHandshakeTypeClientHello = 0x01
)

// Caps for incremental handshake reads, shared with the accept paths that
// sniff protocols before routing.
const (
	// MaxBufferSize bounds how many ClientHello bytes one connection may
	// accumulate. A larger hello is treated as abuse, not truncated.
	MaxBufferSize = 1024000
	// MaxReadSize is the chunk size for handshake reads.
	MaxReadSize = 4096
)

// ReadPayload reads one TLS ClientHello record from reader, accumulating
// bytes until the declared record size is satisfied. When the first bytes do
// not look like a TLS handshake it returns the consumed prefix with tls set
// to false, so protocol sniffing callers can hand the connection elsewhere.
func ReadPayload(reader io.Reader) (data []byte, tls bool, err error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(reader, header); err != nil {
		return nil, false, fmt.Errorf("unable to read TLS header: %w", ErrParseSNI)
	}

	if header[0] != tlsHandshakeContentType || header[5] != tlsHandshakeTypeClientHello {
		return header, false, nil
	}

	tlsSize := int(header[3])<<8 + int(header[4]) + tlsHeaderLen
	data = append(make([]byte, 0, tlsSize), header...)
	chunk := make([]byte, MaxReadSize)
	for len(data) < tlsSize {
		if len(data) > MaxBufferSize {
			return nil, true, fmt.Errorf("ClientHello exceeds %d bytes: %w", MaxBufferSize, ErrParseSNI)
		}
		n, err := reader.Read(chunk)
		if n > 0 {
			data = append(data, chunk[:n]...)
		}
		if err != nil {
			return nil, true, fmt.Errorf("connection closed after %d of %d bytes: %w", len(data), tlsSize, ErrIncompleteClientHello)
		}
	}
	return data, true, nil
}

// ParseTLSSNI walks the TLS record, handshake and extension layout in data
// and returns the first hostname of a server_name extension. Every offset
// advance is bounds-checked, the input comes straight from the public
// internet.
func ParseTLSSNI(data []byte) (string, error) {
	if len(data) < tlsHeaderLen {
		return "", fmt.Errorf("invalid TLS header: %w", ErrParseSNI)
	}
	if data[0] != tlsHandshakeContentType {
		return "", fmt.Errorf("not a TLS handshake: %w", ErrParseSNI)
	}
	if data[1] < 3 {
		return "", fmt.Errorf("ClientHello without SNI support: %w", ErrParseSNI)
	}

	tlsSize := int(data[3])<<8 + int(data[4]) + tlsHeaderLen
	if len(data) < tlsSize {
		return "", fmt.Errorf("have %d of %d record bytes: %w", len(data), tlsSize, ErrIncompleteClientHello)
	}

	pos := tlsHeaderLen
	if pos >= len(data) || data[pos] != tlsHandshakeTypeClientHello {
		return "", fmt.Errorf("invalid ClientHello type: %w", ErrParseSNI)
	}

	// Fixed header part: handshake type, length, version and random.
	pos += 38

	// Session ID
	if pos >= len(data) {
		return "", fmt.Errorf("invalid SessionID: %w", ErrParseSNI)
	}
	pos += 1 + int(data[pos])

	// Cipher suites
	if pos+1 >= len(data) {
		return "", fmt.Errorf("invalid CipherSuites: %w", ErrParseSNI)
	}
	pos += 2 + int(data[pos])<<8 + int(data[pos+1])

	// Compression methods
	if pos >= len(data) {
		return "", fmt.Errorf("invalid CompressionMethods: %w", ErrParseSNI)
	}
	pos += 1 + int(data[pos])

	if pos+2 > len(data) {
		return "", fmt.Errorf("mismatch extension TLS header: %w", ErrParseSNI)
	}
	return parseExtension(data, pos)
}

func parseExtension(data []byte, pos int) (string, error) {
	extensionSize := int(data[pos])<<8 + int(data[pos+1])
	pos += 2
	if pos+extensionSize > len(data) {
		return "", fmt.Errorf("mismatch extension TLS header: %w", ErrParseSNI)
	}

	for pos+4 <= len(data) {
		if data[pos] == 0x00 && data[pos+1] == 0x00 {
			return parseHostName(data, pos+4)
		}
		pos += 4 + int(data[pos+2])<<8 + int(data[pos+3])
	}
	return "", fmt.Errorf("no ServerName extension: %w", ErrParseSNI)
}

func parseHostName(data []byte, pos int) (string, error) {
	// Skip the server name list size.
	pos += 2

	for pos+3 < len(data) {
		size := int(data[pos+1])<<8 + int(data[pos+2])
		if data[pos] != 0x00 {
			// Unknown server name type.
			pos += 3 + size
			continue
		}
		if pos+3+size > len(data) {
			return "", fmt.Errorf("wrong host length: %w", ErrParseSNI)
		}
		name := data[pos+3 : pos+3+size]
		if !utf8.Valid(name) {
			return "", fmt.Errorf("wrong host format: %w", ErrParseSNI)
		}
		return string(name), nil
	}
	return "", fmt.Errorf("no valid ServerName: %w", ErrParseSNI)
}
