package multiplexer

import (
	"bytes"
	"errors"
	"testing"

	"gotest.tools/assert"

	"hop.computer/snitun/pkg/must"
)

func testKeyPair(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key := make([]byte, 32)
	iv := make([]byte, 16)
	must.ReadRandom(key)
	must.ReadRandom(iv)
	return key, iv
}

func TestCryptoOrdering(t *testing.T) {
	key, iv := testKeyPair(t)
	sender, err := NewCryptoTransport(key, iv)
	assert.NilError(t, err)
	receiver, err := NewCryptoTransport(key, iv)
	assert.NilError(t, err)

	// The chaining state advances per call, so a sequence of encrypts must
	// decode in the same order on the other side.
	var plaintexts, ciphertexts [][]byte
	for i := 0; i < 16; i++ {
		plain := make([]byte, headerSize)
		must.ReadRandom(plain)
		plaintexts = append(plaintexts, plain)
		ciphertexts = append(ciphertexts, sender.Encrypt(plain))
	}

	for i, ciphertext := range ciphertexts {
		plain, err := receiver.Decrypt(ciphertext)
		assert.NilError(t, err)
		assert.Assert(t, bytes.Equal(plain, plaintexts[i]))
	}
}

func TestCryptoWrongKeyNeverDecodes(t *testing.T) {
	keyA, iv := testKeyPair(t)
	keyB := make([]byte, 32)
	copy(keyB, keyA)
	keyB[0] ^= 0xff

	sender, err := NewCryptoTransport(keyA, iv)
	assert.NilError(t, err)
	receiver, err := NewCryptoTransport(keyB, iv)
	assert.NilError(t, err)

	original := &Message{ID: NewChannelID(), FlowType: FlowData, Data: []byte("x")}
	header, err := encodeHeader(original)
	assert.NilError(t, err)

	plain, err := receiver.Decrypt(sender.Encrypt(header))
	assert.NilError(t, err)

	// Garbage either fails header validation or decodes to a different
	// tuple, it never reproduces the original frame.
	decoded, _, err := decodeHeader(plain)
	if err == nil {
		assert.Assert(t, decoded.ID != original.ID)
	} else {
		assert.Assert(t, errors.Is(err, ErrDecrypt))
	}
}

func TestCryptoRejectsPartialBlock(t *testing.T) {
	key, iv := testKeyPair(t)
	crypto, err := NewCryptoTransport(key, iv)
	assert.NilError(t, err)

	_, err = crypto.Decrypt(make([]byte, headerSize-1))
	assert.Assert(t, errors.Is(err, ErrDecrypt))
}

func TestCryptoBadKeyMaterial(t *testing.T) {
	_, err := NewCryptoTransport(make([]byte, 3), make([]byte, 16))
	assert.Assert(t, err != nil)

	_, err = NewCryptoTransport(make([]byte, 32), make([]byte, 8))
	assert.Assert(t, err != nil)
}
