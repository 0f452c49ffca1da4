package multiplexer

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"hop.computer/snitun/pkg/must"
)

// CryptoTransport encrypts and decrypts the fixed-size frame headers of one
// tunnel connection. The cipher runs in CBC mode and keeps its chaining state
// across calls, so both sides must perform encrypt and decrypt calls in
// exactly the same order for the stream to stay in sync.
type CryptoTransport struct {
	encryptor cipher.BlockMode
	decryptor cipher.BlockMode
}

// NewKeySet returns a fresh random AES-256 key and IV pair for one tunnel.
func NewKeySet() (key, iv []byte) {
	key = make([]byte, 32)
	iv = make([]byte, aes.BlockSize)
	must.ReadRandom(key)
	must.ReadRandom(iv)
	return key, iv
}

// NewCryptoTransport initializes the cipher contexts from a pre-shared key
// and IV pair.
func NewCryptoTransport(key, iv []byte) (*CryptoTransport, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("unable to init AES cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("IV is %d bytes, cipher needs %d", len(iv), block.BlockSize())
	}
	return &CryptoTransport{
		encryptor: cipher.NewCBCEncrypter(block, iv),
		decryptor: cipher.NewCBCDecrypter(block, iv),
	}, nil
}

// Encrypt returns the ciphertext for data. The length of data must be a
// multiple of the cipher block size. Never call concurrently, the chaining
// state advances with every call.
func (c *CryptoTransport) Encrypt(data []byte) []byte {
	out := make([]byte, len(data))
	c.encryptor.CryptBlocks(out, data)
	return out
}

// Decrypt returns the plaintext for data. A ciphertext that is not a
// multiple of the cipher block size fails with ErrDecrypt.
func (c *CryptoTransport) Decrypt(data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is %d bytes: %w", len(data), ErrDecrypt)
	}
	out := make([]byte, len(data))
	c.decryptor.CryptBlocks(out, data)
	return out, nil
}
