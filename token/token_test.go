package token

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"gotest.tools/assert"

	"hop.computer/snitun/pkg/must"
)

func testKeys(t *testing.T, n int) []*fernet.Key {
	t.Helper()
	keys := make([]*fernet.Key, n)
	for i := range keys {
		keys[i] = must.Do(GenerateKey())
	}
	return keys
}

func TestTokenRoundTrip(t *testing.T) {
	keys := testKeys(t, 1)
	aesKey := make([]byte, 32)
	aesIV := make([]byte, 16)
	must.ReadRandom(aesKey)
	must.ReadRandom(aesIV)

	tok, err := Generate(keys, time.Hour, "example.com", []string{"alias.example.com"}, aesKey, aesIV)
	assert.NilError(t, err)

	// The base64 of the fernet version byte gives every token the same
	// two-byte magic the registration listener sniffs for.
	assert.Assert(t, bytes.HasPrefix(tok, []byte("gA")))

	claims, err := Verify(keys, tok)
	assert.NilError(t, err)
	assert.Equal(t, claims.Hostname, "example.com")
	assert.DeepEqual(t, claims.Alias, []string{"alias.example.com"})

	key, iv, err := claims.KeyMaterial()
	assert.NilError(t, err)
	assert.DeepEqual(t, key, aesKey)
	assert.DeepEqual(t, iv, aesIV)
	assert.Assert(t, claims.ValidUntil().After(time.Now()))
}

func TestTokenKeyRotation(t *testing.T) {
	oldKeys := testKeys(t, 1)
	tok, err := Generate(oldKeys, time.Hour, "example.com", nil, make([]byte, 32), make([]byte, 16))
	assert.NilError(t, err)

	// A rotated key set that still contains the signing key accepts the
	// token, a set without it does not.
	rotated := append(testKeys(t, 1), oldKeys...)
	_, err = Verify(rotated, tok)
	assert.NilError(t, err)

	_, err = Verify(testKeys(t, 2), tok)
	assert.Assert(t, errors.Is(err, ErrInvalidToken))
}

func TestTokenExpired(t *testing.T) {
	keys := testKeys(t, 1)
	tok, err := Generate(keys, -time.Minute, "example.com", nil, make([]byte, 32), make([]byte, 16))
	assert.NilError(t, err)

	_, err = Verify(keys, tok)
	assert.Assert(t, errors.Is(err, ErrInvalidToken))
}

func TestTokenGarbage(t *testing.T) {
	keys := testKeys(t, 1)
	_, err := Verify(keys, []byte("gAAAAAnot-a-real-token"))
	assert.Assert(t, errors.Is(err, ErrInvalidToken))
}

func TestTokenBadKeyMaterial(t *testing.T) {
	claims := &Claims{AESKey: "zz", AESIV: "00"}
	_, _, err := claims.KeyMaterial()
	assert.Assert(t, errors.Is(err, ErrInvalidToken))
}

func TestGenerateWithoutKeys(t *testing.T) {
	_, err := Generate(nil, time.Hour, "example.com", nil, nil, nil)
	assert.Assert(t, err != nil)
}
