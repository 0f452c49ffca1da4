// Package token creates and validates the encrypted registration tokens a
// peer presents when it connects. Tokens carry the per-peer cipher key
// material and an expiry, signed with any of a rotating set of fernet keys.
package token

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"hop.computer/snitun/pkg/thunks"
)

// ErrInvalidToken indicates a token that does not decrypt with any known
// key, does not parse, or has expired.
var ErrInvalidToken = errors.New("invalid peer token")

// Claims is the plaintext a registration token carries.
type Claims struct {
	Valid    float64  `json:"valid"`
	Hostname string   `json:"hostname"`
	AESKey   string   `json:"aes_key"`
	AESIV    string   `json:"aes_iv"`
	Alias    []string `json:"alias"`
}

// KeyMaterial decodes the embedded per-peer AES key and IV.
func (c *Claims) KeyMaterial() (key, iv []byte, err error) {
	if key, err = hex.DecodeString(c.AESKey); err != nil {
		return nil, nil, fmt.Errorf("bad aes_key: %w", ErrInvalidToken)
	}
	if iv, err = hex.DecodeString(c.AESIV); err != nil {
		return nil, nil, fmt.Errorf("bad aes_iv: %w", ErrInvalidToken)
	}
	return key, iv, nil
}

// ValidUntil returns the expiry as a time.
func (c *Claims) ValidUntil() time.Time {
	return time.Unix(int64(c.Valid), 0)
}

// GenerateKey returns a fresh random fernet key.
func GenerateKey() (*fernet.Key, error) {
	key := new(fernet.Key)
	if err := key.Generate(); err != nil {
		return nil, fmt.Errorf("unable to generate fernet key: %w", err)
	}
	return key, nil
}

// Generate builds a registration token for hostname that stays valid for
// validDelta. The token is signed with the first key, older keys in the set
// exist only so Verify still accepts tokens issued before a rotation.
func Generate(keys []*fernet.Key, validDelta time.Duration, hostname string, alias []string, aesKey, aesIV []byte) ([]byte, error) {
	if len(keys) == 0 {
		return nil, errors.New("no fernet keys configured")
	}

	claims := Claims{
		Valid:    float64(thunks.TimeNow().Add(validDelta).Unix()),
		Hostname: hostname,
		AESKey:   hex.EncodeToString(aesKey),
		AESIV:    hex.EncodeToString(aesIV),
		Alias:    alias,
	}
	plain, err := json.Marshal(&claims)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal token claims: %w", err)
	}
	return fernet.EncryptAndSign(plain, keys[0])
}

// Verify decrypts a presented token against the key set and checks its
// expiry. All failure modes collapse into ErrInvalidToken, a connecting
// peer learns nothing about why it was rejected.
func Verify(keys []*fernet.Key, tok []byte) (*Claims, error) {
	// Negative ttl skips fernet's own age check, expiry lives in the claims.
	plain := fernet.VerifyAndDecrypt(tok, -1, keys)
	if plain == nil {
		return nil, fmt.Errorf("unable to decrypt: %w", ErrInvalidToken)
	}

	claims := new(Claims)
	if err := json.Unmarshal(plain, claims); err != nil {
		return nil, fmt.Errorf("unable to parse claims: %w", ErrInvalidToken)
	}

	if thunks.TimeNow().After(claims.ValidUntil()) {
		return nil, fmt.Errorf("token expired: %w", ErrInvalidToken)
	}
	return claims, nil
}
