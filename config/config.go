// Package config contains structures for parsing snitun server and client
// configurations.
package config

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fernet/fernet-go"

	"hop.computer/snitun/pkg/combinators"
	"hop.computer/snitun/pkg/thunks"
)

// Server run modes.
const (
	ModeDual   = "dual"
	ModeSingle = "single"
	ModeWorker = "worker"
)

// ServerConfig represents a parsed relay server configuration.
type ServerConfig struct {
	// Mode selects how the relay listens: "dual" runs separate SNI and peer
	// ports, "single" and "worker" share one port.
	Mode string

	ListenAddress string // shared port for single and worker mode
	SNIAddress    string // public TLS port in dual mode
	PeerAddress   string // peer registration port in dual mode

	MetricsAddress string // empty disables the metrics endpoint
	Workers        int    // worker mode pool size, zero picks a default
	Throttling     int    // messages per second per peer, zero disables
	LogLevel       string

	FernetKeys     []string // inline token signing keys
	FernetKeysFile string   // file with one key per line, reloaded on change
}

// ClientConfig represents a parsed tunnel client configuration.
type ClientConfig struct {
	ServerAddress string

	// Token material, either inline or via CredentialsFile.
	Token           string
	AESKey          string
	AESIV           string
	CredentialsFile string

	EndHost string // local endpoint serving the tunneled requests
	EndPort int    // zero defaults to 443

	Whitelist    bool
	WhitelistIPs []string

	Throttling int
	LogLevel   string
}

// Credentials is the token material a client presents to the relay. The
// snitun-token tool emits this block as TOML.
type Credentials struct {
	Token  string
	AESKey string
	AESIV  string
}

// fileSystem is swapped for a fstest.MapFS in tests.
var fileSystem fs.FS = osFS{}

type osFS struct{}

func (o osFS) Open(name string) (fs.File, error) {
	return os.Open(name)
}

func decodeFile(path string, v interface{}) error {
	b, err := fs.ReadFile(fileSystem, path)
	if err != nil {
		return err
	}
	md, err := toml.Decode(string(b), v)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown setting %q in %s", undecoded[0].String(), path)
	}
	return nil
}

// LoadServerConfigFromFile parses and validates the server configuration at
// path.
func LoadServerConfigFromFile(path string) (*ServerConfig, error) {
	c := new(ServerConfig)
	if err := decodeFile(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate fills defaults and rejects inconsistent settings.
func (c *ServerConfig) Validate() error {
	c.Mode = combinators.StringOr(c.Mode, ModeDual)
	c.LogLevel = combinators.StringOr(c.LogLevel, "info")

	switch c.Mode {
	case ModeDual:
		if c.SNIAddress == "" || c.PeerAddress == "" {
			return fmt.Errorf("dual mode needs SNIAddress and PeerAddress")
		}
	case ModeSingle, ModeWorker:
		if c.ListenAddress == "" {
			return fmt.Errorf("%s mode needs ListenAddress", c.Mode)
		}
	default:
		return fmt.Errorf("unknown server mode %q", c.Mode)
	}

	if len(c.FernetKeys) == 0 && c.FernetKeysFile == "" {
		return fmt.Errorf("no fernet keys configured")
	}
	return nil
}

// FernetKeySet returns every signing key the server accepts, inline keys
// first, file keys after.
func (c *ServerConfig) FernetKeySet() ([]*fernet.Key, error) {
	var keys []*fernet.Key
	if len(c.FernetKeys) > 0 {
		decoded, err := fernet.DecodeKeys(c.FernetKeys...)
		if err != nil {
			return nil, fmt.Errorf("invalid FernetKeys entry: %w", err)
		}
		keys = decoded
	}
	if c.FernetKeysFile != "" {
		fileKeys, err := LoadFernetKeys(c.FernetKeysFile)
		if err != nil {
			return nil, err
		}
		keys = append(keys, fileKeys...)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no fernet keys in %s", c.FernetKeysFile)
	}
	return keys, nil
}

// LoadFernetKeys reads signing keys from path, one per line. Blank lines and
// #-comments are skipped.
func LoadFernetKeys(path string) ([]*fernet.Key, error) {
	b, err := fs.ReadFile(fileSystem, path)
	if err != nil {
		return nil, err
	}
	var raw []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw = append(raw, line)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	keys, err := fernet.DecodeKeys(raw...)
	if err != nil {
		return nil, fmt.Errorf("invalid key in %s: %w", path, err)
	}
	return keys, nil
}

// LoadClientConfigFromFile parses and validates the client configuration at
// path.
func LoadClientConfigFromFile(path string) (*ClientConfig, error) {
	c := new(ClientConfig)
	if err := decodeFile(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate fills defaults and rejects inconsistent settings.
func (c *ClientConfig) Validate() error {
	c.LogLevel = combinators.StringOr(c.LogLevel, "info")
	c.EndPort = combinators.IntOr(c.EndPort, 443)
	if c.ServerAddress == "" {
		return fmt.Errorf("ServerAddress is required")
	}
	if c.EndHost == "" {
		return fmt.Errorf("EndHost is required")
	}
	if c.CredentialsFile == "" && (c.Token == "" || c.AESKey == "" || c.AESIV == "") {
		return fmt.Errorf("either CredentialsFile or Token, AESKey and AESIV are required")
	}
	for _, s := range c.WhitelistIPs {
		if net.ParseIP(s) == nil {
			return fmt.Errorf("invalid WhitelistIPs entry %q", s)
		}
	}
	return nil
}

// Credentials resolves the token material, preferring inline settings over
// the credentials file.
func (c *ClientConfig) Credentials() (token, aesKey, aesIV []byte, err error) {
	cr := Credentials{Token: c.Token, AESKey: c.AESKey, AESIV: c.AESIV}
	if cr.Token == "" {
		if err := decodeFile(c.CredentialsFile, &cr); err != nil {
			return nil, nil, nil, err
		}
	}

	aesKey, err = base64.StdEncoding.DecodeString(cr.AESKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid AESKey: %w", err)
	}
	aesIV, err = base64.StdEncoding.DecodeString(cr.AESIV)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid AESIV: %w", err)
	}
	if len(aesKey) != 32 || len(aesIV) != 16 {
		return nil, nil, nil, fmt.Errorf("AES material is %d+%d bytes, want 32+16", len(aesKey), len(aesIV))
	}
	return []byte(cr.Token), aesKey, aesIV, nil
}

// EncodeCredentials renders the token material as a TOML credentials block.
func EncodeCredentials(token []byte, aesKey, aesIV []byte) string {
	return fmt.Sprintf("Token = %q\nAESKey = %q\nAESIV = %q\n",
		token,
		base64.StdEncoding.EncodeToString(aesKey),
		base64.StdEncoding.EncodeToString(aesIV))
}

var userDirectory string
var userDirectoryOnce sync.Once

func locateUserDirectory() {
	home, err := thunks.UserHomeDir()
	if err != nil {
		userDirectory = ""
		return
	}
	userDirectory = filepath.Join(home, ".snitun")
}

// UserDirectory returns the snitun configuration directory for the current
// user.
func UserDirectory() string {
	userDirectoryOnce.Do(locateUserDirectory)
	return userDirectory
}

// ServerDirectory returns the directory used for server configuration.
func ServerDirectory() string {
	return "/etc/snitund"
}

// DefaultClientConfigPath returns UserDirectory()/config.toml.
func DefaultClientConfigPath() string {
	return filepath.Join(UserDirectory(), "config.toml")
}

// DefaultServerConfigPath returns ServerDirectory()/config.toml.
func DefaultServerConfigPath() string {
	return filepath.Join(ServerDirectory(), "config.toml")
}
