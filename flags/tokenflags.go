package flags

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"hop.computer/snitun/config"
)

// ErrNoSigningKey indicates that token generation was requested without a
// fernet signing key.
var ErrNoSigningKey = errors.New("no signing key provided")

// TokenFlags holds CLI arguments for the snitun-token generator.
type TokenFlags struct {
	GenerateKey bool // print a fresh signing key and exit

	Key      string // inline signing key
	KeysFile string // file with signing keys, the first one signs

	Hostname string
	Aliases  []string
	Valid    time.Duration
}

// ParseTokenArgs defines and parses the flags from the command line for
// snitun-token
func ParseTokenArgs(args []string) (*TokenFlags, error) {
	f := new(TokenFlags)
	fs := new(flag.FlagSet)
	defineTokenFlags(fs, f)

	err := fs.Parse(args[1:])
	if err != nil {
		return nil, err
	}
	if fs.NArg() > 0 { // there were unparsed args
		return nil, ErrExcessArgs
	}
	if !f.GenerateKey && f.Hostname == "" {
		return nil, fmt.Errorf("either -genkey or -hostname is required")
	}
	return f, nil
}

func defineTokenFlags(fs *flag.FlagSet, f *TokenFlags) {
	fs.BoolVar(&f.GenerateKey, "genkey", false, "generate a fernet signing key and exit")
	fs.StringVar(&f.Key, "key", "", "fernet signing key")
	fs.StringVar(&f.KeysFile, "keys", "", "file with fernet signing keys, one per line")
	fs.StringVar(&f.Hostname, "hostname", "", "hostname the token routes")
	fs.DurationVar(&f.Valid, "valid", 90*24*time.Hour, "how long the token stays valid")
	fs.Func("alias", "additional hostname the token routes (repeatable)", func(s string) error {
		f.Aliases = append(f.Aliases, s)
		return nil
	})
}

// LoadSigningKeys resolves the signing keys named by the flags, inline key
// first.
func LoadSigningKeys(f *TokenFlags) ([]*fernet.Key, error) {
	var keys []*fernet.Key
	if f.Key != "" {
		decoded, err := fernet.DecodeKeys(f.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
		keys = decoded
	}
	if f.KeysFile != "" {
		fileKeys, err := config.LoadFernetKeys(f.KeysFile)
		if err != nil {
			return nil, err
		}
		keys = append(keys, fileKeys...)
	}
	if len(keys) == 0 {
		return nil, ErrNoSigningKey
	}
	return keys, nil
}
