package flags

import (
	"flag"
	"fmt"

	"hop.computer/snitun/config"
	"hop.computer/snitun/pkg/combinators"
)

// ClientFlags holds CLI arguments for the snitun tunnel client.
type ClientFlags struct {
	ConfigPath string
	LogLevel   string

	// Once connects a single time instead of reconnecting with backoff.
	Once bool
}

// ParseClientArgs defines and parses the flags from the command line for the
// tunnel client
func ParseClientArgs(args []string) (*ClientFlags, error) {
	f := new(ClientFlags)
	fs := new(flag.FlagSet)
	defineClientFlags(fs, f)

	err := fs.Parse(args[1:])
	if err != nil {
		return nil, err
	}
	if fs.NArg() > 0 { // there were unparsed args
		return nil, ErrExcessArgs
	}
	return f, nil
}

// defineClientFlags calls fs.StringVar for the tunnel client
func defineClientFlags(fs *flag.FlagSet, f *ClientFlags) {
	fs.StringVar(&f.ConfigPath, "C", "", "path to client config (uses ~/.snitun/config.toml when unspecified)")
	fs.StringVar(&f.LogLevel, "log", "", "override the configured log level")
	fs.BoolVar(&f.Once, "1", false, "connect once and exit when the tunnel dies")
}

func mergeClientFlagsAndConfig(f *ClientFlags, cc *config.ClientConfig) error {
	cc.LogLevel = combinators.StringOr(f.LogLevel, cc.LogLevel)
	return nil
}

// LoadClientConfigFromFlags follows the configpath provided in flags (or
// default) and applies flag overrides to the loaded config.
func LoadClientConfigFromFlags(f *ClientFlags) (*config.ClientConfig, error) {
	path := f.ConfigPath
	if path == "" {
		path = config.DefaultClientConfigPath()
	}
	cc, err := config.LoadClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to load config: %w", err)
	}
	err = mergeClientFlagsAndConfig(f, cc)
	return cc, err
}
