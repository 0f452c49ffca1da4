package flags

import (
	"flag"
	"fmt"

	"hop.computer/snitun/config"
	"hop.computer/snitun/pkg/combinators"
)

// ServerFlags holds CLI args for the snitund relay.
type ServerFlags struct {
	ConfigPath string
	LogLevel   string
}

// ParseServerArgs defines and parses the flags from the cmd line for snitund
func ParseServerArgs(args []string) (*ServerFlags, error) {
	f := new(ServerFlags)
	fs := new(flag.FlagSet)
	defineServerFlags(fs, f)

	err := fs.Parse(args[1:])
	if err != nil {
		return nil, err
	}
	if fs.NArg() > 0 { // there were unparsed args
		return nil, ErrExcessArgs
	}
	return f, nil
}

func defineServerFlags(fs *flag.FlagSet, f *ServerFlags) {
	fs.StringVar(&f.ConfigPath, "C", "", "path to server config file (uses /etc/snitund/config.toml when unspecified)")
	fs.StringVar(&f.LogLevel, "log", "", "override the configured log level")
}

func mergeServerFlagsAndConfig(f *ServerFlags, sc *config.ServerConfig) error {
	sc.LogLevel = combinators.StringOr(f.LogLevel, sc.LogLevel)
	return nil
}

// LoadServerConfigFromFlags follows the configpath provided in flags (or
// default) and applies flag overrides to the loaded config.
func LoadServerConfigFromFlags(f *ServerFlags) (*config.ServerConfig, error) {
	path := f.ConfigPath
	if path == "" {
		path = config.DefaultServerConfigPath()
	}
	sc, err := config.LoadServerConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to load config: %w", err)
	}
	err = mergeServerFlagsAndConfig(f, sc)
	return sc, err
}
