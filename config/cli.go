package config

import (
	"flag"
	"fmt"
	"net"
	"strings"
)

type Cli struct {
	HTTPAddress string
	StorageDir  string
	RedisURL    string
}

// AddrFlag registers a listen-address flag that accepts either a full
// host:port or a bare port number.
func AddrFlag(fs *flag.FlagSet, dest *string, name, value, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if !strings.Contains(s, ":") {
			s = ":" + s
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", s, err)
		}
		*dest = s
		return nil
	})
}
