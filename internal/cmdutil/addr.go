package cmdutil

import (
	"fmt"
	"net/url"

	"github.com/mitchellh/go-homedir"
)

// ParseAddr splits a URL such as tcp://127.0.0.1:12195 or
// unix://~/.hostfs.sock into a network and address which can be passed to
// net.Listen or net.Dial. A leading ~ in the address is expanded to the home
// directory.
func ParseAddr(addr string) (network, address string, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("cannot parse addr %q as url: %w", addr, err)
	}

	switch u.Scheme {
	case "tcp", "tcp4", "tcp6", "unix":
	case "":
		return "", "", fmt.Errorf("addr %q is missing a scheme", addr)
	default:
		return "", "", fmt.Errorf("unsupported scheme %q in addr %q", u.Scheme, addr)
	}

	address, err = homedir.Expand(u.Host + u.Path)
	if err != nil {
		return "", "", fmt.Errorf("invalid addr: %w", err)
	}
	return u.Scheme, address, nil
}
