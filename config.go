package pkgmessage

import (
	"errors"
	"strings"
)

// Address is a parsed broker address: [scheme://][user[:pass]@]host[:port][/virtual_host].
// Host is mandatory; missing port/vhost take the broker's own defaults.
type Address struct {
	Scheme   string
	Username string
	Password string
	Host     string
	Port     string
	VHost    string
}

// ErrAddressHostRequired is returned when the address has no host.
var ErrAddressHostRequired = errors.New("pkgmessage: address host is required")

// ErrAddressPasswordWithoutUser is returned when a password is present
// but no username is.
var ErrAddressPasswordWithoutUser = errors.New("pkgmessage: address has a password but no username")

// ErrAddressUserWithoutCredential is returned when a username is present
// but neither a password nor an auth token is.
var ErrAddressUserWithoutCredential = errors.New("pkgmessage: address has a username but no password or auth token")

// ParseAddress parses an AMQP-style address per §6's grammar. authToken,
// when non-empty, substitutes for a missing password (it is the caller's
// Queue-level auth_token, not part of the address string itself).
func ParseAddress(raw string, authToken string) (Address, error) {
	var addr Address

	rest := raw
	if idx := strings.Index(rest, "://"); idx >= 0 {
		addr.Scheme = rest[:idx]
		rest = rest[idx+3:]
	}

	if idx := strings.LastIndex(rest, "@"); idx >= 0 {
		userinfo := rest[:idx]
		rest = rest[idx+1:]

		if idx2 := strings.Index(userinfo, ":"); idx2 >= 0 {
			addr.Username = userinfo[:idx2]
			addr.Password = userinfo[idx2+1:]
		} else {
			addr.Username = userinfo
		}
	}

	hostport := rest
	if idx := strings.Index(rest, "/"); idx >= 0 {
		hostport = rest[:idx]
		addr.VHost = rest[idx+1:]
	}

	if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		addr.Host = hostport[:idx]
		addr.Port = hostport[idx+1:]
	} else {
		addr.Host = hostport
	}

	if addr.Host == "" {
		return Address{}, ErrAddressHostRequired
	}
	if addr.Password != "" && addr.Username == "" {
		return Address{}, ErrAddressPasswordWithoutUser
	}
	if addr.Username != "" && addr.Password == "" && authToken == "" {
		return Address{}, ErrAddressUserWithoutCredential
	}

	return addr, nil
}
