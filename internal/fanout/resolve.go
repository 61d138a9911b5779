package fanout

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	internalerrors "github.com/guardian/prism/internal/errors"
)

// Target is one host and the user to log in as.
type Target struct {
	Address string
	User    string
}

func (t Target) String() string {
	return t.Address + " as " + t.User
}

// UserLookup returns the configured login user for a host, or "" if none.
type UserLookup interface {
	User(host string) string
}

// currentUser is swapped in tests.
var currentUser = func() (string, error) {
	if name := os.Getenv("USER"); name != "" {
		return name, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// Resolve picks the login user for each address. An explicit user wins,
// then the per-host lookup, then the invoking OS user. Blank addresses are
// skipped.
func Resolve(addresses []string, explicit string, lookup UserLookup) ([]Target, error) {
	explicit = strings.TrimSpace(explicit)

	var fallback string
	targets := make([]Target, 0, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}

		login := explicit
		if login == "" && lookup != nil {
			login = lookup.User(addr)
		}
		if login == "" {
			if fallback == "" {
				name, err := currentUser()
				if err != nil {
					return nil, internalerrors.Input("resolve user", "cannot determine local user for %s: %v", addr, err)
				}
				fallback = name
			}
			login = fallback
		}
		targets = append(targets, Target{Address: addr, User: login})
	}
	return targets, nil
}

// Describe lists targets for the confirmation prompt.
func Describe(targets []Target) string {
	var b strings.Builder
	for _, t := range targets {
		fmt.Fprintf(&b, "  %s\n", t)
	}
	return b.String()
}
