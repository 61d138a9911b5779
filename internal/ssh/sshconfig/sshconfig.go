// Package sshconfig looks up per-host login users in an OpenSSH client config.
package sshconfig

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kevinburke/ssh_config"
	"github.com/rs/zerolog"
)

// ErrMatchUnsupported marks a config rejected because it contains a Match
// block, which the parser cannot evaluate.
var ErrMatchUnsupported = errors.New("match blocks are not supported")

// Lookup answers User queries from a parsed config. The zero value and a nil
// *Lookup return no users.
type Lookup struct {
	cfg *ssh_config.Config
}

// Load parses the config at path. A missing file yields an empty lookup.
func Load(path string) (*Lookup, error) {
	if strings.TrimSpace(path) == "" {
		return &Lookup{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Lookup{}, nil
		}
		return nil, fmt.Errorf("open ssh config %s: %w", path, err)
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(data))
	if err != nil {
		if usesMatch(data) {
			return nil, fmt.Errorf("parse ssh config %s: %w (%v)", path, ErrMatchUnsupported, err)
		}
		return nil, fmt.Errorf("parse ssh config %s: %w", path, err)
	}
	return &Lookup{cfg: cfg}, nil
}

func usesMatch(data []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && strings.EqualFold(fields[0], "Match") {
			return true
		}
	}
	return false
}

// LoadOrEmpty is Load with errors logged and treated as an empty config, so
// login users fall back to --user or the local user.
func LoadOrEmpty(path string, logger zerolog.Logger) *Lookup {
	l, err := Load(path)
	if err != nil {
		logger.Warn().Err(err).Str("file", path).
			Msg("Ignoring ssh config; login users fall back to --user or the local user")
		return &Lookup{}
	}
	return l
}

// User returns the User directive that applies to host, or "".
func (l *Lookup) User(host string) string {
	if l == nil || l.cfg == nil {
		return ""
	}
	user, err := l.cfg.Get(host, "User")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(user)
}
