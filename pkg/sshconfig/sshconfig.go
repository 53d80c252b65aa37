// Package sshconfig reaches cluster nodes over SSH: it resolves the
// connection settings each node needs, dials, and exposes a running
// remote command as a set of byte streams.
//
// Connection settings for a host come from three layers, most specific
// first:
//
//  1. Fields pinned on the HostSpec by the caller
//  2. Matching Host blocks in the OpenSSH client configuration file
//  3. Dialer defaults (login user, key path, port 22)
//
// Within the configuration file the first Host block naming a parameter
// wins, as OpenSSH resolves it. Recognized directives are HostName,
// User, Port and IdentityFile; everything else is ignored. In
// particular ProxyJump is not honored: multi-hop reach goes through the
// propagation tree, not through SSH-level jumps.
//
// Authentication tries the ssh-agent first, then the configured private
// key, then the usual default key files under ~/.ssh. Host keys are
// checked against a known-hosts file; unknown hosts are recorded there
// unless strict checking is requested.
package sshconfig

import (
	"bufio"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Entry is one Host block from an OpenSSH client configuration file.
type Entry struct {
	Patterns     []string
	HostName     string
	User         string
	Port         int
	IdentityFile string
}

// Matches reports whether the block applies to host. A negated pattern
// excludes the host from the whole block regardless of other patterns.
func (e Entry) Matches(host string) bool {
	matched := false
	for _, p := range e.Patterns {
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			if matchPattern(host, neg) {
				return false
			}
			continue
		}
		if matchPattern(host, p) {
			matched = true
		}
	}
	return matched
}

// matchPattern matches one hostname against one pattern, with the * and
// ? wildcards of ssh_config.
func matchPattern(host, pattern string) bool {
	if ok, err := path.Match(pattern, host); err == nil {
		return ok
	}
	return host == pattern
}

// File is a parsed client configuration file.
type File struct {
	entries []Entry
}

// DefaultConfigPath returns ~/.ssh/config.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ssh", "config")
}

// LoadConfig reads an OpenSSH client configuration file. A missing file
// is an empty configuration, not an error.
func LoadConfig(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, errors.Wrap(err, "open ssh config")
	}
	defer f.Close()
	cfg, err := ParseConfig(f)
	return cfg, errors.Wrapf(err, "parse %s", path)
}

// ParseConfig parses client configuration text.
func ParseConfig(r io.Reader) (*File, error) {
	cfg := &File{}
	var current *Entry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		keyword := strings.ToLower(fields[0])

		if keyword == "host" {
			if current != nil {
				cfg.entries = append(cfg.entries, *current)
			}
			current = &Entry{Patterns: fields[1:]}
			continue
		}
		if current == nil {
			// Directives before the first Host block apply globally in
			// OpenSSH; treat them as a catch-all block.
			current = &Entry{Patterns: []string{"*"}}
		}
		value := strings.Join(fields[1:], " ")
		switch keyword {
		case "hostname":
			current.HostName = value
		case "user":
			current.User = value
		case "port":
			if port, err := strconv.Atoi(value); err == nil {
				current.Port = port
			}
		case "identityfile":
			current.IdentityFile = value
		}
	}
	if current != nil {
		cfg.entries = append(cfg.entries, *current)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read ssh config")
	}
	return cfg, nil
}

// Lookup merges every block matching host into one view. For each
// parameter the first matching block that sets it wins.
func (f *File) Lookup(host string) Entry {
	var out Entry
	for _, e := range f.entries {
		if !e.Matches(host) {
			continue
		}
		if out.HostName == "" {
			out.HostName = e.HostName
		}
		if out.User == "" {
			out.User = e.User
		}
		if out.Port == 0 {
			out.Port = e.Port
		}
		if out.IdentityFile == "" {
			out.IdentityFile = e.IdentityFile
		}
	}
	return out
}

// Len returns the number of Host blocks.
func (f *File) Len() int { return len(f.entries) }
