package sshconfig

import (
	"bufio"
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrHostKeyUnknown reports a host absent from the known-hosts file
	// under strict checking.
	ErrHostKeyUnknown = errors.New("host key unknown")
	// ErrHostKeyChanged reports a host whose presented key differs from
	// the recorded one.
	ErrHostKeyChanged = errors.New("host key changed")
)

// KnownHosts verifies host keys against a known-hosts file. In auto-add
// mode unknown hosts are recorded on first contact; otherwise they are
// rejected. A changed key is always rejected.
type KnownHosts struct {
	path    string
	autoAdd bool

	mu   sync.Mutex
	keys map[string][]ssh.PublicKey
}

// NewKnownHosts loads the file at path, or ~/.ssh/known_hosts when path
// is empty. A missing file is an empty database.
func NewKnownHosts(path string, autoAdd bool) (*KnownHosts, error) {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	k := &KnownHosts{
		path:    expandPath(path),
		autoAdd: autoAdd,
		keys:    make(map[string][]ssh.PublicKey),
	}
	if err := k.load(); err != nil {
		return nil, errors.Wrap(err, "load known_hosts")
	}
	return k, nil
}

func (k *KnownHosts) load() error {
	f, err := os.Open(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.Join(fields[1:], " ")))
		if err != nil {
			// Unparseable lines are someone else's key formats.
			continue
		}
		for _, pattern := range strings.Split(fields[0], ",") {
			k.keys[pattern] = append(k.keys[pattern], key)
		}
	}
	return scanner.Err()
}

// Callback returns the verifier as an ssh.HostKeyCallback.
func (k *KnownHosts) Callback() ssh.HostKeyCallback {
	return k.verify
}

func (k *KnownHosts) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	name := knownHostsName(hostname)

	k.mu.Lock()
	defer k.mu.Unlock()

	known, found := k.lookup(name)
	if found {
		marshaled := key.Marshal()
		for _, kk := range known {
			if bytes.Equal(kk.Marshal(), marshaled) {
				return nil
			}
		}
		return errors.Wrap(ErrHostKeyChanged, name)
	}
	if !k.autoAdd {
		return errors.Wrap(ErrHostKeyUnknown, name)
	}
	return k.add(name, key)
}

// lookup returns the keys recorded for name and whether any pattern
// matched it at all.
func (k *KnownHosts) lookup(name string) ([]ssh.PublicKey, bool) {
	if keys, ok := k.keys[name]; ok {
		return keys, true
	}
	for pattern, keys := range k.keys {
		if matchPattern(name, pattern) {
			return keys, true
		}
	}
	return nil, false
}

// add records the key under name, appending to the file. Callers hold
// the lock.
func (k *KnownHosts) add(name string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return errors.Wrap(err, "create known_hosts directory")
	}
	f, err := os.OpenFile(k.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open known_hosts")
	}
	defer f.Close()

	line := name + " " + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	if _, err := f.WriteString(line + "\n"); err != nil {
		return errors.Wrap(err, "write known_hosts")
	}
	k.keys[name] = append(k.keys[name], key)
	return nil
}

// knownHostsName converts the dialed address into the known-hosts entry
// name: bare hostname on port 22, [host]:port form otherwise.
func knownHostsName(hostname string) string {
	host, port, err := net.SplitHostPort(hostname)
	if err != nil {
		return hostname
	}
	if port == "22" {
		return host
	}
	return "[" + host + "]:" + port
}
