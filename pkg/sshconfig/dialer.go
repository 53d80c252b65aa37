package sshconfig

import (
	"bufio"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const defaultPort = 22

// HostSpec names one node to reach plus any connection settings the
// caller pins. Zero fields are resolved from the client configuration
// file and the dialer defaults.
type HostSpec struct {
	Host    string
	User    string
	Port    int
	KeyPath string
}

// Options configure a Dialer.
type Options struct {
	// User is the login user when neither the HostSpec nor the
	// configuration file names one. Empty means the current user.
	User string
	// Port is the port dialed when neither the HostSpec nor the
	// configuration file names one. Zero means 22.
	Port int
	// KeyPath is a private key tried after the ssh-agent. Empty falls
	// back to the default key files under ~/.ssh.
	KeyPath string
	// ConfigPath is the OpenSSH client configuration file. Empty means
	// ~/.ssh/config.
	ConfigPath string
	// KnownHostsPath is the known-hosts file. Empty means
	// ~/.ssh/known_hosts.
	KnownHostsPath string
	// StrictHostKey rejects unknown host keys instead of recording
	// them.
	StrictHostKey bool
	// ConnectTimeout bounds the TCP dial and the SSH handshake
	// together. Zero means 10 seconds.
	ConnectTimeout time.Duration
}

// ApplyStrings folds OpenSSH -o style directives ("Key=Value" or
// "Key Value", a leading -o tolerated) into the options. Recognized:
// User, Port, IdentityFile, UserKnownHostsFile, StrictHostKeyChecking,
// ConnectTimeout. Unknown or malformed entries are returned for the
// caller to report.
func (o *Options) ApplyStrings(args []string) []string {
	var rejected []string
	for _, arg := range args {
		s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(arg), "-o"))
		key, value, ok := splitOption(s)
		if !ok {
			rejected = append(rejected, arg)
			continue
		}
		switch strings.ToLower(key) {
		case "user":
			o.User = value
		case "port":
			p, err := strconv.Atoi(value)
			if err != nil || p <= 0 {
				rejected = append(rejected, arg)
				continue
			}
			o.Port = p
		case "identityfile":
			o.KeyPath = value
		case "userknownhostsfile":
			o.KnownHostsPath = value
		case "stricthostkeychecking":
			o.StrictHostKey = strings.EqualFold(value, "yes")
		case "connecttimeout":
			secs, err := strconv.Atoi(value)
			if err != nil || secs < 0 {
				rejected = append(rejected, arg)
				continue
			}
			o.ConnectTimeout = time.Duration(secs) * time.Second
		default:
			rejected = append(rejected, arg)
		}
	}
	return rejected
}

// splitOption splits one directive on its first '=' or blank.
func splitOption(s string) (key, value string, ok bool) {
	i := strings.IndexAny(s, "= \t")
	if i < 0 {
		return "", "", false
	}
	key = s[:i]
	value = strings.TrimLeft(s[i:], "= \t")
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}

// Dialer opens SSH connections to cluster nodes. Construction loads the
// client configuration file and fixes the authentication chain; a
// Dialer is then safe for concurrent use by every node client of a run.
type Dialer struct {
	opts    Options
	keyPath string
	base    []ssh.AuthMethod
	hosts   *KnownHosts
	config  *File
}

// NewDialer builds a Dialer from opts.
func NewDialer(opts Options) (*Dialer, error) {
	if opts.User == "" {
		opts.User = currentUser()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = DefaultConfigPath()
	}
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	hosts, err := NewKnownHosts(opts.KnownHostsPath, !opts.StrictHostKey)
	if err != nil {
		return nil, err
	}
	keyPath := expandPath(opts.KeyPath)
	return &Dialer{
		opts:    opts,
		keyPath: keyPath,
		base:    buildAuthMethods(keyPath),
		hosts:   hosts,
		config:  config,
	}, nil
}

// Resolve fills the zero fields of spec from the configuration file and
// the dialer defaults. A HostName alias from the configuration replaces
// the host unless the host is already an IP address.
func (d *Dialer) Resolve(spec HostSpec) HostSpec {
	entry := d.config.Lookup(spec.Host)
	out := spec
	if entry.HostName != "" && net.ParseIP(out.Host) == nil {
		out.Host = entry.HostName
	}
	if out.User == "" {
		out.User = entry.User
	}
	if out.User == "" {
		out.User = d.opts.User
	}
	if out.Port == 0 {
		out.Port = entry.Port
	}
	if out.Port == 0 {
		out.Port = d.opts.Port
	}
	if out.Port == 0 {
		out.Port = defaultPort
	}
	if out.KeyPath == "" {
		out.KeyPath = entry.IdentityFile
	}
	return out
}

// Dial connects to the node named by spec.
func (d *Dialer) Dial(spec HostSpec) (*ssh.Client, error) {
	spec = d.Resolve(spec)
	addr, err := resolveHost(spec.Host)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            spec.User,
		Auth:            d.auth(spec.KeyPath),
		HostKeyCallback: d.hosts.Callback(),
		Timeout:         d.opts.ConnectTimeout,
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(addr, strconv.Itoa(spec.Port)), cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", spec.Host)
	}
	return client, nil
}

// auth returns the method chain for one host, with its own identity
// file, if any, tried before the shared chain.
func (d *Dialer) auth(keyPath string) []ssh.AuthMethod {
	keyPath = expandPath(keyPath)
	if keyPath == "" || keyPath == d.keyPath {
		return d.base
	}
	signer, err := loadSigner(keyPath)
	if err != nil {
		return d.base
	}
	return append([]ssh.AuthMethod{ssh.PublicKeys(signer)}, d.base...)
}

// buildAuthMethods assembles the chain: ssh-agent, then the configured
// key, then the default key files when no key was configured.
func buildAuthMethods(keyPath string) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if signers, err := agentSigners(); err == nil && len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if keyPath != "" {
		if signer, err := loadSigner(keyPath); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
		return methods
	}

	defaultKeys := []string{
		"id_rsa",
		"id_ed25519",
		"id_ecdsa",
		"id_ecdsa_sk",
		"id_ed25519_sk",
	}
	home, _ := os.UserHomeDir()
	for _, name := range defaultKeys {
		if signer, err := loadSigner(filepath.Join(home, ".ssh", name)); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	return methods
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

// agentSigners fetches every identity held by the ssh-agent.
func agentSigners() ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}
	conn, err := net.DialTimeout("unix", socket, 500*time.Millisecond)
	if err != nil {
		return nil, errors.Wrap(err, "connect to ssh-agent")
	}
	return agent.NewClient(conn).Signers()
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "root"
}

// expandPath expands a leading ~ and environment variables.
func expandPath(p string) string {
	if strings.HasPrefix(p, "~") {
		home, _ := os.UserHomeDir()
		if p == "~" {
			p = home
		} else if strings.HasPrefix(p, "~/") {
			p = filepath.Join(home, p[2:])
		}
	}
	return os.ExpandEnv(p)
}

const hostsFilePath = "/etc/hosts"

var etcHosts struct {
	once   sync.Once
	byName map[string]string
}

// resolveHost turns a node name into an address: literal IPs pass
// through, DNS is asked first and /etc/hosts answers for cluster nodes
// that DNS does not know.
func resolveHost(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	if addrs, err := net.LookupHost(host); err == nil && len(addrs) > 0 {
		for _, addr := range addrs {
			if !strings.Contains(addr, ":") {
				return addr, nil
			}
		}
		return addrs[0], nil
	}
	etcHosts.once.Do(func() {
		etcHosts.byName = parseHostsFile(hostsFilePath)
	})
	if ip, ok := etcHosts.byName[host]; ok {
		return ip, nil
	}
	return "", errors.Errorf("host not found: %s", host)
}

// parseHostsFile reads an /etc/hosts style file into a name to IPv4
// map. The first line naming a host wins.
func parseHostsFile(path string) map[string]string {
	m := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return m
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip := fields[0]
		if strings.Contains(ip, ":") || net.ParseIP(ip) == nil {
			continue
		}
		for _, name := range fields[1:] {
			if strings.HasPrefix(name, "#") {
				break
			}
			if _, ok := m[name]; !ok {
				m[name] = ip
			}
		}
	}
	return m
}
