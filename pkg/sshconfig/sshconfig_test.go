package sshconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
# cluster access
Host web1
    HostName web1.internal
    User alice

Host web* !web5
    User bob
    Port 2222
    IdentityFile ~/.ssh/web

Host 10.*
    HostName alias.example.com

Host *
    User fallback
`

func parseSample(t *testing.T) *File {
	t.Helper()
	cfg, err := ParseConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	return cfg
}

func TestLookupFirstMatchWins(t *testing.T) {
	cfg := parseSample(t)
	require.Equal(t, 4, cfg.Len())

	e := cfg.Lookup("web1")
	require.Equal(t, "web1.internal", e.HostName)
	require.Equal(t, "alice", e.User)
	require.Equal(t, 2222, e.Port)
	require.Equal(t, "~/.ssh/web", e.IdentityFile)

	require.Equal(t, "bob", cfg.Lookup("web9").User)
	require.Equal(t, "fallback", cfg.Lookup("db1").User)
	require.Zero(t, cfg.Lookup("db1").Port)
}

func TestNegatedPatternExcludesHost(t *testing.T) {
	cfg := parseSample(t)
	e := cfg.Lookup("web5")
	require.Equal(t, "fallback", e.User)
	require.Zero(t, e.Port)
	require.Empty(t, e.IdentityFile)
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		host    string
		pattern string
		want    bool
	}{
		{"node1.example.com", "node1.example.com", true},
		{"node1.example.com", "*.example.com", true},
		{"192.168.1.10", "192.168.1.*", true},
		{"node1.example.com", "other.example.com", false},
		{"node1", "node?", true},
		{"node12", "node?", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, matchPattern(tc.host, tc.pattern),
			"%s vs %s", tc.host, tc.pattern)
	}
}

func TestLoadConfigMissingFileIsEmpty(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config"))
	require.NoError(t, err)
	require.Zero(t, cfg.Len())
	require.Equal(t, Entry{}, cfg.Lookup("anything"))
}

func TestResolvePrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(configPath, []byte(sampleConfig), 0o600))

	d, err := NewDialer(Options{
		User:           "deflt",
		ConfigPath:     configPath,
		KnownHostsPath: filepath.Join(dir, "known_hosts"),
	})
	require.NoError(t, err)

	got := d.Resolve(HostSpec{Host: "web1"})
	require.Equal(t, "web1.internal", got.Host)
	require.Equal(t, "alice", got.User)
	require.Equal(t, 2222, got.Port)

	got = d.Resolve(HostSpec{Host: "web2", User: "pinned", Port: 7})
	require.Equal(t, "pinned", got.User)
	require.Equal(t, 7, got.Port)

	// An alias never replaces a literal IP.
	got = d.Resolve(HostSpec{Host: "10.0.0.5"})
	require.Equal(t, "10.0.0.5", got.Host)
	require.Equal(t, defaultPort, got.Port)
}

func TestResolveFallsBackToDialerUser(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDialer(Options{
		User:           "deflt",
		ConfigPath:     filepath.Join(dir, "config"),
		KnownHostsPath: filepath.Join(dir, "known_hosts"),
	})
	require.NoError(t, err)

	got := d.Resolve(HostSpec{Host: "node1"})
	require.Equal(t, "deflt", got.User)
	require.Equal(t, defaultPort, got.Port)
}

func TestResolveUsesDialerPort(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDialer(Options{
		Port:           2022,
		ConfigPath:     filepath.Join(dir, "config"),
		KnownHostsPath: filepath.Join(dir, "known_hosts"),
	})
	require.NoError(t, err)

	require.Equal(t, 2022, d.Resolve(HostSpec{Host: "node1"}).Port)
	require.Equal(t, 7, d.Resolve(HostSpec{Host: "node1", Port: 7}).Port)
}

func TestApplyStringsOverrides(t *testing.T) {
	opts := Options{User: "deflt"}
	rejected := opts.ApplyStrings([]string{
		"-o User=alice",
		"Port 2022",
		"IdentityFile=~/.ssh/cluster",
		"UserKnownHostsFile /cluster/known_hosts",
		"StrictHostKeyChecking=yes",
		"ConnectTimeout=5",
		"ProxyJump=bastion",
		"garbage",
	})

	require.Equal(t, []string{"ProxyJump=bastion", "garbage"}, rejected)
	require.Equal(t, "alice", opts.User)
	require.Equal(t, 2022, opts.Port)
	require.Equal(t, "~/.ssh/cluster", opts.KeyPath)
	require.Equal(t, "/cluster/known_hosts", opts.KnownHostsPath)
	require.True(t, opts.StrictHostKey)
	require.Equal(t, 5*time.Second, opts.ConnectTimeout)
}

func TestParseHostsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	content := `127.0.0.1 localhost
# cluster nodes
10.1.0.7 node7 node7.cluster
::1 sixonly
10.1.0.8 node7 # first entry wins
bogus node9
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	m := parseHostsFile(path)
	require.Equal(t, "127.0.0.1", m["localhost"])
	require.Equal(t, "10.1.0.7", m["node7"])
	require.Equal(t, "10.1.0.7", m["node7.cluster"])
	require.NotContains(t, m, "sixonly")
	require.NotContains(t, m, "node9")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".ssh", "id_ed25519"), expandPath("~/.ssh/id_ed25519"))
	require.Equal(t, home, expandPath("~"))
	require.Equal(t, "/plain/path", expandPath("/plain/path"))

	t.Setenv("CLUSTER_KEYS", "/opt/keys")
	require.Equal(t, "/opt/keys/gw", expandPath("$CLUSTER_KEYS/gw"))
}
