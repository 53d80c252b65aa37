package inventory

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInventoryLoad(t *testing.T) {
	content := `
[task]
fanout = 16
connect_timeout = 5.0
engine = "events"

[ssh]
user = "admin"
port = 2222
key_path = "~/.ssh/id_rsa"

[groups]
default = "local"

[groups.local]
compute = "node[1-8]"
login = "login[1-2]"

[topology.routes]
"admin0" = "gw[1-2]"
"gw[1-2]" = "node[1-8]"
`
	inv, err := New(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Failed to load inventory: %v", err)
	}

	cfg := inv.Config()
	if cfg.Task.Fanout != 16 {
		t.Errorf("Expected fanout 16, got %d", cfg.Task.Fanout)
	}
	if cfg.Task.ConnectTimeout != 5.0 {
		t.Errorf("Expected connect_timeout 5.0, got %v", cfg.Task.ConnectTimeout)
	}
	if cfg.Task.Engine != "events" {
		t.Errorf("Expected engine events, got %s", cfg.Task.Engine)
	}
	if cfg.SSH.User != "admin" || cfg.SSH.Port != 2222 {
		t.Errorf("Unexpected ssh settings: %+v", cfg.SSH)
	}
	if cfg.Task.CommandTimeout != 0 {
		t.Errorf("Expected default command_timeout 0, got %v", cfg.Task.CommandTimeout)
	}
	if len(cfg.Topology.Routes) != 2 {
		t.Errorf("Expected 2 topology routes, got %d", len(cfg.Topology.Routes))
	}

	nodes, err := inv.Resolver().GroupNodes("", "compute")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(nodes, []string{"node[1-8]"}) {
		t.Errorf("Unexpected compute nodes: %v", nodes)
	}
}

func TestInventoryDefaults(t *testing.T) {
	inv, err := New(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Missing config should not fail: %v", err)
	}
	cfg := inv.Config()
	if cfg.Task.Fanout != 64 {
		t.Errorf("Expected default fanout 64, got %d", cfg.Task.Fanout)
	}
	if cfg.Task.Engine != "auto" {
		t.Errorf("Expected default engine auto, got %s", cfg.Task.Engine)
	}
	if cfg.SSH.Port != 22 {
		t.Errorf("Expected default ssh port 22, got %d", cfg.SSH.Port)
	}
	if cfg.SSH.GatewayCommand != "canopy-gateway" {
		t.Errorf("Expected default gateway command, got %s", cfg.SSH.GatewayCommand)
	}
}

func TestInventoryRejectsBadFanout(t *testing.T) {
	_, err := New(writeConfig(t, "[task]\nfanout = 0\n"))
	if err == nil {
		t.Fatal("Expected error for fanout 0")
	}
}

func TestStaticSource(t *testing.T) {
	s := NewStaticSource("test", map[string]string{
		"compute": "node[1-4]",
		"login":   "login[1-2]",
		"all1":    "node1,login1",
	})

	names, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"all1", "compute", "login"}) {
		t.Errorf("Unexpected group list: %v", names)
	}

	if _, err := s.Map("nosuch"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("Expected ErrGroupNotFound, got %v", err)
	}

	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(all, []string{"login[1-2],node[1-4]"}) {
		t.Errorf("Unexpected all nodes: %v", all)
	}

	groups, err := s.Reverse("node1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(groups, []string{"all1", "compute"}) {
		t.Errorf("Unexpected reverse groups: %v", groups)
	}
}

func TestCommandSource(t *testing.T) {
	s := NewCommandSource(SourceConfig{
		Name: "cmd",
		Map:  `echo "node[1-4]"`,
		List: `echo compute login`,
	})

	nodes, err := s.Map("anything")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(nodes, []string{"node[1-4]"}) {
		t.Errorf("Unexpected map output: %v", nodes)
	}

	names, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"compute", "login"}) {
		t.Errorf("Unexpected list output: %v", names)
	}

	if _, err := s.All(); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported for all, got %v", err)
	}
	if _, err := s.Reverse("node1"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported for reverse, got %v", err)
	}
}

func TestCommandSourceEnv(t *testing.T) {
	s := NewCommandSource(SourceConfig{Name: "env", Map: `echo "$GROUP-expanded"`})
	nodes, err := s.Map("rack1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(nodes, []string{"rack1-expanded"}) {
		t.Errorf("Unexpected map output: %v", nodes)
	}
}

func TestLoadSourcesDir(t *testing.T) {
	dir := t.TempDir()
	content := `
rack:
  r1: "node[1-32]"
  r2: "node[33-64]"
power:
  low: "node[1-16]"
`
	if err := os.WriteFile(filepath.Join(dir, "site.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-YAML files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	sources, err := LoadSourcesDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 {
		t.Fatalf("Expected 2 sources, got %d", len(sources))
	}

	r := NewResolver("rack", sources...)
	nodes, err := r.GroupNodes("rack", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(nodes, []string{"node[1-32]"}) {
		t.Errorf("Unexpected r1 nodes: %v", nodes)
	}
	if _, err := r.GroupNodes("nosuch", "r1"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("Expected ErrSourceNotFound, got %v", err)
	}
}

func TestResolverSourceSelection(t *testing.T) {
	r := NewResolver("a",
		NewStaticSource("a", map[string]string{"g": "node1"}),
		NewStaticSource("b", map[string]string{"g": "node2"}),
	)
	if got := r.DefaultSourceName(); got != "a" {
		t.Errorf("Expected default source a, got %s", got)
	}
	if !reflect.DeepEqual(r.SourceNames(), []string{"a", "b"}) {
		t.Errorf("Unexpected source names: %v", r.SourceNames())
	}

	nodes, _ := r.GroupNodes("", "g")
	if !reflect.DeepEqual(nodes, []string{"node1"}) {
		t.Errorf("Default source not used: %v", nodes)
	}
	nodes, _ = r.GroupNodes("b", "g")
	if !reflect.DeepEqual(nodes, []string{"node2"}) {
		t.Errorf("Named source not used: %v", nodes)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"/tmp/file", "/tmp/file"},
		{"~/.ssh/id_rsa", filepath.Join(home, ".ssh", "id_rsa")},
		{"", ""},
	}

	for _, tt := range tests {
		result := ExpandPath(tt.input)
		if result != tt.expected {
			t.Errorf("ExpandPath(%s): expected %s, got %s", tt.input, tt.expected, result)
		}
	}
}
