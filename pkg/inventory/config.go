// Package inventory loads the canopy configuration file and resolves node
// group names through static and external group sources.
package inventory

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/canopysh/canopy/pkg/logger"
)

// Config is the complete canopy configuration, loaded from
// ~/.canopy/config.toml unless another path is given.
type Config struct {
	Task     TaskConfig     `toml:"task"`
	SSH      SSHConfig      `toml:"ssh"`
	Log      logger.Config  `toml:"log"`
	Groups   GroupsConfig   `toml:"groups"`
	Topology TopologyConfig `toml:"topology"`
}

// TaskConfig holds task defaults. Timeouts are in seconds; zero or negative
// means no timeout.
type TaskConfig struct {
	Fanout         int     `toml:"fanout"`
	ConnectTimeout float64 `toml:"connect_timeout"`
	CommandTimeout float64 `toml:"command_timeout"`
	Engine         string  `toml:"engine"`
	GroomingDelay  float64 `toml:"grooming_delay"`
}

// SSHConfig holds default settings for SSH connections.
type SSHConfig struct {
	User           string   `toml:"user"`
	Port           int      `toml:"port"`
	KeyPath        string   `toml:"key_path"`
	KnownHostsPath string   `toml:"known_hosts"`
	StrictHostKey  bool     `toml:"strict_host_key"`
	Options        []string `toml:"options"`
	GatewayCommand string   `toml:"gateway_command"`
}

// GroupsConfig configures group sources. The [groups.local] table maps group
// names to node set expressions and forms the built-in "local" source.
// Additional sources come from YAML files in SourcesDir and from
// [[groups.source]] command tables.
type GroupsConfig struct {
	Default    string            `toml:"default"`
	SourcesDir string            `toml:"sources_dir"`
	Local      map[string]string `toml:"local"`
	Sources    []SourceConfig    `toml:"source"`
}

// SourceConfig defines an external group source whose upcalls run through
// the shell. The map command sees $GROUP, the reverse command sees $NODE.
// Empty all and reverse commands leave those upcalls unsupported.
type SourceConfig struct {
	Name    string `toml:"name"`
	Map     string `toml:"map"`
	List    string `toml:"list"`
	All     string `toml:"all"`
	Reverse string `toml:"reverse"`
}

// TopologyConfig carries propagation tree routes, either inline or in a
// separate TOML file.
type TopologyConfig struct {
	Routes map[string]string `toml:"routes"`
	File   string            `toml:"file"`
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".canopy", "config.toml")
}

func defaultConfig() *Config {
	return &Config{
		Task: TaskConfig{
			Fanout:         64,
			ConnectTimeout: 10,
			CommandTimeout: 0,
			Engine:         "auto",
			GroomingDelay:  0.25,
		},
		SSH: SSHConfig{
			Port:           22,
			KnownHostsPath: "~/.ssh/known_hosts",
			GatewayCommand: "canopy-gateway",
		},
		Log: logger.Config{
			Level:  "info",
			Output: "stderr",
		},
		Groups: GroupsConfig{
			Default: "local",
			Local:   make(map[string]string),
		},
	}
}

// Inventory holds the loaded configuration and the group resolver built
// from it.
type Inventory struct {
	mu       sync.RWMutex
	config   *Config
	path     string
	resolver *Resolver
}

// New creates an Inventory backed by the given configuration file. A missing
// file is not an error; defaults apply.
func New(configPath string) (*Inventory, error) {
	if configPath == "" {
		configPath = DefaultPath()
	}
	inv := &Inventory{config: defaultConfig(), path: configPath}
	if _, err := os.Stat(configPath); err == nil {
		if err := inv.Load(); err != nil {
			return nil, err
		}
	} else if err := inv.buildResolver(); err != nil {
		return nil, err
	}
	return inv, nil
}

// Load reads the configuration file and rebuilds the group resolver.
func (inv *Inventory) Load() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	data, err := os.ReadFile(inv.path)
	if err != nil {
		return errors.Wrap(err, "reading config")
	}
	config := defaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return errors.Wrapf(err, "parsing %s", inv.path)
	}
	if config.Task.Fanout <= 0 {
		return errors.Errorf("%s: task.fanout must be positive", inv.path)
	}
	inv.config = config
	return inv.buildResolver()
}

// Save writes the current configuration back to its file.
func (inv *Inventory) Save() error {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(inv.path), 0o755); err != nil {
		return err
	}
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(inv.config); err != nil {
		return err
	}
	return os.WriteFile(inv.path, []byte(buf.String()), 0o644)
}

// Config returns the loaded configuration.
func (inv *Inventory) Config() *Config {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.config
}

// Resolver returns the group resolver built from the configuration.
func (inv *Inventory) Resolver() *Resolver {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.resolver
}

// ExpandPath expands a leading ~ in path.
func ExpandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return home
}
