package inventory

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/canopysh/canopy/pkg/nodeset"
)

// Errors reported by group resolution. Callers match them with errors.Is.
var (
	ErrSourceNotFound = errors.New("group source not found")
	ErrGroupNotFound  = errors.New("group not found")
	ErrNotSupported   = errors.New("group source upcall not supported")
)

// Source provides the group upcalls of one group source. Map and List are
// mandatory; All and Reverse may return ErrNotSupported.
type Source interface {
	Name() string
	// Map returns the nodes of a group, as node set expressions.
	Map(group string) ([]string, error)
	// List returns the group names of the source.
	List() ([]string, error)
	// All returns every node known to the source.
	All() ([]string, error)
	// Reverse returns the groups a node belongs to.
	Reverse(node string) ([]string, error)
}

// Resolver dispatches group lookups to named sources. It implements
// nodeset.GroupResolver.
type Resolver struct {
	defaultName string
	sources     map[string]Source
}

// NewResolver builds a resolver over the given sources. defaultName selects
// the source used when a lookup names none.
func NewResolver(defaultName string, sources ...Source) *Resolver {
	r := &Resolver{defaultName: defaultName, sources: make(map[string]Source)}
	for _, s := range sources {
		r.sources[s.Name()] = s
	}
	return r
}

// buildResolver assembles the resolver from the loaded configuration:
// the inline [groups.local] table, YAML files under sources_dir, and
// [[groups.source]] command sources.
func (inv *Inventory) buildResolver() error {
	cfg := inv.config.Groups
	var sources []Source

	local := make(map[string]string, len(cfg.Local))
	for name, nodes := range cfg.Local {
		local[name] = nodes
	}
	sources = append(sources, NewStaticSource("local", local))

	if cfg.SourcesDir != "" {
		dir := ExpandPath(cfg.SourcesDir)
		fromDir, err := LoadSourcesDir(dir)
		if err != nil {
			return err
		}
		sources = append(sources, fromDir...)
	}
	for _, sc := range cfg.Sources {
		if sc.Name == "" {
			return errors.New("groups.source entry without a name")
		}
		sources = append(sources, NewCommandSource(sc))
	}

	defaultName := cfg.Default
	if defaultName == "" {
		defaultName = "local"
	}
	inv.resolver = NewResolver(defaultName, sources...)
	return nil
}

// Source returns the named source, or the default one for an empty name.
func (r *Resolver) Source(name string) (Source, error) {
	if name == "" {
		name = r.defaultName
	}
	s, ok := r.sources[name]
	if !ok {
		return nil, errors.Wrap(ErrSourceNotFound, name)
	}
	return s, nil
}

// SourceNames returns the known source names in sorted order.
func (r *Resolver) SourceNames() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultSourceName returns the name of the default source.
func (r *Resolver) DefaultSourceName() string { return r.defaultName }

// GroupNodes resolves a group to its nodes. It implements
// nodeset.GroupResolver for @group tokens.
func (r *Resolver) GroupNodes(source, group string) ([]string, error) {
	s, err := r.Source(source)
	if err != nil {
		return nil, err
	}
	return s.Map(group)
}

// All returns every node of the named source.
func (r *Resolver) All(source string) ([]string, error) {
	s, err := r.Source(source)
	if err != nil {
		return nil, err
	}
	return s.All()
}

// List returns the group names of the named source.
func (r *Resolver) List(source string) ([]string, error) {
	s, err := r.Source(source)
	if err != nil {
		return nil, err
	}
	return s.List()
}

// Reverse returns the groups of the named source containing node.
func (r *Resolver) Reverse(source, node string) ([]string, error) {
	s, err := r.Source(source)
	if err != nil {
		return nil, err
	}
	return s.Reverse(node)
}

// StaticSource serves groups from an in-memory map of group name to node
// set expression.
type StaticSource struct {
	name   string
	groups map[string]string
}

// NewStaticSource builds a static source.
func NewStaticSource(name string, groups map[string]string) *StaticSource {
	return &StaticSource{name: name, groups: groups}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Map(group string) ([]string, error) {
	nodes, ok := s.groups[group]
	if !ok {
		return nil, errors.Wrapf(ErrGroupNotFound, "%s:%s", s.name, group)
	}
	return []string{nodes}, nil
}

func (s *StaticSource) List() ([]string, error) {
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// All returns the union of every group of the source.
func (s *StaticSource) All() ([]string, error) {
	all := nodeset.Empty()
	for _, nodes := range s.groups {
		if err := all.Add(nodes); err != nil {
			return nil, errors.Wrapf(err, "source %s", s.name)
		}
	}
	return []string{all.String()}, nil
}

// Reverse scans the groups of the source for the given node.
func (s *StaticSource) Reverse(node string) ([]string, error) {
	var groups []string
	for name, nodes := range s.groups {
		ns, err := nodeset.Parse(nodes)
		if err != nil {
			return nil, errors.Wrapf(err, "source %s group %s", s.name, name)
		}
		if ns.Contains(node) {
			groups = append(groups, name)
		}
	}
	sort.Strings(groups)
	return groups, nil
}

// CommandSource serves groups by running configured shell commands.
type CommandSource struct {
	cfg SourceConfig
}

// NewCommandSource builds a command-backed source from its configuration.
func NewCommandSource(cfg SourceConfig) *CommandSource {
	return &CommandSource{cfg: cfg}
}

func (s *CommandSource) Name() string { return s.cfg.Name }

func (s *CommandSource) Map(group string) ([]string, error) {
	if s.cfg.Map == "" {
		return nil, errors.Wrapf(ErrNotSupported, "%s: map", s.cfg.Name)
	}
	out, err := s.run(s.cfg.Map, "GROUP="+group)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(ErrGroupNotFound, "%s:%s", s.cfg.Name, group)
	}
	return out, nil
}

func (s *CommandSource) List() ([]string, error) {
	if s.cfg.List == "" {
		return nil, errors.Wrapf(ErrNotSupported, "%s: list", s.cfg.Name)
	}
	return s.run(s.cfg.List)
}

func (s *CommandSource) All() ([]string, error) {
	if s.cfg.All == "" {
		return nil, errors.Wrapf(ErrNotSupported, "%s: all", s.cfg.Name)
	}
	return s.run(s.cfg.All)
}

func (s *CommandSource) Reverse(node string) ([]string, error) {
	if s.cfg.Reverse == "" {
		return nil, errors.Wrapf(ErrNotSupported, "%s: reverse", s.cfg.Name)
	}
	return s.run(s.cfg.Reverse, "NODE="+node)
}

// run executes an upcall through the shell and splits its output on
// whitespace.
func (s *CommandSource) run(command string, env ...string) ([]string, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "source %s: %s", s.cfg.Name, command)
	}
	return strings.Fields(string(out)), nil
}

// LoadSourcesDir reads every YAML file of a groups directory. Each file maps
// source names to group tables:
//
//	rack:
//	  r1: "node[1-32]"
//	  r2: "node[33-64]"
func LoadSourcesDir(dir string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading groups directory")
	}
	var sources []Source
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", e.Name())
		}
		var parsed map[string]map[string]string
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", e.Name())
		}
		names := make([]string, 0, len(parsed))
		for name := range parsed {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sources = append(sources, NewStaticSource(name, parsed[name]))
		}
	}
	return sources, nil
}
