package topology

import (
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ParseRoutes reads "source: destination" lines, one route per line. Blank
// lines and #-comments are skipped. This is the format Tree.Encode emits,
// so a serialized tree parses back into an equivalent graph.
func ParseRoutes(text string) (*Graph, error) {
	g := NewGraph()
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		src, dst, ok := strings.Cut(line, ":")
		if !ok {
			return nil, validationErrorf("line %d: missing ':' separator", i+1)
		}
		if err := g.AddRouteString(strings.TrimSpace(src), strings.TrimSpace(dst)); err != nil {
			return nil, errors.Wrapf(err, "line %d", i+1)
		}
	}
	return g, nil
}

// FromMap builds a graph from a source-to-destination table, the shape the
// main configuration's [topology.routes] section decodes to. Sources are
// added in sorted order so validation errors are stable.
func FromMap(routes map[string]string) (*Graph, error) {
	srcs := make([]string, 0, len(routes))
	for src := range routes {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)

	g := NewGraph()
	for _, src := range srcs {
		if err := g.AddRouteString(src, routes[src]); err != nil {
			return nil, err
		}
	}
	return g, nil
}

type routesFile struct {
	Routes map[string]string `toml:"routes"`
}

// LoadFile reads a standalone topology file, a TOML document with one
// [routes] table mapping source node sets to destination node sets.
func LoadFile(path string) (*Graph, error) {
	var f routesFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, errors.Wrapf(err, "load topology %s", path)
	}
	if len(f.Routes) == 0 {
		return nil, validationErrorf("%s defines no routes", path)
	}
	return FromMap(f.Routes)
}
