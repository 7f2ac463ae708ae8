package core

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrPipelineNotFound is returned when triggering an unknown pipeline.
var ErrPipelineNotFound = errors.New("pipeline not found")

// Catalog holds compiled graphs by pipeline name.
type Catalog struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

func NewCatalog() *Catalog {
	return &Catalog{graphs: make(map[string]*Graph)}
}

// Register adds or replaces a graph. Runs already started keep the graph
// they were triggered with.
func (c *Catalog) Register(g *Graph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graphs[g.Name] = g
}

// Add parses and compiles a definition, then registers it.
func (c *Catalog) Add(data []byte) (*Graph, error) {
	p, err := ParsePipeline(data)
	if err != nil {
		return nil, err
	}
	g, err := Compile(p)
	if err != nil {
		return nil, err
	}
	c.Register(g)
	return g, nil
}

func (c *Catalog) Get(name string) (*Graph, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[name]
	if !ok {
		return nil, errors.Wrap(ErrPipelineNotFound, name)
	}
	return g, nil
}

// List returns all graphs sorted by name.
func (c *Catalog) List() []*Graph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Graph, 0, len(c.graphs))
	for _, g := range c.graphs {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var definitionExts = map[string]bool{".yaml": true, ".yml": true, ".json": true, ".jsonc": true}

// LoadDir compiles every definition file in dir. Files that fail are
// logged and skipped; the first error is returned after all files were
// tried.
func (c *Catalog) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var first error
	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !definitionExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		path := filepath.Join(dir, e.Name())
		p, err := LoadPipeline(path)
		if err == nil {
			var g *Graph
			if g, err = Compile(p); err == nil {
				c.Register(g)
				loaded++
				logrus.WithField("pipeline", g.Name).Infof("loaded %s", path)
				continue
			}
		}
		logrus.WithError(err).Errorf("skip pipeline file %s", path)
		if first == nil {
			first = errors.Wrap(err, path)
		}
	}
	return loaded, first
}
