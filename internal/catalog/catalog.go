// Package catalog maintains the YAML source catalogs that register generated
// archives. Files are edited through the YAML node tree so key order and
// formatting of untouched entries survive rewrites, keeping diffs readable
// across repeated runs.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Entry is one catalog source block.
type Entry struct {
	Driver      string `yaml:"driver"`
	Description string `yaml:"description"`
	Args        Args   `yaml:"args"`
}

// Args are the reader arguments of a catalog entry.
type Args struct {
	URLPath      string         `yaml:"urlpath"`
	Chunks       map[string]any `yaml:"chunks"`
	XarrayKwargs map[string]any `yaml:"xarray_kwargs"`
}

// NewNetCDFEntry builds the standard entry for a generated archive: a glob
// urlpath over the yearly files with time decoding enabled.
func NewNetCDFEntry(urlpath, description string) Entry {
	return Entry{
		Driver:      "netcdf",
		Description: description,
		Args: Args{
			URLPath:      urlpath,
			Chunks:       map[string]any{},
			XarrayKwargs: map[string]any{"decode_times": true},
		},
	}
}

// Upsert inserts or replaces sources[name] in the catalog file. A missing
// file is created with a sources skeleton. When the entry already exists and
// overwrite is false the file is left untouched, byte for byte.
func Upsert(path, name string, entry Entry, overwrite bool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	root, err := loadOrInit(path)
	if err != nil {
		return err
	}
	doc := root.Content[0]
	sources := mappingValue(doc, "sources")
	if sources == nil {
		sources = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "sources"},
			sources)
	}

	existing := mappingValue(sources, name)
	if existing != nil && !overwrite {
		logger.Info("catalog entry already exists, skipping",
			"file", path, "entry", name)
		return nil
	}

	entryNode := &yaml.Node{}
	if err := entryNode.Encode(entry); err != nil {
		return fmt.Errorf("catalog: encoding entry %s: %w", name, err)
	}
	if existing != nil {
		*existing = *entryNode
		logger.Info("catalog entry replaced", "file", path, "entry", name)
	} else {
		sources.Content = append(sources.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
			entryNode)
		logger.Info("catalog entry added", "file", path, "entry", name)
	}

	out, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("catalog: serializing %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("catalog: creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("catalog: writing %s: %w", path, err)
	}
	return nil
}

// Has reports whether sources[name] exists in the catalog file. A missing
// file has no entries.
func Has(path, name string) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: reading %s: %w", path, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return false, fmt.Errorf("catalog: parsing %s: %w", path, err)
	}
	if len(root.Content) == 0 {
		return false, nil
	}
	sources := mappingValue(root.Content[0], "sources")
	return sources != nil && mappingValue(sources, name) != nil, nil
}

func loadOrInit(path string) (*yaml.Node, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return skeleton(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", path, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("catalog: parsing %s: %w", path, err)
	}
	if len(root.Content) == 0 {
		return skeleton(), nil
	}
	if root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("catalog: %s: top level is not a mapping", path)
	}
	return &root, nil
}

func skeleton() *yaml.Node {
	return &yaml.Node{
		Kind: yaml.DocumentNode,
		Content: []*yaml.Node{{
			Kind: yaml.MappingNode,
			Tag:  "!!map",
		}},
	}
}

// mappingValue returns the value node for a key of a mapping node, or nil.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
