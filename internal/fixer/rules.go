package fixer

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule describes how one target variable is obtained and adjusted. Exactly one
// of Source or Derived determines where the values come from.
type Rule struct {
	Source     string         `yaml:"source"`
	Derived    string         `yaml:"derived"`
	Grib       bool           `yaml:"grib"`
	Units      string         `yaml:"units"`
	SrcUnits   string         `yaml:"src_units"`
	Decumulate bool           `yaml:"decumulate"`
	KeepFirst  *bool          `yaml:"keep_first"`
	Attributes map[string]any `yaml:"attributes"`
}

// keepFirst defaults to true when the rule does not set it.
func (r Rule) keepFirst() bool {
	if r.KeepFirst == nil {
		return true
	}
	return *r.KeepFirst
}

// RuleTable maps target variable names to rules, preserving the order the
// rules appear in the YAML document so fixing stays deterministic.
type RuleTable struct {
	names []string
	rules map[string]Rule
}

// UnmarshalYAML decodes a YAML mapping keeping key order.
func (t *RuleTable) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("fixer: vars must be a mapping, got %s", node.Tag)
	}
	t.rules = map[string]Rule{}
	t.names = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name string
		if err := node.Content[i].Decode(&name); err != nil {
			return fmt.Errorf("fixer: decoding var name: %w", err)
		}
		var r Rule
		if err := node.Content[i+1].Decode(&r); err != nil {
			return fmt.Errorf("fixer: decoding rule for %s: %w", name, err)
		}
		t.names = append(t.names, name)
		t.rules[name] = r
	}
	return nil
}

// Names returns target variable names in document order.
func (t *RuleTable) Names() []string {
	if t == nil {
		return nil
	}
	return t.names
}

// Get returns the rule for a target variable.
func (t *RuleTable) Get(name string) (Rule, bool) {
	if t == nil {
		return Rule{}, false
	}
	r, ok := t.rules[name]
	return r, ok
}

// Len returns the number of rules.
func (t *RuleTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}

// narrow returns the table restricted to the requested target names. An empty
// intersection falls back to the full table, mirroring the permissive
// behavior downstream tooling has come to depend on.
func (t *RuleTable) narrow(requested []string) *RuleTable {
	if t == nil || len(requested) == 0 {
		return t
	}
	want := make(map[string]bool, len(requested))
	for _, v := range requested {
		want[v] = true
	}
	out := &RuleTable{rules: map[string]Rule{}}
	for _, name := range t.names {
		if want[name] {
			out.names = append(out.names, name)
			out.rules[name] = t.rules[name]
		}
	}
	if len(out.names) == 0 {
		return t
	}
	return out
}

// merge overlays other's rules on top of t, keeping t's order for shared
// names and appending other's new names in their own order.
func (t *RuleTable) merge(other *RuleTable) *RuleTable {
	if t == nil {
		return other
	}
	if other == nil {
		return t
	}
	out := &RuleTable{rules: map[string]Rule{}}
	for _, name := range t.names {
		out.names = append(out.names, name)
		out.rules[name] = t.rules[name]
	}
	for _, name := range other.names {
		if _, ok := out.rules[name]; !ok {
			out.names = append(out.names, name)
		}
		out.rules[name] = other.rules[name]
	}
	return out
}

// RuleSet is the complete rule block applied to one (model, experiment,
// source) combination.
type RuleSet struct {
	Method    string     `yaml:"method"`
	DeltaT    float64    `yaml:"deltat"`
	Jump      string     `yaml:"jump"`
	DataModel string     `yaml:"data_model"`
	Delete    []string   `yaml:"delete"`
	Vars      *RuleTable `yaml:"vars"`
}

// Defaults carries the file-level settings shared by every rule set.
type Defaults struct {
	SrcDataModel string `yaml:"src_datamodel"`
	Units        struct {
		Fix       map[string]string `yaml:"fix"`
		ShortName map[string]string `yaml:"shortname"`
	} `yaml:"units"`
}

// File is one fix-rule document: defaults plus the
// models -> experiment -> source hierarchy.
type File struct {
	Defaults Defaults                                  `yaml:"defaults"`
	Models   map[string]map[string]map[string]*RuleSet `yaml:"models"`
}

// LoadFile parses a fix-rule YAML file. A missing or unparseable file is a
// configuration error and is fatal.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixer: reading rules %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("fixer: parsing rules %s: %w", path, err)
	}
	return &f, nil
}

// LookupResult is the outcome of a hierarchical rule lookup. Absence of rules
// is a valid state distinct from an empty rule set.
type LookupResult struct {
	Found bool
	Rules *RuleSet
}

// Lookup resolves the rule set for a model/experiment/source combination.
// Experiment and source each fall back to "default" entries, and a
// source-specific rule set may declare a method (replace, merge, default)
// governing how it combines with the model defaults.
func (f *File) Lookup(model, exp, source string, logger *slog.Logger) LookupResult {
	if logger == nil {
		logger = slog.Default()
	}
	fixModel, ok := f.Models[model]
	if !ok {
		logger.Warn("no fixes available for model", "model", model)
		return LookupResult{}
	}

	defaults := lookupLevel(fixModel["default"], source)
	specific := lookupLevel(fixModel[exp], source)

	if specific == nil {
		if defaults == nil {
			logger.Warn("no fixes found",
				"model", model, "exp", exp, "source", source)
			return LookupResult{}
		}
		logger.Info("using default model fixes",
			"model", model, "exp", exp, "source", source)
		return LookupResult{Found: true, Rules: defaults}
	}

	method := specific.Method
	if method == "" {
		method = "replace"
	}
	logger.Info("fix combination method", "source", source, "method", method)

	switch method {
	case "merge":
		return LookupResult{Found: true, Rules: mergeRuleSets(defaults, specific)}
	case "default":
		if defaults == nil {
			logger.Warn("method is default but no default fixes exist",
				"model", model, "exp", exp)
			return LookupResult{}
		}
		return LookupResult{Found: true, Rules: defaults}
	default:
		return LookupResult{Found: true, Rules: specific}
	}
}

func lookupLevel(byExp map[string]*RuleSet, source string) *RuleSet {
	if byExp == nil {
		return nil
	}
	if rs, ok := byExp[source]; ok && rs != nil {
		return rs
	}
	return byExp["default"]
}

// mergeRuleSets overlays the source-specific rule set on the defaults:
// variables merge per-name, every other field is taken from the specific set
// when it is set there.
func mergeRuleSets(defaults, specific *RuleSet) *RuleSet {
	if defaults == nil {
		return specific
	}
	out := *defaults
	out.Method = specific.Method
	if specific.DeltaT != 0 {
		out.DeltaT = specific.DeltaT
	}
	if specific.Jump != "" {
		out.Jump = specific.Jump
	}
	if specific.DataModel != "" {
		out.DataModel = specific.DataModel
	}
	if specific.Delete != nil {
		out.Delete = specific.Delete
	}
	out.Vars = defaults.Vars.merge(specific.Vars)
	return &out
}
