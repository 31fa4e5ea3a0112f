// Package definition loads workflow definition files and validates them
// against the grammar before any binding happens.
//
// Parsing goes through the yaml.v3 node API rather than plain unmarshalling:
// plain unmarshalling silently keeps the last of two duplicate keys, and
// duplicate detection is part of the grammar.
package definition

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"womflow/internal/womerror"
)

// Document is a parsed and grammar-checked workflow definition.
type Document struct {
	Rules []*RuleBlock
}

// RuleBlock is one `rule <name>:` entry of the definition.
type RuleBlock struct {
	Name         string
	Tool         string
	InputFiles   map[string]string // logical name -> path
	InputTables  map[string]string // logical name -> model identifier
	OutputFiles  map[string]string
	OutputTables map[string]string
	Params       map[string]string // name -> scalar value
}

// Load reads and parses a definition file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, womerror.Newf(womerror.FileNotFound, "definition file %s doesn't exist", path)
		}
		return nil, womerror.Wrap(womerror.FileNotFound, err, "failed to read definition file "+path)
	}
	return Parse(data)
}

// Parse parses definition bytes and validates the grammar. It never consults
// the filesystem.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, womerror.Wrap(womerror.GrammarViolation, err, "the YAML specification is not respected")
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		// empty document: a workflow with no rules
		return &Document{}, nil
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, womerror.New(womerror.GrammarViolation, "the definition must be a mapping of rule blocks")
	}
	if err := checkDuplicateRules(top); err != nil {
		return nil, err
	}
	if err := checkDuplicateKeys(top); err != nil {
		return nil, err
	}
	return buildDocument(top)
}

// Find returns the rule block with the given name, or nil.
func (d *Document) Find(name string) *RuleBlock {
	for _, r := range d.Rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Marshal serializes the document back to YAML. Keys come out sorted, so the
// output is deterministic and reparses to an equal document.
func (d *Document) Marshal() ([]byte, error) {
	top := &yaml.Node{Kind: yaml.MappingNode}
	rules := make([]*RuleBlock, len(d.Rules))
	copy(rules, d.Rules)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })

	for _, r := range rules {
		body := &yaml.Node{Kind: yaml.MappingNode}
		appendKV(body, keyTool, scalar(r.Tool))
		if io := ioNode(r.InputFiles, r.InputTables); io != nil {
			appendKV(body, keyInput, io)
		}
		if io := ioNode(r.OutputFiles, r.OutputTables); io != nil {
			appendKV(body, keyOutput, io)
		}
		if len(r.Params) > 0 {
			appendKV(body, keyParams, mapNode(r.Params))
		}
		appendKV(top, "rule "+r.Name, body)
	}
	return yaml.Marshal(top)
}

func ioNode(files, tables map[string]string) *yaml.Node {
	if len(files) == 0 && len(tables) == 0 {
		return nil
	}
	n := &yaml.Node{Kind: yaml.MappingNode}
	if len(files) > 0 {
		appendKV(n, keyFiles, mapNode(files))
	}
	if len(tables) > 0 {
		appendKV(n, keyTables, mapNode(tables))
	}
	return n
}

func mapNode(m map[string]string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		appendKV(n, k, scalar(m[k]))
	}
	return n
}

func appendKV(m *yaml.Node, key string, value *yaml.Node) {
	m.Content = append(m.Content, scalar(key), value)
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
}
