package definition

import (
	"regexp"

	"gopkg.in/yaml.v3"

	"womflow/internal/womerror"
)

// Definition grammar:
//
//	document  = rule+
//	rule      = "rule" WS identifier ":" NL body
//	body      = [tool] [input] [output] [params]
//	iospec    = [files] [tables]
//	files     = logical name -> path string
//	tables    = logical name -> model identifier string
//	params    = name -> scalar
//
// Exactly one tool per rule. Duplicate keys at any level are rejected.
const (
	keyTool   = "tool"
	keyInput  = "input"
	keyOutput = "output"
	keyParams = "params"
	keyFiles  = "files"
	keyTables = "tables"
)

var ruleKeyPattern = regexp.MustCompile(`^rule\s+(\S+)$`)

// checkDuplicateRules rejects two top-level rule blocks with the same rule
// name. Runs before the generic duplicate-key check so that a repeated
// `rule x:` reports DuplicateRule, not DuplicateKey.
func checkDuplicateRules(top *yaml.Node) error {
	seen := make(map[string]bool)
	for i := 0; i < len(top.Content); i += 2 {
		key := top.Content[i].Value
		m := ruleKeyPattern.FindStringSubmatch(key)
		if m == nil {
			continue // reported as GrammarViolation later
		}
		if seen[m[1]] {
			return womerror.Newf(womerror.DuplicateRule, "the rule %s is duplicated", m[1])
		}
		seen[m[1]] = true
	}
	return nil
}

// checkDuplicateKeys walks every mapping in the tree and rejects repeated
// keys at the same level.
func checkDuplicateKeys(n *yaml.Node) error {
	if n.Kind == yaml.MappingNode {
		seen := make(map[string]bool)
		for i := 0; i < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if seen[key] {
				return womerror.Newf(womerror.DuplicateKey, "found duplicate key %q (line %d)", key, n.Content[i].Line)
			}
			seen[key] = true
		}
	}
	for _, c := range n.Content {
		if err := checkDuplicateKeys(c); err != nil {
			return err
		}
	}
	return nil
}

// buildDocument validates the grammar and materializes rule blocks.
func buildDocument(top *yaml.Node) (*Document, error) {
	doc := &Document{}
	for i := 0; i < len(top.Content); i += 2 {
		keyNode, valNode := top.Content[i], top.Content[i+1]
		m := ruleKeyPattern.FindStringSubmatch(keyNode.Value)
		if m == nil {
			return nil, womerror.Newf(womerror.GrammarViolation,
				"the line containing %q doesn't match the grammar: it should be 'rule <identifier>'", keyNode.Value)
		}
		rule, err := buildRule(m[1], valNode)
		if err != nil {
			return nil, err
		}
		doc.Rules = append(doc.Rules, rule)
	}
	return doc, nil
}

func buildRule(name string, body *yaml.Node) (*RuleBlock, error) {
	if body.Kind != yaml.MappingNode {
		return nil, grammarErr(name, "the rule body must be a mapping of 'tool', 'input', 'output', 'params'")
	}
	rule := &RuleBlock{
		Name:         name,
		InputFiles:   map[string]string{},
		InputTables:  map[string]string{},
		OutputFiles:  map[string]string{},
		OutputTables: map[string]string{},
		Params:       map[string]string{},
	}
	for i := 0; i < len(body.Content); i += 2 {
		key, val := body.Content[i], body.Content[i+1]
		switch key.Value {
		case keyTool:
			if !isString(val) {
				return nil, grammarErr(name, "'tool' must be a string identifier")
			}
			rule.Tool = val.Value
		case keyInput:
			if err := parseIOSpec(name, val, rule.InputFiles, rule.InputTables); err != nil {
				return nil, err
			}
		case keyOutput:
			if err := parseIOSpec(name, val, rule.OutputFiles, rule.OutputTables); err != nil {
				return nil, err
			}
		case keyParams:
			if val.Kind != yaml.MappingNode {
				return nil, grammarErr(name, "'params' must be a mapping of name to scalar")
			}
			for j := 0; j < len(val.Content); j += 2 {
				pk, pv := val.Content[j], val.Content[j+1]
				if pv.Kind != yaml.ScalarNode {
					return nil, grammarErr(name, "the param "+pk.Value+" must be a scalar")
				}
				rule.Params[pk.Value] = pv.Value
			}
		default:
			return nil, grammarErr(name,
				"the line containing '"+key.Value+"' doesn't match the grammar: it should be 'tool', 'input', 'output' or 'params'")
		}
	}
	if rule.Tool == "" {
		return nil, grammarErr(name, "the rule doesn't contain any tool")
	}
	return rule, nil
}

func parseIOSpec(rule string, spec *yaml.Node, files, tables map[string]string) error {
	if spec.Kind != yaml.MappingNode {
		return grammarErr(rule, "'input'/'output' must be a mapping with 'files' and/or 'tables'")
	}
	for i := 0; i < len(spec.Content); i += 2 {
		key, val := spec.Content[i], spec.Content[i+1]
		switch key.Value {
		case keyFiles:
			if err := parseStringMap(rule, val, files, "the string containing the path to the file"); err != nil {
				return err
			}
		case keyTables:
			if err := parseStringMap(rule, val, tables, "the string containing the name of the model"); err != nil {
				return err
			}
		default:
			return grammarErr(rule,
				"the line containing '"+key.Value+"' doesn't match the grammar: it should be 'files' or 'tables'")
		}
	}
	return nil
}

func parseStringMap(rule string, m *yaml.Node, out map[string]string, want string) error {
	if m.Kind != yaml.MappingNode {
		return grammarErr(rule, "'files'/'tables' must be a mapping of logical name to string")
	}
	for i := 0; i < len(m.Content); i += 2 {
		key, val := m.Content[i], m.Content[i+1]
		if !isString(val) {
			return grammarErr(rule, "the value of '"+key.Value+"' should be "+want)
		}
		out[key.Value] = val.Value
	}
	return nil
}

func isString(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!str"
}

func grammarErr(rule, msg string) error {
	e := womerror.New(womerror.GrammarViolation, msg)
	return e.WithContext("rule %s", rule)
}
