package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// rulesDocument is the on-disk shape of an exported rule set.
type rulesDocument struct {
	PortMappings []PortMappingRule `yaml:"portMappings"`
}

// ExportRules writes the rules as YAML.
func ExportRules(w io.Writer, rules []PortMappingRule) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rulesDocument{PortMappings: rules}); err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}
	return enc.Close()
}

// ImportRules parses a YAML rule set. The rules are validated but unsavable
// entries are returned unchanged; callers decide whether to skip them.
func ImportRules(r io.Reader) ([]PortMappingRule, error) {
	var doc rulesDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := ValidateRules(doc.PortMappings); err != nil {
		return nil, err
	}
	return doc.PortMappings, nil
}

// MergeRules applies imported rules on top of cfg. Imported rules replace
// existing rules with the same model name. The result is validated before
// cfg is modified.
func MergeRules(cfg *ProxyConfiguration, imported []PortMappingRule) (int, error) {
	next := cfg.Clone()
	applied := 0
	for _, r := range imported {
		if !r.Savable() {
			continue
		}
		next.UpsertRule(r)
		applied++
	}
	if err := ValidateRules(next.PortMappings); err != nil {
		return 0, err
	}
	*cfg = next
	return applied, nil
}
