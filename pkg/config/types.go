package config

import "strings"

// DefaultFixedPort is the first port offered for a new mapping.
const DefaultFixedPort = 55555

// UntitledName is the placeholder name of an instance that has not been
// identified yet. Rules are never persisted under it.
const UntitledName = "Untitled"

// PortMappingRule is the persisted intent for one model name.
// ModelNamePattern is an exact, case-sensitive match on the instance name.
type PortMappingRule struct {
	ModelNamePattern   string `json:"ModelNamePattern" yaml:"model"`
	FixedPort          int    `json:"FixedPort" yaml:"port"`
	AutoConnect        bool   `json:"AutoConnect" yaml:"autoConnect"`
	AllowNetworkAccess bool   `json:"AllowNetworkAccess" yaml:"networkAccess"`
}

// Matches reports whether the rule applies to an instance name.
func (r PortMappingRule) Matches(modelName string) bool {
	return r.ModelNamePattern == modelName
}

// Savable reports whether the rule may be written to a store.
func (r PortMappingRule) Savable() bool {
	return IsSavableName(r.ModelNamePattern) && r.FixedPort > 0
}

// IsSavableName rejects blank names and the untitled placeholder.
func IsSavableName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && !strings.EqualFold(name, UntitledName)
}

// ProxyConfiguration is the whole persisted application state.
// Keys stay PascalCase so existing config.json files keep loading.
type ProxyConfiguration struct {
	FixedPort            int               `json:"FixedPort"`
	AllowNetworkAccess   bool              `json:"AllowNetworkAccess"`
	LastSelectedInstance string            `json:"LastSelectedInstance,omitempty"`
	MinimizeToTray       bool              `json:"MinimizeToTray"`
	PortMappings         []PortMappingRule `json:"PortMappings"`
}

// DefaultConfiguration is what a fresh install starts with.
func DefaultConfiguration() ProxyConfiguration {
	return ProxyConfiguration{
		FixedPort:    DefaultFixedPort,
		PortMappings: []PortMappingRule{},
	}
}

// Clone returns a deep copy.
func (c ProxyConfiguration) Clone() ProxyConfiguration {
	out := c
	out.PortMappings = make([]PortMappingRule, len(c.PortMappings))
	copy(out.PortMappings, c.PortMappings)
	return out
}

// FindRule returns the first rule matching modelName.
func (c ProxyConfiguration) FindRule(modelName string) (PortMappingRule, bool) {
	return FindRule(c.PortMappings, modelName)
}

// FindRule returns the first rule in rules matching modelName.
func FindRule(rules []PortMappingRule, modelName string) (PortMappingRule, bool) {
	for _, r := range rules {
		if r.Matches(modelName) {
			return r, true
		}
	}
	return PortMappingRule{}, false
}

// UpsertRule replaces every rule for the same model with rule, keeping the
// position of the first one, or appends it.
func (c *ProxyConfiguration) UpsertRule(rule PortMappingRule) {
	out := make([]PortMappingRule, 0, len(c.PortMappings)+1)
	replaced := false
	for _, r := range c.PortMappings {
		if r.Matches(rule.ModelNamePattern) {
			if !replaced {
				out = append(out, rule)
				replaced = true
			}
			continue
		}
		out = append(out, r)
	}
	if !replaced {
		out = append(out, rule)
	}
	c.PortMappings = out
}

// RemoveRule drops every rule for modelName and reports whether any existed.
func (c *ProxyConfiguration) RemoveRule(modelName string) bool {
	out := c.PortMappings[:0:0]
	removed := false
	for _, r := range c.PortMappings {
		if r.Matches(modelName) {
			removed = true
			continue
		}
		out = append(out, r)
	}
	c.PortMappings = out
	return removed
}

// normalize fills defaults and drops rules that must not be persisted.
func (c *ProxyConfiguration) normalize() {
	if c.FixedPort == 0 {
		c.FixedPort = DefaultFixedPort
	}
	kept := make([]PortMappingRule, 0, len(c.PortMappings))
	for _, r := range c.PortMappings {
		if r.Savable() {
			kept = append(kept, r)
		}
	}
	c.PortMappings = kept
}
