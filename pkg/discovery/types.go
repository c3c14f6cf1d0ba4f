package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/xlttj/pbiproxy/pkg/config"
)

// Instance is one running analytical engine found by a Detector. It is a
// read-only value; each detection pass returns fresh copies.
type Instance struct {
	ProcessID       int    // 0 when the owning process could not be resolved
	ParentProcessID int
	ModelName       string // friendly name, used to match rules
	FilePath        string // workspace directory, stable identity when ProcessID is 0
	WorkspaceID     string
	TargetPort      int
	DatabaseName    string
	LastModified    time.Time
}

func (i Instance) String() string {
	return fmt.Sprintf("%s (Port: %d)", i.ModelName, i.TargetPort)
}

// Detector enumerates running instances.
type Detector interface {
	// Detect returns the instances currently running, newest first.
	Detect(ctx context.Context) ([]Instance, error)
	// IsSourcePathValid reports whether the location scanned by Detect
	// exists at all.
	IsSourcePathValid() bool
}

// Options holds the configuration for the discover command
type Options struct {
	OutputFile string // Output file path (empty = save into the config store)
	AcceptAll  bool   // Accept all instances without prompting
	Verbose    bool   // Enable verbose output
	BasePort   int    // First fixed port offered for new rules
}

// DiscoveredInstance is an instance that was found and potentially selected
type DiscoveredInstance struct {
	Instance      Instance
	Selected      bool
	SuggestedPort int
	HasRule       bool
}

// DiscoveryResult holds the results of the discovery process
type DiscoveryResult struct {
	Instances     []DiscoveredInstance
	SelectedCount int
	TotalCount    int
	Source        string
}

// GenerateRules turns the selected instances into port mapping rules.
// Unsavable names, such as untitled models, are skipped.
func (dr *DiscoveryResult) GenerateRules() []config.PortMappingRule {
	var rules []config.PortMappingRule
	for _, d := range dr.Instances {
		if !d.Selected || d.SuggestedPort == 0 {
			continue
		}
		if !config.IsSavableName(d.Instance.ModelName) {
			continue
		}
		rules = append(rules, config.PortMappingRule{
			ModelNamePattern: d.Instance.ModelName,
			FixedPort:        d.SuggestedPort,
		})
	}
	return rules
}
