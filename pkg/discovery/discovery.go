package discovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/xlttj/pbiproxy/pkg/config"
	"github.com/xlttj/pbiproxy/pkg/logging"
)

// ErrSelectionCancelled is returned when the user quits the prompt.
var ErrSelectionCancelled = errors.New("user cancelled selection")

// Session wires the discover flow to its inputs and outputs.
type Session struct {
	Detector Detector
	Config   config.ProxyConfiguration
	// PortInUse reports ports that cannot be suggested, in addition to
	// those already held by rules.
	PortInUse func(port int) bool
	In        io.Reader
	Out       io.Writer
}

// Run discovers instances, lets the user pick, and either writes the new
// rules to opts.OutputFile or returns them for saving.
func (s *Session) Run(ctx context.Context, opts Options) ([]config.PortMappingRule, error) {
	logging.LogDebug("Running discovery with options: %+v", opts)

	// Step 1: Discover instances
	result, err := s.discover(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("instance discovery failed: %w", err)
	}
	if result.TotalCount == 0 {
		fmt.Fprintf(s.Out, "No running instances found in %s\n", result.Source)
		return nil, nil
	}
	fmt.Fprintf(s.Out, "Found %d instance(s)\n\n", result.TotalCount)

	// Step 2: Select instances
	if err := s.selectInstances(result, opts); err != nil {
		return nil, fmt.Errorf("instance selection failed: %w", err)
	}
	if result.SelectedCount == 0 {
		fmt.Fprintf(s.Out, "No instances selected.\n")
		return nil, nil
	}

	// Step 3: Output rules
	rules := result.GenerateRules()
	if opts.OutputFile != "" {
		if err := writeRulesFile(opts.OutputFile, rules); err != nil {
			return nil, err
		}
		fmt.Fprintf(s.Out, "Exported %d rule(s) to %s\n", len(rules), opts.OutputFile)
		return nil, nil
	}
	return rules, nil
}

func (s *Session) discover(ctx context.Context, opts Options) (*DiscoveryResult, error) {
	result := &DiscoveryResult{Source: fmt.Sprintf("%T", s.Detector)}
	if wd, ok := s.Detector.(*WorkspaceDetector); ok {
		result.Source = wd.Root
	}
	if !s.Detector.IsSourcePathValid() {
		return result, nil
	}
	instances, err := s.Detector.Detect(ctx)
	if err != nil {
		return nil, err
	}

	taken := make(map[int]bool)
	for _, r := range s.Config.PortMappings {
		taken[r.FixedPort] = true
	}
	inUse := func(port int) bool {
		return taken[port] || (s.PortInUse != nil && s.PortInUse(port))
	}
	base := opts.BasePort
	if base == 0 {
		base = s.Config.FixedPort
	}

	for _, inst := range instances {
		d := DiscoveredInstance{Instance: inst}
		if rule, ok := s.Config.FindRule(inst.ModelName); ok {
			d.HasRule = true
			d.SuggestedPort = rule.FixedPort
		} else if config.IsSavableName(inst.ModelName) {
			d.SuggestedPort = config.SuggestPort(base, inUse)
			taken[d.SuggestedPort] = true
		}
		result.Instances = append(result.Instances, d)
	}
	result.TotalCount = len(result.Instances)
	return result, nil
}

// selectInstances handles the interactive selection process. Instances
// that already have a rule, or that cannot be saved, are never offered.
func (s *Session) selectInstances(result *DiscoveryResult, opts Options) error {
	var reader *bufio.Reader
	if !opts.AcceptAll {
		reader = bufio.NewReader(s.In)
		fmt.Fprintf(s.Out, "Select instances to map (Enter/y = yes, n = no, a = all remaining, q = quit)\n\n")
	}

	for i := 0; i < len(result.Instances); i++ {
		d := &result.Instances[i]
		if d.HasRule || d.SuggestedPort == 0 {
			if opts.Verbose {
				fmt.Fprintf(s.Out, "Skipping %s\n", describe(d))
			}
			continue
		}
		if opts.AcceptAll {
			d.Selected = true
			result.SelectedCount++
			continue
		}

		fmt.Fprintf(s.Out, "%s\n", describe(d))
		fmt.Fprintf(s.Out, "Map to port %d? [Y/n/a/q]: ", d.SuggestedPort)

		response, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || response == "") {
			return fmt.Errorf("failed to read user input: %w", err)
		}
		switch strings.TrimSpace(strings.ToLower(response)) {
		case "", "y", "yes":
			d.Selected = true
			result.SelectedCount++
		case "n", "no":
		case "a", "all":
			for j := i; j < len(result.Instances); j++ {
				rest := &result.Instances[j]
				if rest.HasRule || rest.SuggestedPort == 0 {
					continue
				}
				rest.Selected = true
				result.SelectedCount++
			}
			i = len(result.Instances)
		case "q", "quit":
			return ErrSelectionCancelled
		default:
			fmt.Fprintf(s.Out, "Please answer y, n, a or q.\n")
			i--
		}
	}

	if opts.Verbose {
		fmt.Fprintf(s.Out, "Selected %d of %d instance(s)\n", result.SelectedCount, result.TotalCount)
	}
	return nil
}

func describe(d *DiscoveredInstance) string {
	inst := d.Instance
	age := "unknown"
	if !inst.LastModified.IsZero() {
		age = humanize.Time(inst.LastModified)
	}
	line := fmt.Sprintf("%s  target=%d  modified=%s", inst.ModelName, inst.TargetPort, age)
	if inst.ProcessID != 0 {
		line += fmt.Sprintf("  pid=%d", inst.ProcessID)
	}
	if d.HasRule {
		line += fmt.Sprintf("  (already mapped to %d)", d.SuggestedPort)
	}
	return line
}

// writeRulesFile writes rules as YAML, creating directories if needed
func writeRulesFile(filename string, rules []config.PortMappingRule) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o700); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", filename, err)
	}
	defer f.Close()
	return config.ExportRules(f, rules)
}
