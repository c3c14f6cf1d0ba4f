package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/xlttj/pbiproxy/pkg/logging"
)

const (
	portFileRelPath = "Data/msmdsrv.port.txt"
	fallbackPrefix  = "Workspace-"
)

// ProcessInfo identifies the engine process serving a workspace.
type ProcessInfo struct {
	ProcessID       int
	ParentProcessID int
	FriendlyName    string // empty when the host application is unknown
}

// ProcessResolver maps a workspace directory to its engine process.
type ProcessResolver interface {
	Resolve(workspaceDir string) (ProcessInfo, bool)
}

// CatalogResolver looks up the database name served on a port.
type CatalogResolver interface {
	DatabaseName(ctx context.Context, port int) (string, error)
}

type noopResolver struct{}

func (noopResolver) Resolve(string) (ProcessInfo, bool) { return ProcessInfo{}, false }

// WorkspaceDetector scans the analysis services workspaces directory: every
// <root>/<workspace>/Data/msmdsrv.port.txt describes one running engine.
type WorkspaceDetector struct {
	Root      string
	Processes ProcessResolver
	Catalogs  CatalogResolver // optional
}

// DefaultWorkspacesRoot is where the desktop application keeps its engine
// workspaces.
func DefaultWorkspacesRoot() string {
	base := os.Getenv("LOCALAPPDATA")
	if base == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			base = dir
		}
	}
	return filepath.Join(base, "Microsoft", "Power BI Desktop", "AnalysisServicesWorkspaces")
}

// NewWorkspaceDetector scans root, or DefaultWorkspacesRoot when empty.
func NewWorkspaceDetector(root string) *WorkspaceDetector {
	if root == "" {
		root = DefaultWorkspacesRoot()
	}
	return &WorkspaceDetector{Root: root, Processes: defaultProcessResolver()}
}

func (d *WorkspaceDetector) IsSourcePathValid() bool {
	info, err := os.Stat(d.Root)
	return err == nil && info.IsDir()
}

// Detect returns the instances found, newest first. Workspaces that cannot
// be read are skipped; only a failure to list the root is an error.
func (d *WorkspaceDetector) Detect(ctx context.Context) ([]Instance, error) {
	if !d.IsSourcePathValid() {
		return nil, nil
	}
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, err
	}

	resolver := d.Processes
	if resolver == nil {
		resolver = noopResolver{}
	}

	var instances []Instance
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(d.Root, entry.Name())
		inst, ok := d.inspect(ctx, dir, resolver)
		if ok {
			instances = append(instances, inst)
		}
	}

	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].LastModified.After(instances[j].LastModified)
	})
	return instances, nil
}

func (d *WorkspaceDetector) inspect(ctx context.Context, dir string, resolver ProcessResolver) (Instance, bool) {
	portFile := filepath.Join(dir, filepath.FromSlash(portFileRelPath))
	if _, err := os.Stat(portFile); err != nil {
		return Instance{}, false
	}
	port, err := readPortFile(portFile)
	if err != nil {
		logging.LogDebug("Skipping workspace %s: %v", dir, err)
		return Instance{}, false
	}

	info, statErr := os.Stat(dir)
	if statErr != nil {
		logging.LogDebug("Skipping workspace %s: %v", dir, statErr)
		return Instance{}, false
	}

	inst := Instance{
		WorkspaceID:  filepath.Base(dir),
		FilePath:     dir,
		TargetPort:   port,
		LastModified: info.ModTime(),
	}
	if proc, ok := resolver.Resolve(dir); ok {
		inst.ProcessID = proc.ProcessID
		inst.ParentProcessID = proc.ParentProcessID
		inst.ModelName = proc.FriendlyName
	}
	if inst.ModelName == "" {
		inst.ModelName = fallbackName(inst.WorkspaceID)
	}
	if d.Catalogs != nil {
		if name, err := d.Catalogs.DatabaseName(ctx, port); err == nil {
			inst.DatabaseName = name
		} else {
			logging.LogDebug("Database name lookup on port %d failed: %v", port, err)
		}
	}
	return inst, true
}

// fallbackName shortens long workspace ids for display.
func fallbackName(workspaceID string) string {
	if len(workspaceID) > 20 {
		return fallbackPrefix + workspaceID[:8]
	}
	return fallbackPrefix + workspaceID
}
