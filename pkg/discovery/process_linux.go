//go:build linux

package discovery

import (
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/xlttj/pbiproxy/pkg/logging"
)

const engineProcessName = "msmdsrv"

// procResolver finds the engine whose command line mentions the workspace
// directory, and names it after the model file its parent has open.
type procResolver struct {
	fs procfs.FS
}

func defaultProcessResolver() ProcessResolver {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		logging.LogDebug("procfs unavailable, process ids will not be resolved: %v", err)
		return noopResolver{}
	}
	return &procResolver{fs: fs}
}

func (r *procResolver) Resolve(workspaceDir string) (ProcessInfo, bool) {
	procs, err := r.fs.AllProcs()
	if err != nil {
		logging.LogDebug("Listing processes failed: %v", err)
		return ProcessInfo{}, false
	}
	want := strings.ToLower(filepath.Clean(workspaceDir))

	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil || !strings.HasPrefix(strings.ToLower(comm), engineProcessName) {
			continue
		}
		args, err := p.CmdLine()
		if err != nil || !strings.Contains(strings.ToLower(strings.Join(args, " ")), want) {
			continue
		}

		info := ProcessInfo{ProcessID: p.PID}
		if stat, err := p.Stat(); err == nil {
			info.ParentProcessID = stat.PPID
			info.FriendlyName = r.modelFileName(stat.PPID)
		}
		return info, true
	}
	return ProcessInfo{}, false
}

// modelFileName returns the base name of the first .pbix argument of pid.
func (r *procResolver) modelFileName(pid int) string {
	parent, err := r.fs.Proc(pid)
	if err != nil {
		return ""
	}
	args, err := parent.CmdLine()
	if err != nil {
		return ""
	}
	return modelNameFromArgs(args)
}

func modelNameFromArgs(args []string) string {
	for _, arg := range args {
		arg = strings.Trim(arg, `"`)
		if strings.EqualFold(filepath.Ext(arg), ".pbix") {
			base := filepath.Base(strings.ReplaceAll(arg, `\`, "/"))
			return strings.TrimSuffix(base, filepath.Ext(base))
		}
	}
	return ""
}
