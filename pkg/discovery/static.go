package discovery

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticDetector returns a fixed, replaceable set of instances. It backs
// the --instances flag and tests.
type StaticDetector struct {
	mutex     sync.RWMutex
	instances []Instance
	valid     bool
	err       error
}

// NewStaticDetector returns a detector reporting instances.
func NewStaticDetector(instances ...Instance) *StaticDetector {
	d := &StaticDetector{valid: true}
	d.Set(instances...)
	return d
}

// Set replaces the reported instances.
func (d *StaticDetector) Set(instances ...Instance) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.instances = append([]Instance(nil), instances...)
}

// SetValid controls IsSourcePathValid.
func (d *StaticDetector) SetValid(valid bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.valid = valid
}

// SetError makes Detect fail with err until cleared with nil.
func (d *StaticDetector) SetError(err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.err = err
}

func (d *StaticDetector) IsSourcePathValid() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.valid
}

func (d *StaticDetector) Detect(ctx context.Context) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]Instance(nil), d.instances...), nil
}

// instanceFileEntry is one entry of an instances file.
type instanceFileEntry struct {
	Name         string    `yaml:"name"`
	Port         int       `yaml:"port"`
	ProcessID    int       `yaml:"pid"`
	Path         string    `yaml:"path"`
	DatabaseName string    `yaml:"database"`
	Modified     time.Time `yaml:"modified"`
}

// FileDetector reads instances from a YAML (or JSON) file on every pass,
// which lets the proxy front engines that are not found by scanning.
type FileDetector struct {
	Path string
}

func (d *FileDetector) IsSourcePathValid() bool {
	_, err := os.Stat(d.Path)
	return err == nil
}

func (d *FileDetector) Detect(ctx context.Context) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read instances file: %w", err)
	}

	var doc struct {
		Instances []instanceFileEntry `yaml:"instances"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse instances file %s: %w", d.Path, err)
	}

	out := make([]Instance, 0, len(doc.Instances))
	for i, e := range doc.Instances {
		if e.Port < 1 || e.Port > 65535 {
			return nil, fmt.Errorf("instance %d (%s): invalid port %d", i, e.Name, e.Port)
		}
		name := e.Name
		if name == "" {
			name = fallbackName(fmt.Sprintf("%d", e.Port))
		}
		path := e.Path
		if path == "" {
			path = fmt.Sprintf("%s#%d", d.Path, e.Port)
		}
		out = append(out, Instance{
			ProcessID:    e.ProcessID,
			ModelName:    name,
			FilePath:     path,
			TargetPort:   e.Port,
			DatabaseName: e.DatabaseName,
			LastModified: e.Modified,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastModified.After(out[j].LastModified) })
	return out, nil
}
