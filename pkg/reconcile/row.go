package reconcile

import (
	"fmt"
	"time"
)

// Status is the derived state of a Row.
type Status int

const (
	// Offline rows are backed only by a saved rule.
	Offline Status = iota
	// Ready rows have a live instance and no running proxy.
	Ready
	// Running rows have a live instance and a proxy on their fixed port.
	Running
)

func (s Status) String() string {
	switch s {
	case Offline:
		return "Offline"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Row is the reconciled view of one named instance.
type Row struct {
	Live         bool
	ProcessID    int
	ModelName    string
	FilePath     string
	DatabaseName string
	TargetPort   int // live rows only
	LastModified time.Time

	FixedPort          int
	AutoConnect        bool
	AllowNetworkAccess bool

	Status Status
	// AwaitingPort marks a Ready row that cannot start until it gets a
	// fixed port.
	AwaitingPort      bool
	ActiveConnections int
}

// ID identifies the row across passes: by process while live, by file path
// for live rows whose process is unknown, and by name while offline.
func (r Row) ID() string {
	switch {
	case r.Live && r.ProcessID != 0:
		return fmt.Sprintf("pid:%d", r.ProcessID)
	case r.Live:
		return "path:" + r.FilePath
	default:
		return "name:" + r.ModelName
	}
}

// Startable reports whether a proxy may be started for the row.
func (r Row) Startable() bool {
	return r.Live && r.Status == Ready && r.FixedPort > 0
}

// Label is a short human description used in logs and proxy labels.
func (r Row) Label() string {
	if r.DatabaseName != "" && r.DatabaseName != r.ModelName {
		return fmt.Sprintf("%s (%s)", r.ModelName, r.DatabaseName)
	}
	return r.ModelName
}
