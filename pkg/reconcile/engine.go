package reconcile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xlttj/pbiproxy/pkg/config"
	"github.com/xlttj/pbiproxy/pkg/discovery"
	"github.com/xlttj/pbiproxy/pkg/logging"
)

var (
	ErrRowNotFound = errors.New("row not found")
	// ErrRowRunning is returned for edits that are not allowed while the
	// row's proxy is running.
	ErrRowRunning = errors.New("row is running")
)

// ProxyController is the part of the proxy manager the engine needs.
type ProxyController interface {
	IsRunning(port int) bool
	ActiveConnections(port int) int
	TargetPort(port int) (int, bool)
	Stop(port int)
}

// Conflict records a rule that could not be applied to a row.
type Conflict struct {
	ModelName string
	Port      int
	HeldBy    string // ID of the row already holding the port
}

// Result summarizes one reconciliation pass.
type Result struct {
	Rows         []Row
	Created      int
	Merged       int
	Demoted      int
	Removed      int
	Synthesized  int
	StoppedPorts []int
	Conflicts    []Conflict
}

// Changed reports whether the pass altered the row set or stopped proxies.
func (r Result) Changed() bool {
	return r.Created+r.Merged+r.Demoted+r.Removed+r.Synthesized > 0 || len(r.StoppedPorts) > 0
}

// Engine owns the row set. Every method holds the engine lock for its full
// duration, so passes and single-row edits never interleave.
type Engine struct {
	mutex   sync.Mutex
	proxies ProxyController
	rows    []*Row
	log     *logrus.Entry
}

func NewEngine(proxies ProxyController) *Engine {
	return &Engine{
		proxies: proxies,
		log:     logging.Subsystem("reconcile"),
	}
}

// Reconcile merges the detected instances with the saved rules.
func (e *Engine) Reconcile(detected []discovery.Instance, rules []config.PortMappingRule) Result {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var res Result
	matched := make(map[*Row]bool, len(detected))
	var blocked [][2]*Row // new blank row, row holding its rule's port

	for _, inst := range detected {
		r := e.findLive(inst, matched)
		if r == nil {
			r = e.findOffline(inst.ModelName, matched)
		}
		if r == nil {
			r = &Row{ModelName: inst.ModelName}
			if holder := e.seed(r, rules); holder != nil {
				blocked = append(blocked, [2]*Row{r, holder})
			}
			e.rows = append(e.rows, r)
			res.Created++
		}
		matched[r] = true

		res.Merged += e.absorbOffline(r, inst.ModelName, matched)
		e.attach(r, inst, &res)
		e.derive(r)
	}

	e.sweep(matched, rules, &res)
	res.Merged += e.foldDemoted(matched)
	e.synthesize(rules, &res)

	// A holder that left this pass handed its port over in foldDemoted.
	for _, b := range blocked {
		r, holder := b[0], b[1]
		if matched[holder] {
			res.Conflicts = append(res.Conflicts, Conflict{ModelName: r.ModelName, Port: holder.FixedPort, HeldBy: holder.ID()})
			e.log.Warnf("Another instance of %q already uses port %d; leaving the new instance without a port", r.ModelName, holder.FixedPort)
		}
	}

	res.Rows = e.snapshot()
	if res.Changed() {
		e.log.Debugf("Pass: %d rows, created=%d merged=%d demoted=%d removed=%d synthesized=%d stopped=%v",
			len(res.Rows), res.Created, res.Merged, res.Demoted, res.Removed, res.Synthesized, res.StoppedPorts)
	}
	return res
}

// findLive returns the unmatched live row for the same process. Instances
// without a process id are matched by workspace path.
func (e *Engine) findLive(inst discovery.Instance, matched map[*Row]bool) *Row {
	for _, r := range e.rows {
		if !r.Live || matched[r] {
			continue
		}
		if inst.ProcessID != 0 && r.ProcessID == inst.ProcessID {
			return r
		}
	}
	if inst.FilePath == "" {
		return nil
	}
	for _, r := range e.rows {
		if !r.Live || matched[r] {
			continue
		}
		if r.FilePath == inst.FilePath && (r.ProcessID == 0 || inst.ProcessID == 0) {
			return r
		}
	}
	return nil
}

func (e *Engine) findOffline(name string, matched map[*Row]bool) *Row {
	for _, r := range e.rows {
		if !r.Live && !matched[r] && r.ModelName == name {
			return r
		}
	}
	return nil
}

// seed copies the first matching rule onto a new row. When another row of
// the same name already holds a fixed port the row stays blank and the
// holder is returned.
func (e *Engine) seed(r *Row, rules []config.PortMappingRule) *Row {
	rule, ok := config.FindRule(rules, r.ModelName)
	if !ok {
		return nil
	}
	for _, other := range e.rows {
		if other.ModelName == r.ModelName && other.FixedPort > 0 {
			return other
		}
	}
	r.FixedPort = rule.FixedPort
	r.AutoConnect = rule.AutoConnect
	r.AllowNetworkAccess = rule.AllowNetworkAccess
	return nil
}

// absorbOffline folds other offline rows of the same name into live, which
// keeps at most one row per name.
func (e *Engine) absorbOffline(live *Row, name string, matched map[*Row]bool) int {
	merged := 0
	kept := e.rows[:0]
	for _, o := range e.rows {
		if o != live && !o.Live && !matched[o] && o.ModelName == name {
			if o.FixedPort > 0 {
				live.FixedPort = o.FixedPort
			}
			live.AutoConnect = o.AutoConnect
			live.AllowNetworkAccess = o.AllowNetworkAccess
			merged++
			continue
		}
		kept = append(kept, o)
	}
	e.rows = kept
	return merged
}

// attach copies the live fields of inst onto r. A proxy still pointing at a
// previous target port of the row is stopped so it can be restarted.
func (e *Engine) attach(r *Row, inst discovery.Instance, res *Result) {
	if r.Live && r.FixedPort > 0 && r.TargetPort != 0 && r.TargetPort != inst.TargetPort {
		if target, ok := e.proxies.TargetPort(r.FixedPort); ok && target != inst.TargetPort {
			e.log.Infof("Target of %q moved from %d to %d, stopping port %d", r.ModelName, target, inst.TargetPort, r.FixedPort)
			e.proxies.Stop(r.FixedPort)
			res.StoppedPorts = append(res.StoppedPorts, r.FixedPort)
		}
	}
	r.Live = true
	r.ProcessID = inst.ProcessID
	r.ModelName = inst.ModelName
	r.FilePath = inst.FilePath
	r.DatabaseName = inst.DatabaseName
	r.TargetPort = inst.TargetPort
	r.LastModified = inst.LastModified
}

// derive sets Status and ActiveConnections from the row and the manager.
func (e *Engine) derive(r *Row) {
	r.AwaitingPort = false
	r.ActiveConnections = 0
	switch {
	case !r.Live:
		r.Status = Offline
	case r.FixedPort == 0:
		r.Status = Ready
		r.AwaitingPort = true
	case e.proxies.IsRunning(r.FixedPort):
		r.Status = Running
		r.ActiveConnections = e.proxies.ActiveConnections(r.FixedPort)
	default:
		r.Status = Ready
	}
}

// sweep demotes or removes every row that no instance matched this pass.
func (e *Engine) sweep(matched map[*Row]bool, rules []config.PortMappingRule, res *Result) {
	offlineNames := make(map[string]bool)
	kept := make([]*Row, 0, len(e.rows))

	for _, r := range e.rows {
		if matched[r] {
			kept = append(kept, r)
			continue
		}

		if r.Live && r.FixedPort > 0 && e.proxies.IsRunning(r.FixedPort) {
			e.log.Infof("Instance %q is gone, stopping orphaned proxy on port %d", r.ModelName, r.FixedPort)
			e.proxies.Stop(r.FixedPort)
			res.StoppedPorts = append(res.StoppedPorts, r.FixedPort)
		}

		rule, hasRule := config.FindRule(rules, r.ModelName)
		if !hasRule || offlineNames[r.ModelName] {
			if r.Live {
				e.log.Debugf("Removing row %s (%q)", r.ID(), r.ModelName)
			}
			res.Removed++
			continue
		}

		if r.Live {
			res.Demoted++
		}
		r.Live = false
		r.ProcessID = 0
		r.TargetPort = 0
		r.DatabaseName = ""
		r.FixedPort = rule.FixedPort
		r.AutoConnect = rule.AutoConnect
		r.AllowNetworkAccess = rule.AllowNetworkAccess
		e.derive(r)
		offlineNames[r.ModelName] = true
		kept = append(kept, r)
	}
	e.rows = kept
}

// foldDemoted removes offline rows whose name is still live after the
// sweep. Their rule settings go to the first live row of that name without
// a fixed port, so a model reopened under a new process keeps its port in
// the same pass.
func (e *Engine) foldDemoted(matched map[*Row]bool) int {
	merged := 0
	kept := make([]*Row, 0, len(e.rows))
	for _, o := range e.rows {
		if o.Live {
			kept = append(kept, o)
			continue
		}
		var live, blank *Row
		for _, r := range e.rows {
			if !matched[r] || r.ModelName != o.ModelName {
				continue
			}
			if live == nil {
				live = r
			}
			if blank == nil && r.FixedPort == 0 {
				blank = r
			}
		}
		if live == nil {
			kept = append(kept, o)
			continue
		}
		if blank != nil {
			blank.FixedPort = o.FixedPort
			blank.AutoConnect = o.AutoConnect
			blank.AllowNetworkAccess = o.AllowNetworkAccess
			e.derive(blank)
		}
		merged++
	}
	e.rows = kept
	return merged
}

// synthesize adds an offline row for every rule no row represents.
func (e *Engine) synthesize(rules []config.PortMappingRule, res *Result) {
	present := make(map[string]bool, len(e.rows))
	for _, r := range e.rows {
		present[r.ModelName] = true
	}
	for _, rule := range rules {
		if present[rule.ModelNamePattern] {
			continue
		}
		present[rule.ModelNamePattern] = true
		e.rows = append(e.rows, &Row{
			ModelName:          rule.ModelNamePattern,
			FixedPort:          rule.FixedPort,
			AutoConnect:        rule.AutoConnect,
			AllowNetworkAccess: rule.AllowNetworkAccess,
			Status:             Offline,
		})
		res.Synthesized++
	}
}

func (e *Engine) snapshot() []Row {
	out := make([]Row, len(e.rows))
	for i, r := range e.rows {
		out[i] = *r
	}
	return out
}

// Rows returns a copy of the current row set in display order.
func (e *Engine) Rows() []Row {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.snapshot()
}

func (e *Engine) find(id string) *Row {
	for _, r := range e.rows {
		if r.ID() == id {
			return r
		}
	}
	return nil
}

// Row returns the row with the given ID.
func (e *Engine) Row(id string) (Row, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if r := e.find(id); r != nil {
		return *r, true
	}
	return Row{}, false
}

// FindByName returns the first row for a model name, preferring live rows.
func (e *Engine) FindByName(name string) (Row, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	var fallback *Row
	for _, r := range e.rows {
		if r.ModelName != name {
			continue
		}
		if r.Live {
			return *r, true
		}
		if fallback == nil {
			fallback = r
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Row{}, false
}

// portHolder returns a row other than self that owns port.
func (e *Engine) portHolder(port int, self *Row) *Row {
	for _, r := range e.rows {
		if r != self && r.FixedPort == port {
			return r
		}
	}
	return nil
}

// SetFixedPort assigns a fixed port to a row. Port 0 clears it.
func (e *Engine) SetFixedPort(id string, port int) (Row, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	r := e.find(id)
	if r == nil {
		return Row{}, fmt.Errorf("%w: %s", ErrRowNotFound, id)
	}
	if port != 0 {
		if err := config.ValidatePort(port); err != nil {
			return *r, err
		}
	}
	if r.Status == Running && port != r.FixedPort {
		return *r, fmt.Errorf("%w: stop port %d before changing it", ErrRowRunning, r.FixedPort)
	}
	if port != 0 {
		if holder := e.portHolder(port, r); holder != nil {
			return *r, &config.ConflictError{Port: port, Model: r.ModelName, HeldBy: holder.ModelName}
		}
	}
	r.FixedPort = port
	e.derive(r)
	return *r, nil
}

// SetAutoConnect toggles auto-connect on a row.
func (e *Engine) SetAutoConnect(id string, enabled bool) (Row, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	r := e.find(id)
	if r == nil {
		return Row{}, fmt.Errorf("%w: %s", ErrRowNotFound, id)
	}
	r.AutoConnect = enabled
	return *r, nil
}

// SetNetworkAccess changes the bind scope of a row. Not allowed while
// running since the listener would have to be rebound.
func (e *Engine) SetNetworkAccess(id string, allowed bool) (Row, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	r := e.find(id)
	if r == nil {
		return Row{}, fmt.Errorf("%w: %s", ErrRowNotFound, id)
	}
	if r.Status == Running && r.AllowNetworkAccess != allowed {
		return *r, fmt.Errorf("%w: stop port %d before changing network access", ErrRowRunning, r.FixedPort)
	}
	r.AllowNetworkAccess = allowed
	return *r, nil
}

// ApplyRule writes a committed rule onto the row of that name, or adds an
// offline row when none exists. It fails when another row holds the port.
func (e *Engine) ApplyRule(rule config.PortMappingRule) (Row, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var target *Row
	for _, r := range e.rows {
		if r.ModelName != rule.ModelNamePattern {
			continue
		}
		if r.FixedPort == rule.FixedPort {
			target = r
			break
		}
		if target == nil || (target.FixedPort == 0 && r.FixedPort > 0) || (!target.Live && r.Live && r.FixedPort > 0) {
			target = r
		}
	}

	if holder := e.portHolder(rule.FixedPort, target); holder != nil && rule.FixedPort != 0 {
		return Row{}, &config.ConflictError{Port: rule.FixedPort, Model: rule.ModelNamePattern, HeldBy: holder.ModelName}
	}
	if target == nil {
		target = &Row{ModelName: rule.ModelNamePattern}
		e.rows = append(e.rows, target)
	}
	if target.Status == Running && (target.FixedPort != rule.FixedPort || target.AllowNetworkAccess != rule.AllowNetworkAccess) {
		return *target, fmt.Errorf("%w: stop port %d before changing its rule", ErrRowRunning, target.FixedPort)
	}
	target.FixedPort = rule.FixedPort
	target.AutoConnect = rule.AutoConnect
	target.AllowNetworkAccess = rule.AllowNetworkAccess
	e.derive(target)
	return *target, nil
}

// ForgetRule drops offline rows for name after its rule was deleted. Live
// rows stay until their instance goes away.
func (e *Engine) ForgetRule(name string) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	removed := 0
	kept := e.rows[:0]
	for _, r := range e.rows {
		if !r.Live && r.ModelName == name {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	e.rows = kept
	return removed
}

// SyncPort re-derives the rows on port after a proxy event and reports
// whether any of them changed.
func (e *Engine) SyncPort(port int) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	changed := false
	for _, r := range e.rows {
		if r.FixedPort != port {
			continue
		}
		before := *r
		e.derive(r)
		if *r != before {
			changed = true
		}
	}
	return changed
}

// SyncAll re-derives every row.
func (e *Engine) SyncAll() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for _, r := range e.rows {
		e.derive(r)
	}
}
