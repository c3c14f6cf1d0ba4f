package reconcile

import (
	"context"
	"errors"

	"github.com/xlttj/pbiproxy/pkg/logging"
	"github.com/xlttj/pbiproxy/pkg/proxy"
)

// Starter starts a proxy. Implemented by *proxy.Manager.
type Starter interface {
	Start(ctx context.Context, fixedPort, targetPort int, allowNetworkAccess bool, label string) error
}

// AutoConnector starts proxies for rows marked auto-connect.
type AutoConnector struct {
	starter Starter
}

func NewAutoConnector(starter Starter) *AutoConnector {
	return &AutoConnector{starter: starter}
}

// AutoConnectResult lists what one run did.
type AutoConnectResult struct {
	Started []int
	Failed  map[int]error
}

// Run issues one start per eligible row: live, Ready, auto-connect and with
// a fixed port. Failures are logged and reported; the row stays Ready so the
// next pass tries again.
func (a *AutoConnector) Run(ctx context.Context, rows []Row) AutoConnectResult {
	res := AutoConnectResult{Failed: make(map[int]error)}
	for _, r := range rows {
		if !r.AutoConnect || !r.Startable() {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}
		err := a.starter.Start(ctx, r.FixedPort, r.TargetPort, r.AllowNetworkAccess, r.Label())
		switch {
		case err == nil:
			logging.LogInfo("Auto-connected %q on port %d", r.ModelName, r.FixedPort)
			res.Started = append(res.Started, r.FixedPort)
		case errors.Is(err, proxy.ErrAlreadyRunning):
			logging.LogDebug("Auto-connect: port %d already running", r.FixedPort)
		default:
			logging.LogWarn("Auto-connect of %q on port %d failed: %v", r.ModelName, r.FixedPort, err)
			res.Failed[r.FixedPort] = err
		}
	}
	return res
}
