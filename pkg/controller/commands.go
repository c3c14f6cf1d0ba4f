package controller

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/xlttj/pbiproxy/pkg/config"
	"github.com/xlttj/pbiproxy/pkg/proxy"
	"github.com/xlttj/pbiproxy/pkg/reconcile"
)

// StartProxy starts a forwarder directly, outside any row.
func (c *Controller) StartProxy(ctx context.Context, fixedPort, targetPort int, allowNetworkAccess bool, label string) error {
	if err := config.ValidatePort(targetPort); err != nil {
		return fmt.Errorf("target port: %w", err)
	}
	return c.manager.Start(ctx, fixedPort, targetPort, allowNetworkAccess, label)
}

// StopProxy stops the forwarder on fixedPort. Unknown ports are ignored.
func (c *Controller) StopProxy(fixedPort int) {
	c.manager.Stop(fixedPort)
}

// StopAll stops every forwarder.
func (c *Controller) StopAll() {
	c.manager.StopAll()
}

// SetRule saves the rule for modelName and applies it to the matching row.
func (c *Controller) SetRule(modelName string, fixedPort int, autoConnect, allowNetworkAccess bool) error {
	modelName = strings.TrimSpace(modelName)
	if !config.IsSavableName(modelName) {
		return fmt.Errorf("%w: %q", ErrUnsavableName, modelName)
	}
	if err := config.ValidatePort(fixedPort); err != nil {
		return err
	}
	rule := config.PortMappingRule{
		ModelNamePattern:   modelName,
		FixedPort:          fixedPort,
		AutoConnect:        autoConnect,
		AllowNetworkAccess: allowNetworkAccess,
	}

	c.cfgMutex.Lock()
	candidate := c.cfg.Clone()
	c.cfgMutex.Unlock()
	candidate.UpsertRule(rule)
	if err := config.ValidateRules(candidate.PortMappings); err != nil {
		return err
	}
	if _, err := c.engine.ApplyRule(rule); err != nil {
		return err
	}
	if err := c.commitRule(rule); err != nil {
		return err
	}
	c.bus.Publish(proxy.RowsChanged())
	return nil
}

// DeleteRule removes the saved rule for modelName. It is refused while a
// proxy of that name is running.
func (c *Controller) DeleteRule(modelName string) error {
	if row, ok := c.engine.FindByName(modelName); ok && row.Status == reconcile.Running {
		return fmt.Errorf("%w: %q on port %d", ErrRuleInUse, modelName, row.FixedPort)
	}

	c.cfgMutex.Lock()
	removed := c.cfg.RemoveRule(modelName)
	c.cfgMutex.Unlock()
	if !removed {
		return nil
	}
	c.engine.ForgetRule(modelName)
	c.log.Infof("Deleted rule for %q", modelName)
	if err := c.save(); err != nil {
		return err
	}
	c.bus.Publish(proxy.RowsChanged())
	return nil
}

// commitRule writes rule into the configuration and saves it. Unsavable
// rules are skipped silently.
func (c *Controller) commitRule(rule config.PortMappingRule) error {
	if !rule.Savable() {
		c.log.Debugf("Not saving rule for %q (port %d)", rule.ModelNamePattern, rule.FixedPort)
		return nil
	}
	c.cfgMutex.Lock()
	c.cfg.UpsertRule(rule)
	c.cfgMutex.Unlock()
	return c.save()
}

func ruleOf(r reconcile.Row) config.PortMappingRule {
	return config.PortMappingRule{
		ModelNamePattern:   r.ModelName,
		FixedPort:          r.FixedPort,
		AutoConnect:        r.AutoConnect,
		AllowNetworkAccess: r.AllowNetworkAccess,
	}
}

func (c *Controller) row(id string) (reconcile.Row, error) {
	r, ok := c.engine.Row(id)
	if !ok {
		return reconcile.Row{}, fmt.Errorf("%w: %s", reconcile.ErrRowNotFound, id)
	}
	return r, nil
}

// StartRow starts the proxy of a live row and saves its rule.
func (c *Controller) StartRow(ctx context.Context, id string) error {
	r, err := c.row(id)
	if err != nil {
		return err
	}
	if !r.Live {
		return fmt.Errorf("%w: %q", ErrInstanceOffline, r.ModelName)
	}
	if r.FixedPort == 0 {
		return fmt.Errorf("%w: %q", ErrNoFixedPort, r.ModelName)
	}
	if err := c.manager.Start(ctx, r.FixedPort, r.TargetPort, r.AllowNetworkAccess, r.Label()); err != nil {
		return err
	}
	c.engine.SyncPort(r.FixedPort)
	if err := c.commitRule(ruleOf(r)); err != nil {
		return err
	}
	c.bus.Publish(proxy.RowsChanged())
	return nil
}

// StopRow stops the proxy of a row, if any.
func (c *Controller) StopRow(id string) error {
	r, err := c.row(id)
	if err != nil {
		return err
	}
	if r.FixedPort > 0 {
		c.manager.Stop(r.FixedPort)
	}
	return nil
}

// EditPort sets the fixed port of a row and saves it. Port 0 clears the
// port and deletes the saved rule.
func (c *Controller) EditPort(id string, port int) (reconcile.Row, error) {
	r, err := c.engine.SetFixedPort(id, port)
	if err != nil {
		return r, err
	}
	if port == 0 {
		c.cfgMutex.Lock()
		removed := c.cfg.RemoveRule(r.ModelName)
		c.cfgMutex.Unlock()
		if removed {
			if !r.Live {
				c.engine.ForgetRule(r.ModelName)
			}
			err = c.save()
		}
	} else {
		err = c.commitRule(ruleOf(r))
	}
	c.bus.Publish(proxy.RowsChanged())
	return r, err
}

// ToggleAutoConnect flips auto-connect on a row and saves it.
func (c *Controller) ToggleAutoConnect(id string) (reconcile.Row, error) {
	r, err := c.row(id)
	if err != nil {
		return r, err
	}
	if r, err = c.engine.SetAutoConnect(id, !r.AutoConnect); err != nil {
		return r, err
	}
	err = c.commitRule(ruleOf(r))
	c.bus.Publish(proxy.RowsChanged())
	return r, err
}

// ToggleNetworkAccess flips network access on a stopped row and saves it.
func (c *Controller) ToggleNetworkAccess(id string) (reconcile.Row, error) {
	r, err := c.row(id)
	if err != nil {
		return r, err
	}
	if r, err = c.engine.SetNetworkAccess(id, !r.AllowNetworkAccess); err != nil {
		return r, err
	}
	err = c.commitRule(ruleOf(r))
	c.bus.Publish(proxy.RowsChanged())
	return r, err
}

// RemoveRow deletes the rule behind a row. Offline rows disappear; live
// rows stay with their settings cleared.
func (c *Controller) RemoveRow(id string) error {
	r, err := c.row(id)
	if err != nil {
		return err
	}
	if r.Status == reconcile.Running {
		return fmt.Errorf("%w: %q on port %d", ErrRuleInUse, r.ModelName, r.FixedPort)
	}
	if err := c.DeleteRule(r.ModelName); err != nil {
		return err
	}
	if r.Live {
		if _, err := c.engine.SetFixedPort(id, 0); err != nil {
			return err
		}
		if _, err := c.engine.SetAutoConnect(id, false); err != nil {
			return err
		}
		if _, err := c.engine.SetNetworkAccess(id, false); err != nil {
			return err
		}
	}
	c.bus.Publish(proxy.RowsChanged())
	return nil
}

// SuggestPort offers the first port from the configured base that no other
// row holds and that can be bound. exceptID is the row being edited.
func (c *Controller) SuggestPort(exceptID string) int {
	held := make(map[int]bool)
	for _, r := range c.engine.Rows() {
		if r.ID() != exceptID && r.FixedPort > 0 {
			held[r.FixedPort] = true
		}
	}
	base := c.Config().FixedPort
	return config.SuggestPort(base, func(port int) bool {
		return held[port] || !proxy.IsPortAvailable(port)
	})
}

// ConnectionString is the address clients use for a row: localhost, or
// the LAN address when network access is enabled.
func (c *Controller) ConnectionString(id string) (string, error) {
	r, err := c.row(id)
	if err != nil {
		return "", err
	}
	if r.FixedPort == 0 {
		return "", fmt.Errorf("%w: %q", ErrNoFixedPort, r.ModelName)
	}
	host := "localhost"
	if r.AllowNetworkAccess {
		if ip := lanAddress(); ip != "" {
			host = ip
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(r.FixedPort)), nil
}

// lanAddress returns the IPv4 address of the outbound interface. No packet
// is sent; connecting a UDP socket only selects the route.
func lanAddress() string {
	if conn, err := net.Dial("udp4", "8.8.8.8:65530"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsLoopback() {
			return addr.IP.String()
		}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return ""
}
