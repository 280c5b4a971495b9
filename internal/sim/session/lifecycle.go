package session

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/zoneview"
)

// OnZoneUnload tears down the surrogate observing zid and drops its views.
// The zone hosting the primary agent is left alone.
func (c *Coordinator) OnZoneUnload(zid model.ZoneID) {
	if c.destroyed {
		return
	}
	m := c.managers[zid]
	if m == nil {
		return
	}
	if !m.Surrogate() {
		c.log.WithField("zone", zid).Warn("unload of the primary zone ignored")
		return
	}
	n := c.registry.InvalidateZone(zid)
	c.tearDown(m)
	c.needsUpdate = true
	c.log.WithFields(logrus.Fields{"zone": zid, "views": n}).Info("zone unloaded")
}

// OnPrimaryRelocated handles the primary agent being recreated in zid
// (respawn). Every surrogate is closed in a transaction that completes
// before it returns, then the view registry is reset. Callers announce the
// new zone to the client only after this returns.
func (c *Coordinator) OnPrimaryRelocated(zid model.ZoneID) error {
	if c.destroyed {
		return ErrDestroyed
	}
	z, ok := c.dir.Zone(zid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownZone, zid)
	}
	if err := c.BeginTransaction(); err != nil {
		return err
	}
	for _, m := range c.surrogates() {
		c.tearDown(m)
	}
	if err := c.tx.End(); err != nil {
		return err
	}
	c.registry.Clear()
	c.managers = map[model.ZoneID]*zoneview.Manager{zid: zoneview.NewPrimary(z, c.primary, c.nextEpoch())}
	c.hasKey = false
	c.needsUpdate = true
	c.log.WithField("zone", zid).Info("primary relocated")
	return nil
}

// BeforeTransfer must be called before the primary agent changes zone. It
// closes every surrogate zone in a transaction that completes before it
// returns, so the client has dropped them before it sees the transfer.
func (c *Coordinator) BeforeTransfer(dest model.ZoneID) error {
	if c.destroyed {
		return ErrDestroyed
	}
	z, ok := c.dir.Zone(dest)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownZone, dest)
	}
	if err := c.BeginTransaction(); err != nil {
		return err
	}
	for _, m := range c.surrogates() {
		c.tearDown(m)
	}
	if err := c.tx.End(); err != nil {
		return err
	}

	if len(c.managers) != 1 {
		return c.violation(dest, fmt.Sprintf("expected one manager before transfer, found %d", len(c.managers)))
	}
	var old *zoneview.Manager
	for _, m := range c.managers {
		old = m
	}
	if old.Surrogate() {
		return c.violation(old.ZoneID(), "remaining manager before transfer is a surrogate")
	}
	old.Zone().Untrack(c.primary)

	c.registry.Clear()
	c.managers = map[model.ZoneID]*zoneview.Manager{dest: zoneview.NewPrimary(z, c.primary, c.nextEpoch())}
	c.hasKey = false
	c.needsUpdate = true
	c.log.WithFields(logrus.Fields{"from": old.ZoneID(), "to": dest}).Info("primary transfer")
	return nil
}

// Destroy releases every surrogate agent. While the connection is still open
// the surrogate zones are closed in a final transaction.
func (c *Coordinator) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	surrogates := c.surrogates()
	if c.conn.Open() && !c.tx.InTransaction() && len(surrogates) > 0 {
		c.flushBuffered()
		if err := c.tx.Begin(); err == nil {
			for _, m := range surrogates {
				m.TearDown(c.tx)
			}
			_ = c.tx.End()
		}
	}
	for _, m := range surrogates {
		m.Release()
	}
	c.managers = map[model.ZoneID]*zoneview.Manager{}
	c.registry.Clear()
	c.log.Debug("session destroyed")
}
