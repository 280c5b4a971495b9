// Package transaction frames each tick's cross-zone updates so the client can
// apply them as one atomic step.
package transaction

import (
	"errors"

	"portalview.ai/internal/protocol"
	"portalview.ai/internal/sim/model"
)

var (
	ErrTransactionOpen = errors.New("transaction already open")
	ErrNoTransaction   = errors.New("no open transaction")
)

// Conn is the primary client connection.
type Conn interface {
	// Send encodes and queues one message. []byte values are sent verbatim.
	Send(msg any) error
	// Flush writes out everything the primary agent's own zone has buffered.
	Flush() error
	// Pending is the number of primary payloads Flush would write.
	Pending() int
	Open() bool
}

type pendingOpen struct {
	zone       model.ZoneID
	kind       string
	addressing model.Addressing
	epoch      uint64
}

type pendingClose struct {
	zone  model.ZoneID
	epoch uint64
}

type pendingRelay struct {
	zone    model.ZoneID
	epoch   uint64
	payload []byte
}

// Stats counts what a channel has emitted.
type Stats struct {
	Transactions  uint64
	Opens         uint64
	Closes        uint64
	Relays        uint64
	DroppedRelays uint64
}

// Channel buffers zone announcements and relayed payloads and emits them
// in the order TRANSACTION_START, closes, opens, primary payloads, relays,
// TRANSACTION_END. Each zone incarnation carries an epoch; relays for an
// epoch that is not live once the frame's closes and opens are applied are dropped.
// A frame with nothing to deliver is not sent and does not use a seq.
type Channel struct {
	conn        Conn
	compressMin int

	open bool
	seq  uint64
	live map[model.ZoneID]uint64

	opens  []pendingOpen
	closes []pendingClose
	relays []pendingRelay

	stats Stats
}

func NewChannel(conn Conn, compressMin int) *Channel {
	return &Channel{conn: conn, compressMin: compressMin, live: map[model.ZoneID]uint64{}}
}

func (c *Channel) InTransaction() bool { return c.open }

func (c *Channel) Stats() Stats { return c.stats }

// Live reports the epoch the client currently knows zone by.
func (c *Channel) Live(zone model.ZoneID) (uint64, bool) {
	e, ok := c.live[zone]
	return e, ok
}

// Begin opens a frame.
func (c *Channel) Begin() error {
	if c.open {
		return ErrTransactionOpen
	}
	c.open = true
	return nil
}

func (c *Channel) AnnounceOpen(zone model.ZoneID, kind string, addr model.Addressing, epoch uint64) {
	c.opens = append(c.opens, pendingOpen{zone: zone, kind: kind, addressing: addr, epoch: epoch})
}

// AnnounceClose queues a ZONE_CLOSE. Closing an incarnation whose open has
// not been emitted yet cancels both, along with its pending relays.
func (c *Channel) AnnounceClose(zone model.ZoneID, epoch uint64) {
	for i, o := range c.opens {
		if o.zone != zone || o.epoch != epoch {
			continue
		}
		c.opens = append(c.opens[:i], c.opens[i+1:]...)
		kept := c.relays[:0]
		for _, r := range c.relays {
			if r.zone == zone && r.epoch == epoch {
				c.stats.DroppedRelays++
				continue
			}
			kept = append(kept, r)
		}
		c.relays = kept
		return
	}
	c.closes = append(c.closes, pendingClose{zone: zone, epoch: epoch})
}

// Relay queues one payload produced by a surrogate agent. Outside a frame,
// payloads for live zones go out immediately.
func (c *Channel) Relay(zone model.ZoneID, epoch uint64, payload []byte) {
	if !c.open {
		if live, ok := c.live[zone]; ok && live == epoch && !c.closing(zone, epoch) {
			c.sendRelay(zone, epoch, payload)
			return
		}
	}
	c.relays = append(c.relays, pendingRelay{zone: zone, epoch: epoch, payload: payload})
}

func (c *Channel) closing(zone model.ZoneID, epoch uint64) bool {
	for _, cl := range c.closes {
		if cl.zone == zone && cl.epoch == epoch {
			return true
		}
	}
	return false
}

// End emits the frame and clears the buffers.
func (c *Channel) End() error {
	if !c.open {
		return ErrNoTransaction
	}
	c.open = false
	if c.idle() {
		c.stats.DroppedRelays += uint64(len(c.relays))
		c.relays = nil
		return nil
	}
	c.seq++
	seq := c.seq

	closes, opens, relays := c.closes, c.opens, c.relays
	c.closes, c.opens, c.relays = nil, nil, nil

	for _, cl := range closes {
		if c.live[cl.zone] == cl.epoch {
			delete(c.live, cl.zone)
		}
	}
	for _, o := range opens {
		c.live[o.zone] = o.epoch
	}

	c.stats.Transactions++
	c.send(protocol.TransactionStartMsg{Type: protocol.TypeTransactionStart, ProtocolVersion: protocol.Version, Seq: seq})
	for _, cl := range closes {
		c.stats.Closes++
		c.send(protocol.ZoneCloseMsg{
			Type:            protocol.TypeZoneClose,
			ProtocolVersion: protocol.Version,
			ZoneID:          string(cl.zone),
			Epoch:           cl.epoch,
		})
	}
	for _, o := range opens {
		c.stats.Opens++
		c.send(protocol.ZoneOpenMsg{
			Type:            protocol.TypeZoneOpen,
			ProtocolVersion: protocol.Version,
			ZoneID:          string(o.zone),
			Kind:            o.kind,
			Addressing:      o.addressing.String(),
			Epoch:           o.epoch,
		})
	}
	if c.conn != nil && c.conn.Open() {
		_ = c.conn.Flush()
	}
	for _, r := range relays {
		if live, ok := c.live[r.zone]; !ok || live != r.epoch {
			c.stats.DroppedRelays++
			continue
		}
		c.sendRelay(r.zone, r.epoch, r.payload)
	}
	c.send(protocol.TransactionEndMsg{Type: protocol.TypeTransactionEnd, ProtocolVersion: protocol.Version, Seq: seq})
	return nil
}

// idle reports whether the buffered frame would reach the client as a bare
// START/END pair.
func (c *Channel) idle() bool {
	if len(c.closes) > 0 || len(c.opens) > 0 {
		return false
	}
	if c.conn != nil && c.conn.Open() && c.conn.Pending() > 0 {
		return false
	}
	for _, r := range c.relays {
		if live, ok := c.live[r.zone]; ok && live == r.epoch {
			return false
		}
	}
	return true
}

func (c *Channel) sendRelay(zone model.ZoneID, epoch uint64, payload []byte) {
	c.stats.Relays++
	c.send(protocol.NewRelay(string(zone), epoch, payload, c.compressMin))
}

func (c *Channel) send(msg any) {
	if c.conn == nil || !c.conn.Open() {
		return
	}
	_ = c.conn.Send(msg)
}
