package main

import (
	"encoding/json"
	"fmt"

	"portalview.ai/internal/protocol"
	"portalview.ai/internal/sim/encoding"
)

const maxCellBlocks = 16 * 16 * 16

// viewState mirrors what the server told this client: the primary zone,
// the portal zones currently open and the cells loaded in each. apply
// rejects any message that breaks the framing rules.
type viewState struct {
	AgentID   string
	SessionID string
	Primary   string
	Pos       [3]float64

	open  map[string]uint64
	cells map[string]map[[3]int]int

	inTx      bool
	lastSeq   uint64
	Frames    int
	Relays    int
	Transfers int
}

func newViewState() *viewState {
	return &viewState{
		open:  map[string]uint64{},
		cells: map[string]map[[3]int]int{},
	}
}

func (v *viewState) OpenZones() map[string]uint64 { return v.open }

func (v *viewState) Cells(zoneID string) int { return len(v.cells[zoneID]) }

func (v *viewState) apply(raw []byte) error {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return err
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var m protocol.WelcomeMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		v.AgentID, v.SessionID = m.AgentID, m.SessionID
		v.Primary, v.Pos = m.Zone.ZoneID, m.Pos

	case protocol.TypeZoneTransfer:
		var m protocol.ZoneTransferMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		// The old primary zone forgets its tracking without unloads.
		delete(v.cells, v.Primary)
		v.Primary, v.Pos = m.Zone.ZoneID, m.Pos
		v.Transfers++

	case protocol.TypeTransactionStart:
		var m protocol.TransactionStartMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if v.inTx {
			return fmt.Errorf("nested transaction %d", m.Seq)
		}
		if v.Frames > 0 && m.Seq <= v.lastSeq {
			return fmt.Errorf("transaction seq %d after %d", m.Seq, v.lastSeq)
		}
		v.inTx, v.lastSeq = true, m.Seq

	case protocol.TypeTransactionEnd:
		var m protocol.TransactionEndMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if !v.inTx || m.Seq != v.lastSeq {
			return fmt.Errorf("unmatched transaction end %d", m.Seq)
		}
		v.inTx = false
		v.Frames++

	case protocol.TypeZoneOpen:
		var m protocol.ZoneOpenMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if !v.inTx {
			return fmt.Errorf("zone open %s outside a transaction", m.ZoneID)
		}
		if _, ok := v.open[m.ZoneID]; ok {
			return fmt.Errorf("zone %s opened twice", m.ZoneID)
		}
		v.open[m.ZoneID] = m.Epoch
		v.cells[m.ZoneID] = map[[3]int]int{}

	case protocol.TypeZoneClose:
		var m protocol.ZoneCloseMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		epoch, ok := v.open[m.ZoneID]
		if !ok || epoch != m.Epoch {
			return fmt.Errorf("close of zone %s epoch %d not open", m.ZoneID, m.Epoch)
		}
		delete(v.open, m.ZoneID)
		delete(v.cells, m.ZoneID)

	case protocol.TypeRelay:
		var m protocol.RelayMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		epoch, ok := v.open[m.ZoneID]
		if !ok || epoch != m.Epoch {
			return fmt.Errorf("relay for zone %s epoch %d not open", m.ZoneID, m.Epoch)
		}
		payload, err := m.Payload()
		if err != nil {
			return err
		}
		v.Relays++
		return v.applyCell(payload, m.ZoneID)

	case protocol.TypeChunkLoad, protocol.TypeChunkUnload:
		return v.applyCell(raw, v.Primary)

	case protocol.TypeError:
		var m protocol.ErrorMsg
		_ = json.Unmarshal(raw, &m)
		return fmt.Errorf("server error %s: %s", m.Code, m.Message)
	}
	return nil
}

func (v *viewState) applyCell(raw []byte, zoneID string) error {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return err
	}
	switch base.Type {
	case protocol.TypeChunkLoad:
		var m protocol.ChunkLoadMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if m.ZoneID != zoneID {
			return fmt.Errorf("cell of zone %s delivered as %s", m.ZoneID, zoneID)
		}
		blocks, err := encoding.DecodeCell(m.Data, maxCellBlocks)
		if err != nil {
			return fmt.Errorf("cell %v: %w", m.Cell, err)
		}
		if v.cells[zoneID] == nil {
			v.cells[zoneID] = map[[3]int]int{}
		}
		v.cells[zoneID][m.Cell] = len(blocks)

	case protocol.TypeChunkUnload:
		var m protocol.ChunkUnloadMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if m.ZoneID != zoneID {
			return fmt.Errorf("unload of zone %s delivered as %s", m.ZoneID, zoneID)
		}
		delete(v.cells[zoneID], m.Cell)
	}
	return nil
}
