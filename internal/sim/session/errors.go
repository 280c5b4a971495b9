package session

import (
	"errors"
	"fmt"

	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/transaction"
)

var (
	ErrUnsupported     = errors.New("unsupported operation")
	ErrUnknownView     = errors.New("unknown view")
	ErrUnknownZone     = errors.New("unknown zone")
	ErrDestroyed       = errors.New("session destroyed")
	ErrConsistency     = errors.New("consistency violation")
	ErrTransactionOpen = transaction.ErrTransactionOpen
	ErrNoTransaction   = transaction.ErrNoTransaction
)

// ConsistencyViolation means zone state changed without this session being
// told. The tick that detects it is aborted.
type ConsistencyViolation struct {
	Session string
	Zone    model.ZoneID
	Agent   model.AgentID
	Reason  string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation in session %s: zone=%s agent=%s: %s", e.Session, e.Zone, e.Agent, e.Reason)
}

func (e *ConsistencyViolation) Unwrap() error { return ErrConsistency }
