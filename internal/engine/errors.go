package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the scheduler and its collaborators.
var (
	ErrChainDepthExceeded = errors.New("event chain depth exceeded")
	ErrEventCapReached    = errors.New("active event cap reached")
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrUnknownTrader      = errors.New("unknown trader")
	ErrTraderInactive     = errors.New("trader is not active")
	ErrNotPlayer          = errors.New("trader is not a player")
	ErrBadToken           = errors.New("player token does not match")
	ErrDecisionTimeout    = errors.New("decision exceeded its compute budget")
	ErrDecisionPanic      = errors.New("decision panicked")
)

// DecisionError isolates a failed decide() call to one trader.
type DecisionError struct {
	TraderID string
	Tick     uint64
	Err      error
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("trader %s decide at tick %d: %v", e.TraderID, e.Tick, e.Err)
}

func (e *DecisionError) Unwrap() error { return e.Err }
