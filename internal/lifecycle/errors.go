package lifecycle

import (
	"errors"

	"github.com/tabhouse/tabhouse/pkg/protocol"
)

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrTicketClosed      = errors.New("ticket is closed")
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrEmptyOrder        = errors.New("order has no items")
)

const (
	actionComplete = "complete"
	actionReopen   = "reopen"
	actionClose    = "close"
)

var transitionMap = map[string][]protocol.Stage{
	actionComplete: {protocol.StageActive},
	actionReopen:   {protocol.StageCompleted},
	actionClose:    {protocol.StageActive, protocol.StageCompleted},
}

// ValidTransition reports whether action may be applied to a ticket in
// stage from.
func ValidTransition(action string, from protocol.Stage) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, stage := range allowed {
		if stage == from {
			return true
		}
	}
	return false
}
