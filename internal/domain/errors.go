package domain

import (
	"context"
	"errors"
)

var (
	ErrInvalidCoordinate   = errors.New("invalid coordinate")
	ErrUnreachable         = errors.New("destination unreachable")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrItemNotFound        = errors.New("item not found")
	ErrItemLocationMissing = errors.New("item location missing")
	ErrPickConflict        = errors.New("pick conflict")
	ErrDropConflict        = errors.New("drop conflict")
	ErrOrchestratorBusy    = errors.New("orchestrator busy")
	ErrEmptyOrder          = errors.New("empty order")
	ErrNoAgentsAvailable   = errors.New("no agents available")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidCoordinate, "InvalidCoordinate"},
	{ErrUnreachable, "Unreachable"},
	{ErrAgentNotFound, "AgentNotFound"},
	{ErrItemNotFound, "ItemNotFound"},
	{ErrItemLocationMissing, "ItemLocationMissing"},
	{ErrPickConflict, "PickConflict"},
	{ErrDropConflict, "DropConflict"},
	{ErrOrchestratorBusy, "OrchestratorBusy"},
	{ErrEmptyOrder, "EmptyOrder"},
	{ErrNoAgentsAvailable, "NoAgentsAvailable"},
	{context.DeadlineExceeded, "ReadyTimeout"},
	{context.Canceled, "Canceled"},
}

// ErrorCode names the taxonomy entry err wraps, or "Internal".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "Internal"
}

func Result(err error, okMessage string) ActionResult {
	if err != nil {
		return ActionResult{Success: false, Message: err.Error(), Code: ErrorCode(err)}
	}
	return ActionResult{Success: true, Message: okMessage}
}
