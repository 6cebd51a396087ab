package hub

import (
	"errors"
	"fmt"
)

// Error kinds returned by the connection registry, dispatcher, claim workflow
// and placement planner. Offline hubs, timeouts and claim rejections are
// expected outcomes, so they are values the caller branches on, never panics.
var (
	// Availability errors: callers may retry later, the core never queues.
	ErrHubOffline = errors.New("hub offline")
	ErrNoCapacity = errors.New("no online hub with spare capacity")

	// Dispatch errors: distinguish "no answer in time" from "socket vanished"
	// so operators can tell a hung hub from one that dropped.
	ErrAckTimeout     = errors.New("acknowledgment timeout")
	ErrConnectionLost = errors.New("connection lost")

	// Authorization errors: never retried automatically.
	ErrUnknownHub     = errors.New("unknown hub")
	ErrBadClaimCode   = errors.New("invalid claim code")
	ErrHubNotClaimed  = errors.New("hub not claimed by any tenant")
	ErrClaimedBySelf  = errors.New("hub already claimed by this tenant")
	ErrClaimedByOther = errors.New("hub claimed by another tenant")
	ErrNotOwner       = errors.New("hub not owned by tenant")
	ErrFirmwareTooOld = errors.New("hub firmware below minimum supported version")
)

// CommandError carries the hub-reported failure text from an acknowledgment
// with success=false. Surfaced verbatim to the caller.
type CommandError struct {
	CommandID string
	Message   string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return "command failed"
	}
	return fmt.Sprintf("command failed: %s", e.Message)
}
