package hub

import (
	"context"
	"time"
)

// DefaultAckTimeout bounds how long an ack-awaited send blocks when the
// caller does not supply its own timeout.
const DefaultAckTimeout = 30 * time.Second

// Result reports the outcome of a dispatched command. For fire-and-forget
// sends only CommandID is meaningful; for ack-awaited sends Success, Error
// and Data mirror the hub's acknowledgment.
type Result struct {
	CommandID string                 `json:"command_id"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Dispatcher turns logical operations into command envelopes on a hub's live
// connection. The same primitive serves both delivery modes: a light toggle
// must not block its HTTP caller, while "configure this printer" has to
// report real success or failure, so callers choose per send.
type Dispatcher struct {
	registry   *Registry
	ackTimeout time.Duration
}

// NewDispatcher creates a Dispatcher. A zero ackTimeout means DefaultAckTimeout.
func NewDispatcher(registry *Registry, ackTimeout time.Duration) *Dispatcher {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Dispatcher{registry: registry, ackTimeout: ackTimeout}
}

// Send writes the envelope to the hub's connection. It fails immediately with
// ErrHubOffline when the hub has no live connection; commands are never
// queued for later delivery.
//
// With waitForAck false the call returns as soon as the envelope is written;
// a delivery failure after that point is not observable to the caller.
//
// With waitForAck true the call blocks until exactly one of three outcomes:
// the hub's acknowledgment arrives (Result carries its success/error/data,
// and a reported failure also returns a *CommandError), the timeout elapses
// (ErrAckTimeout), or the connection drops mid-wait (ErrConnectionLost).
// A timed-out waiter is deregistered so a very late acknowledgment cannot
// resolve a stale call site.
func (d *Dispatcher) Send(ctx context.Context, hubID string, env *Envelope, waitForAck bool, timeout time.Duration) (*Result, error) {
	r := d.registry

	r.mu.RLock()
	hc, ok := r.conns[hubID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrHubOffline
	}

	if !waitForAck {
		if err := hc.write(env); err != nil {
			r.log.Warn("Fire-and-forget write failed", "hub_id", hubID,
				"command_id", env.CommandID, "type", env.Type, "error", err)
			return nil, ErrConnectionLost
		}
		r.log.Debug("Command dispatched", "hub_id", hubID, "command_id", env.CommandID, "type", env.Type)
		return &Result{CommandID: env.CommandID, Success: true}, nil
	}

	if timeout <= 0 {
		timeout = d.ackTimeout
	}

	waiter, err := hc.registerWaiter(env.CommandID)
	if err != nil {
		return nil, ErrHubOffline
	}

	if err := hc.write(env); err != nil {
		hc.removeWaiter(env.CommandID)
		return nil, ErrConnectionLost
	}
	r.log.Debug("Command dispatched, awaiting ack", "hub_id", hubID,
		"command_id", env.CommandID, "type", env.Type, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-waiter:
		return d.finish(env, outcome)
	case <-timer.C:
		if !hc.removeWaiter(env.CommandID) {
			// The ack won the race against the timer; take its outcome.
			select {
			case outcome := <-waiter:
				return d.finish(env, outcome)
			default:
			}
		}
		r.log.Warn("Command ack timed out", "hub_id", hubID, "command_id", env.CommandID, "type", env.Type)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		hc.removeWaiter(env.CommandID)
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) finish(env *Envelope, outcome ackOutcome) (*Result, error) {
	if outcome.err != nil {
		return nil, outcome.err
	}
	ack := outcome.ack
	result := &Result{
		CommandID: env.CommandID,
		Success:   ack.Success,
		Error:     ack.Error,
		Data:      ack.Data,
	}
	if !ack.Success {
		return result, &CommandError{CommandID: env.CommandID, Message: ack.Error}
	}
	return result, nil
}
