package hub

import (
	"time"
)

// Event is an unsolicited hub-to-server push (discovery result, status
// update) or a registry lifecycle notice (connected, disconnected, stale).
// Events are not correlated to any command id.
type Event struct {
	Type      string                 `json:"type"`
	HubID     string                 `json:"hub_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Registry lifecycle event types. Hub-originated events keep whatever type
// string the hub sent.
const (
	EventHubConnected    = "hub_connected"
	EventHubDisconnected = "hub_disconnected"
	EventHubStale        = "hub_stale"
)

// EventHub fans unsolicited events out to in-process subscribers (SSE
// bridges, UI pushers). Callers register a buffered channel; a subscriber
// whose buffer is full misses events rather than blocking the fan-out.
type EventHub struct {
	clients    map[string]chan Event
	register   chan eventRegistration
	unregister chan string
	publish    chan Event
	shutdown   chan struct{}
}

type eventRegistration struct {
	id string
	ch chan Event
}

// NewEventHub creates and starts a new EventHub.
func NewEventHub() *EventHub {
	h := &EventHub{
		clients:    make(map[string]chan Event),
		register:   make(chan eventRegistration),
		unregister: make(chan string),
		publish:    make(chan Event, 100),
		shutdown:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *EventHub) run() {
	for {
		select {
		case reg := <-h.register:
			h.clients[reg.id] = reg.ch
		case id := <-h.unregister:
			if ch, ok := h.clients[id]; ok {
				close(ch)
				delete(h.clients, id)
			}
		case evt := <-h.publish:
			for _, ch := range h.clients {
				select {
				case ch <- evt:
				default:
					// Subscriber buffer full; drop rather than block the hub
				}
			}
		case <-h.shutdown:
			for id, ch := range h.clients {
				close(ch)
				delete(h.clients, id)
			}
			return
		}
	}
}

// Subscribe registers a subscriber channel under id. The channel should be
// buffered (recommended size 10).
func (h *EventHub) Subscribe(id string, ch chan Event) {
	h.register <- eventRegistration{id: id, ch: ch}
}

// Unsubscribe removes the subscriber with the given id and closes its channel.
func (h *EventHub) Unsubscribe(id string) {
	h.unregister <- id
}

// Publish sends an event to all subscribers (non-blocking per subscriber).
func (h *EventHub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case h.publish <- evt:
	default:
		// Drop if the publish queue is full
	}
}

// Stop shuts down the hub and closes all subscriber channels.
func (h *EventHub) Stop() {
	close(h.shutdown)
}
