package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandType identifies a hub command. The set is closed on the server side;
// anything a newer firmware reports that the server does not recognize decodes
// as CommandUnknown instead of failing.
type CommandType string

const (
	CommandDiscover         CommandType = "discover"
	CommandConfigurePrinter CommandType = "configure_printer"
	CommandRemovePrinter    CommandType = "remove_printer"
	CommandPause            CommandType = "pause"
	CommandResume           CommandType = "resume"
	CommandStop             CommandType = "stop"
	CommandClearBed         CommandType = "clear_bed"
	CommandLight            CommandType = "light"
	CommandGPIOSet          CommandType = "gpio_set"
	CommandDisconnect       CommandType = "disconnect"
	CommandConfigUpdate     CommandType = "config_update"
	CommandUnknown          CommandType = "unknown"
)

var knownCommandTypes = map[CommandType]bool{
	CommandDiscover:         true,
	CommandConfigurePrinter: true,
	CommandRemovePrinter:    true,
	CommandPause:            true,
	CommandResume:           true,
	CommandStop:             true,
	CommandClearBed:         true,
	CommandLight:            true,
	CommandGPIOSet:          true,
	CommandDisconnect:       true,
	CommandConfigUpdate:     true,
}

// ParseCommandType maps a wire string to a known command type, or
// CommandUnknown for anything unrecognized.
func ParseCommandType(s string) CommandType {
	t := CommandType(s)
	if knownCommandTypes[t] {
		return t
	}
	return CommandUnknown
}

// Per-command payload shapes. Commands that target a specific printer carry
// its id; hub-level commands omit it.

type ConfigurePrinterPayload struct {
	PrinterID string `json:"printer_id"`
	Name      string `json:"name,omitempty"`
	Model     string `json:"model,omitempty"`
	Port      string `json:"port,omitempty"`
}

type RemovePrinterPayload struct {
	PrinterID string `json:"printer_id"`
}

// ControlPayload covers pause/resume/stop/clear_bed.
type ControlPayload struct {
	PrinterID string `json:"printer_id"`
}

type LightPayload struct {
	PrinterID string `json:"printer_id,omitempty"`
	On        bool   `json:"on"`
}

type GPIOSetPayload struct {
	Pin  int  `json:"pin"`
	High bool `json:"high"`
}

type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ConfigUpdatePayload struct {
	Settings map[string]interface{} `json:"settings"`
}

// Envelope is the server-to-hub command wire shape.
type Envelope struct {
	CommandID string          `json:"command_id"`
	Type      CommandType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	IssuedAt  time.Time       `json:"issued_at"`
}

// NewEnvelope builds an envelope with a fresh command id. payload may be nil
// for commands that carry none (discover, disconnect without reason).
func NewEnvelope(commandType CommandType, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		CommandID: uuid.NewString(),
		Type:      commandType,
		IssuedAt:  time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", commandType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Ack is the hub-to-server acknowledgment correlated to a prior command id.
type Ack struct {
	CommandID string                 `json:"command_id"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
