package websocket

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Per-supply messages
	MessageTypeSupplyState    MessageType = "supply_state"
	MessageTypeInterlockEvent MessageType = "interlock_event"
	MessageTypeAlarmEvent     MessageType = "alarm_event"
	MessageTypeScopeFrame     MessageType = "scope_frame"

	// Sequence execution messages
	MessageTypeSequenceEvent MessageType = "sequence_event"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message is one broadcast envelope. Supply names the originating
// supply for subscription filtering; machine-wide messages leave it
// empty.
type Message struct {
	Type      MessageType `json:"type"`
	Supply    string      `json:"supply,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// SupplyStateData reports one module's state transition
type SupplyStateData struct {
	Supply string `json:"supply"`
	Module int    `json:"module"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// InterlockEventData reports one interlock edge
type InterlockEventData struct {
	Supply string `json:"supply"`
	Module int    `json:"module"`
	Set    string `json:"set"`
	Bit    int    `json:"bit"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// AlarmEventData reports one alarm edge
type AlarmEventData struct {
	Supply string `json:"supply"`
	Module int    `json:"module"`
	Bit    int    `json:"bit"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, supplyName string, data interface{}) Message {
	return Message{
		Type:      msgType,
		Supply:    supplyName,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Helper functions for creating specific message types

func NewSupplyStateMessage(supplyName string, module int, from, to, reason string) Message {
	return NewMessage(MessageTypeSupplyState, supplyName, SupplyStateData{
		Supply: supplyName,
		Module: module,
		From:   from,
		To:     to,
		Reason: reason,
	})
}

func NewInterlockEventMessage(supplyName string, module int, set string, bit int, name string, active bool) Message {
	return NewMessage(MessageTypeInterlockEvent, supplyName, InterlockEventData{
		Supply: supplyName,
		Module: module,
		Set:    set,
		Bit:    bit,
		Name:   name,
		Active: active,
	})
}

func NewAlarmEventMessage(supplyName string, module int, bit int, name string, active bool) Message {
	return NewMessage(MessageTypeAlarmEvent, supplyName, AlarmEventData{
		Supply: supplyName,
		Module: module,
		Bit:    bit,
		Name:   name,
		Active: active,
	})
}
