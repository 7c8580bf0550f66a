package supply

import (
	"github.com/opensupply/OpenSupplyCore/internal/events"
	"github.com/opensupply/OpenSupplyCore/internal/ps"
	"github.com/opensupply/OpenSupplyCore/internal/scope"
)

// Monitor receives a supply's observable changes: state transitions,
// interlock and alarm edges, and captured scope frames. The system
// layer implements it to fan out to the event log and the WebSocket
// hub. Calls arrive from the supply's background and pump goroutines,
// so implementations must not block for long.
type Monitor interface {
	StateChanged(supply string, module int, from, to ps.State, reason string)
	InterlockChanged(supply string, module int, set events.Set, bit int, name string, active bool)
	AlarmChanged(supply string, module int, bit int, name string, active bool)
	ScopeFrame(supply string, frame scope.Frame)
}

// NopMonitor discards every notification.
type NopMonitor struct{}

func (NopMonitor) StateChanged(string, int, ps.State, ps.State, string)        {}
func (NopMonitor) InterlockChanged(string, int, events.Set, int, string, bool) {}
func (NopMonitor) AlarmChanged(string, int, int, string, bool)                 {}
func (NopMonitor) ScopeFrame(string, scope.Frame)                              {}
