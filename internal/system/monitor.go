package system

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/api/websocket"
	"github.com/opensupply/OpenSupplyCore/internal/events"
	"github.com/opensupply/OpenSupplyCore/internal/ps"
	"github.com/opensupply/OpenSupplyCore/internal/scope"
	"github.com/opensupply/OpenSupplyCore/internal/sequence"
	"github.com/opensupply/OpenSupplyCore/internal/storage"
)

const (
	persistQueueDepth = 256
	persistTimeout    = 5 * time.Second
)

// Monitor fans supply and sequence events out to the WebSocket hub and
// the event log. Calls arrive from control and pump goroutines, so the
// hub broadcast is non-blocking and persistence runs on one writer
// goroutine behind a buffered queue. A full queue drops the database
// write, never the live stream.
type Monitor struct {
	hub    *websocket.Hub
	store  *storage.PostgresClient
	logger *zap.Logger

	jobs chan func(ctx context.Context) error
	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a new Monitor instance. Run must be started for
// events to reach the database.
func NewMonitor(hub *websocket.Hub, store *storage.PostgresClient, logger *zap.Logger) *Monitor {
	return &Monitor{
		hub:    hub,
		store:  store,
		logger: logger,
		jobs:   make(chan func(ctx context.Context) error, persistQueueDepth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run drains the persistence queue until Close is called.
func (m *Monitor) Run() {
	defer close(m.done)
	for {
		select {
		case job := <-m.jobs:
			m.persist(job)
		case <-m.stop:
			// Drain what the producers already queued before they
			// were stopped.
			for {
				select {
				case job := <-m.jobs:
					m.persist(job)
				default:
					return
				}
			}
		}
	}
}

// Close flushes the queue and stops the writer. Producers must already
// be stopped.
func (m *Monitor) Close() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) persist(job func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := job(ctx); err != nil {
		m.logger.Error("Failed to persist event", zap.Error(err))
	}
}

func (m *Monitor) enqueue(job func(ctx context.Context) error) {
	select {
	case m.jobs <- job:
	default:
		m.logger.Warn("Event persistence queue full, write dropped")
	}
}

// StateChanged implements supply.Monitor.
func (m *Monitor) StateChanged(supplyName string, module int, from, to ps.State, reason string) {
	m.hub.Broadcast(websocket.NewSupplyStateMessage(supplyName, module, from.String(), to.String(), reason))

	tr := &storage.StateTransition{
		Supply:    supplyName,
		Module:    module,
		FromState: from.String(),
		ToState:   to.String(),
		Reason:    reason,
	}
	m.enqueue(func(ctx context.Context) error {
		return m.store.InsertStateTransition(ctx, tr)
	})
}

// InterlockChanged implements supply.Monitor.
func (m *Monitor) InterlockChanged(supplyName string, module int, set events.Set, bit int, name string, active bool) {
	m.hub.Broadcast(websocket.NewInterlockEventMessage(supplyName, module, set.String(), bit, name, active))
	m.persistEdge(supplyName, module, set.String(), bit, name, active)
}

// AlarmChanged implements supply.Monitor.
func (m *Monitor) AlarmChanged(supplyName string, module int, bit int, name string, active bool) {
	m.hub.Broadcast(websocket.NewAlarmEventMessage(supplyName, module, bit, name, active))
	m.persistEdge(supplyName, module, "alarm", bit, name, active)
}

// ScopeFrame implements supply.Monitor. Frames stream at the buffer
// rate and are never persisted.
func (m *Monitor) ScopeFrame(supplyName string, frame scope.Frame) {
	m.hub.Broadcast(websocket.NewMessage(websocket.MessageTypeScopeFrame, supplyName, frame))
}

// SequenceEvent implements sequence.Notifier.
func (m *Monitor) SequenceEvent(evt sequence.Event) {
	m.hub.Broadcast(websocket.NewMessage(websocket.MessageTypeSequenceEvent, "", evt))
}

func (m *Monitor) persistEdge(supplyName string, module int, kind string, bit int, name string, active bool) {
	state := "cleared"
	if active {
		state = "committed"
	}

	ev := &storage.InterlockEvent{
		Supply: supplyName,
		Module: module,
		Kind:   kind,
		Bit:    bit,
		Name:   name,
		State:  state,
	}
	m.enqueue(func(ctx context.Context) error {
		return m.store.InsertInterlockEvent(ctx, ev)
	})
}
