// Package system assembles the service: storage, auth, profiles, the
// supply controller, the sequence engine and the API surfaces, plus
// the monitor that fans supply events out to the WebSocket hub and
// the event log.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/api/rest"
	"github.com/opensupply/OpenSupplyCore/internal/api/websocket"
	"github.com/opensupply/OpenSupplyCore/internal/auth"
	"github.com/opensupply/OpenSupplyCore/internal/config"
	"github.com/opensupply/OpenSupplyCore/internal/interfaces"
	"github.com/opensupply/OpenSupplyCore/internal/profiles"
	"github.com/opensupply/OpenSupplyCore/internal/sequence"
	"github.com/opensupply/OpenSupplyCore/internal/storage"
	"github.com/opensupply/OpenSupplyCore/internal/supply"
)

// Manager owns the component lifecycle. Start brings everything up in
// dependency order; Shutdown unwinds it under the configured deadline.
type Manager struct {
	config  *config.Config
	storage *storage.PostgresClient
	logger  *zap.Logger

	authService  *auth.AuthService
	hub          *websocket.Hub
	monitor      *Monitor
	profileStore *profiles.Store
	controller   *supply.Controller
	engine       *sequence.Engine
	restServer   *rest.Server

	stateMu      sync.RWMutex
	currentState SystemState
	startedAt    time.Time

	shutdownOnce sync.Once
}

func NewManager(store *storage.PostgresClient, cfg *config.Config, logger *zap.Logger) *Manager {
	authService := auth.NewAuthService(store, cfg.Auth, logger)
	hub := websocket.NewHub(logger, authService)

	return &Manager{
		config:       cfg,
		storage:      store,
		logger:       logger,
		authService:  authService,
		hub:          hub,
		monitor:      NewMonitor(hub, store, logger),
		currentState: StateInitializing,
	}
}

// Start brings the system up: schema, admin seed, profiles, one supply
// per profile on its simulated bench, the sequence engine, the hub and
// the REST API.
func (m *Manager) Start() error {
	m.logger.Info("Starting OpenSupplyCore")
	m.setState(StateInitializing)

	go m.monitor.Run()
	go m.hub.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.storage.EnsureSchema(ctx); err != nil {
		m.setState(StateError)
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	if err := m.authService.EnsureAdminUser(ctx); err != nil {
		m.setState(StateError)
		return fmt.Errorf("failed to seed admin user: %w", err)
	}

	if err := m.buildSupplies(); err != nil {
		m.setState(StateError)
		return err
	}
	if err := m.controller.StartAll(); err != nil {
		m.setState(StateError)
		return fmt.Errorf("failed to start supplies: %w", err)
	}

	lib, err := sequence.LoadDir(m.config.Sequences.Dir)
	if err != nil {
		m.setState(StateError)
		return fmt.Errorf("failed to load sequences: %w", err)
	}
	m.engine = sequence.NewEngine(lib, m.storage, m.controller, m.monitor, m.logger)

	m.restServer = rest.NewServer(m.config, m, m.logger, m.hub, m.authService)
	if err := m.restServer.Start(); err != nil {
		m.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	m.stateMu.Lock()
	m.currentState = StateRunning
	m.startedAt = time.Now()
	m.stateMu.Unlock()
	m.broadcastStatus()

	m.logger.Info("System started successfully",
		zap.Int("http_port", m.config.Server.Port),
		zap.Strings("supplies", m.controller.Names()),
		zap.Strings("sequences", lib.Names()))
	return nil
}

// buildSupplies instantiates one supply per profile document, each on
// its own bench rig.
func (m *Manager) buildSupplies() error {
	store, err := profiles.LoadDir(m.config.Profiles.Dir)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}
	m.profileStore = store
	m.controller = supply.NewController(m.logger)

	for _, p := range store.List() {
		// Service-side defaults apply where the document is silent.
		if p.Control.PollIntervalMs == 0 {
			p.Control.PollIntervalMs = int(m.config.Control.PollInterval.Milliseconds())
		}
		if p.Control.ScopeFrameSize == 0 {
			p.Control.ScopeFrameSize = m.config.Control.ScopeFrameSize
		}

		rig, err := buildRig(p, m.config.Control.Sim)
		if err != nil {
			return fmt.Errorf("failed to wire bench for %s: %w", p.SupplyProfile.ID, err)
		}

		sup, err := supply.New(supply.Config{
			Profile: p,
			Analog:  rig,
			PWM:     rig,
			IO:      rig,
			Plant:   rig,
			Logger:  m.logger.With(zap.String("supply", p.SupplyProfile.ID)),
			Monitor: m.monitor,
		})
		if err != nil {
			return fmt.Errorf("failed to build supply %s: %w", p.SupplyProfile.ID, err)
		}
		if err := m.controller.Add(sup); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown gracefully shuts down the system.
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	m.shutdownOnce.Do(func() {
		m.logger.Info("Shutting down system")
		m.setState(StateStopping)
		m.broadcastStatus()

		shutdownErr = m.gracefulShutdown(ctx)

		m.setState(StateStopped)
	})

	return shutdownErr
}

func (m *Manager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	if m.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := m.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if m.engine != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.engine.Shutdown(ctx); err != nil {
				errChan <- fmt.Errorf("sequence engine shutdown failed: %w", err)
			}
		}()
	}

	if m.controller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.controller.StopAll(ctx)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	case err := <-errChan:
		return err
	}

	// Producers are quiet now: flush the event log, then drop the
	// stream clients.
	m.monitor.Close()
	m.hub.Shutdown()

	m.logger.Info("Graceful shutdown completed")
	return nil
}

func (m *Manager) setState(state SystemState) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.currentState = state
}

func (m *Manager) broadcastStatus() {
	m.hub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, "", m.GetCurrentStatus()))
}

// GetCurrentStatus returns the system status (interface implementation).
func (m *Manager) GetCurrentStatus() interfaces.SystemStatus {
	m.stateMu.RLock()
	state := m.currentState
	startedAt := m.startedAt
	m.stateMu.RUnlock()

	status := interfaces.SystemStatus{State: state.String()}
	if m.controller != nil {
		statuses := m.controller.Statuses()
		status.Supplies = len(statuses)
		for _, st := range statuses {
			if st.Running {
				status.RunningSupplies++
			}
		}
	}
	if !startedAt.IsZero() {
		status.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	return status
}

// Config returns the configuration.
func (m *Manager) Config() *config.Config {
	return m.config
}

// Storage returns the storage client.
func (m *Manager) Storage() *storage.PostgresClient {
	return m.storage
}

// Profiles returns the loaded profile store.
func (m *Manager) Profiles() *profiles.Store {
	return m.profileStore
}

// Supplies returns the supply controller.
func (m *Manager) Supplies() *supply.Controller {
	return m.controller
}

// SequenceEngine returns the sequence engine.
func (m *Manager) SequenceEngine() *sequence.Engine {
	return m.engine
}
