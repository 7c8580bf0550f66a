package supply

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// Controller is the explicit supply registry. The service surfaces
// resolve supplies by name through it; nothing holds global state.
type Controller struct {
	logger *zap.Logger

	mu       sync.RWMutex
	supplies map[string]*Supply
	order    []string
}

func NewController(logger *zap.Logger) *Controller {
	return &Controller{
		logger:   logger,
		supplies: make(map[string]*Supply),
	}
}

// Add registers a built supply under its name.
func (c *Controller) Add(s *Supply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.supplies[s.Name()]; dup {
		return fmt.Errorf("duplicate supply %q", s.Name())
	}
	c.supplies[s.Name()] = s
	c.order = append(c.order, s.Name())

	c.logger.Info("Supply registered",
		zap.String("supply", s.Name()),
		zap.String("topology", s.Profile().SupplyProfile.Topology))
	return nil
}

// Get resolves a supply by name.
func (c *Controller) Get(name string) (*Supply, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.supplies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownSupply, name)
	}
	return s, nil
}

// Names lists registered supplies in registration order.
func (c *Controller) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Execute routes one command to the named supply.
func (c *Controller) Execute(ctx context.Context, name string, cmd Command) error {
	s, err := c.Get(name)
	if err != nil {
		return err
	}
	return s.Execute(ctx, cmd)
}

// ModuleState reports the state of one module as a string, for callers
// that poll for transitions.
func (c *Controller) ModuleState(name string, module int) (string, error) {
	s, err := c.Get(name)
	if err != nil {
		return "", err
	}
	st := s.Status()
	if module < 0 || module >= len(st.Modules) {
		return "", fmt.Errorf("%w: module %d on %s", types.ErrNotFound, module, name)
	}
	return st.Modules[module].State, nil
}

// StartAll brings every supply up in registration order. The first
// failure aborts the roll-out; already started supplies keep running
// until StopAll.
func (c *Controller) StartAll() error {
	for _, name := range c.Names() {
		s, err := c.Get(name)
		if err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	return nil
}

// StopAll turns every supply off, then stops its goroutines. Shutdown
// continues past individual failures.
func (c *Controller) StopAll(ctx context.Context) {
	for _, name := range c.Names() {
		s, err := c.Get(name)
		if err != nil {
			continue
		}
		if err := s.Execute(ctx, Command{Op: OpTurnOff}); err != nil {
			c.logger.Warn("Turn-off during shutdown failed",
				zap.String("supply", name),
				zap.Error(err))
		}
		s.Stop()
	}
}

// Statuses snapshots every supply in registration order.
func (c *Controller) Statuses() []Status {
	names := c.Names()
	out := make([]Status, 0, len(names))
	for _, name := range names {
		if s, err := c.Get(name); err == nil {
			out = append(out, s.Status())
		}
	}
	return out
}
