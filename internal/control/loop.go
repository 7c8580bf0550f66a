package control

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Loop drives one supply's cycle routine at a fixed sampling rate. The
// routine is wired once at build time and must not allocate or block; the
// loop itself adds nothing to the tick path beyond the ticker receive.
type Loop struct {
	name     string
	period   time.Duration
	cycle    func()
	clk      clock.Clock
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewLoop creates a loop running cycle at freqSampling Hz. The clock is
// injected so tests drive ticks deterministically.
func NewLoop(name string, freqSampling float64, cycle func(), clk clock.Clock, logger *zap.Logger) *Loop {
	return &Loop{
		name:     name,
		period:   time.Duration(float64(time.Second) / freqSampling),
		cycle:    cycle,
		clk:      clk,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}

	l.running = true
	l.wg.Add(1)

	go l.run()

	l.logger.Info("Control loop started",
		zap.String("supply", l.name),
		zap.Duration("period", l.period))

	return nil
}

func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	close(l.stopChan)
	l.wg.Wait()

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	l.logger.Info("Control loop stopped", zap.String("supply", l.name))
}

func (l *Loop) run() {
	defer l.wg.Done()

	ticker := l.clk.Ticker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.cycle()
		}
	}
}

func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Period returns the tick period derived from the sampling frequency.
func (l *Loop) Period() time.Duration {
	return l.period
}
