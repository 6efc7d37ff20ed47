package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often the janitor runs.
const DefaultSweepInterval = 30 * time.Second

// Janitor periodically prunes sessions past their grace window and refreshes
// the session gauges.
type Janitor struct {
	cron     *cron.Cron
	registry *Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
}

func NewJanitor(registry *Registry, every time.Duration, logger zerolog.Logger) (*Janitor, error) {
	if every <= 0 {
		every = DefaultSweepInterval
	}
	j := &Janitor{
		cron:     cron.New(),
		registry: registry,
		logger:   logger.With().Str("component", "janitor").Logger(),
	}
	if _, err := j.cron.AddFunc(fmt.Sprintf("@every %s", every), j.Sweep); err != nil {
		return nil, fmt.Errorf("schedule janitor: %w", err)
	}
	return j, nil
}

// Sweep runs one maintenance pass.
func (j *Janitor) Sweep() {
	removed := j.registry.Prune()
	j.registry.refreshGauges()
	if len(removed) > 0 {
		j.logger.Debug().Int("removed", len(removed)).Msg("Sweep complete")
	}
}

func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.cron.Start()
	j.running = true
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
}
