package repair

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/elephant-data/oversight/pkg/selector"
)

const defaultPollInterval = 30 * time.Second

// Pool polls for repairable executions and runs the controller on
// them. An in-process claim registry keeps two workers off the same
// execution and off the same county, since repairs mutate the shared
// per-county script archive.
type Pool struct {
	controller *Controller
	order      selector.Order
	errorType  string
	interval   time.Duration
	workers    int
	logger     *slog.Logger

	mu           sync.Mutex
	claimedExecs map[string]bool
	claimedCnty  map[string]bool
	active       int
	lastActivity time.Time
	started      bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// PoolConfig wires a pool.
type PoolConfig struct {
	Controller *Controller
	Order      selector.Order
	ErrorType  string
	Interval   time.Duration
	Workers    int
}

// NewPool creates a repair pool.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Controller == nil {
		panic("NewPool: controller must not be nil")
	}
	if cfg.Order == "" {
		cfg.Order = selector.OrderMost
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		controller:   cfg.Controller,
		order:        cfg.Order,
		errorType:    cfg.ErrorType,
		interval:     cfg.Interval,
		workers:      cfg.Workers,
		logger:       logger.With("component", "repair_pool"),
		claimedExecs: make(map[string]bool),
		claimedCnty:  make(map[string]bool),
		stopCh:       make(chan struct{}),
	}
}

// Health is the pool's contribution to the ops surface.
type Health struct {
	Workers       int       `json:"workers"`
	ActiveRepairs int       `json:"activeRepairs"`
	LastActivity  time.Time `json:"lastActivity,omitempty"`
}

// Health reports current pool activity.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Health{
		Workers:       p.workers,
		ActiveRepairs: p.active,
		LastActivity:  p.lastActivity,
	}
}

// Start launches the worker loops.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("repair pool started",
		"workers", p.workers, "interval", p.interval, "order", string(p.order))
}

// Stop signals the workers and waits for in-flight repairs to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("repair pool stopped")
}

func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()
	log := p.logger.With("worker_id", workerID)

	timer := time.NewTimer(p.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		p.tick(ctx, log)
		timer.Reset(p.nextDelay())
	}
}

// tick repairs executions until the pick comes back empty, already
// claimed, or stop is requested.
func (p *Pool) tick(ctx context.Context, log *slog.Logger) {
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		sel, err := p.controller.Pick(ctx, p.order, p.errorType)
		if err != nil {
			log.Error("pick failed", "error", err)
			return
		}
		if sel == nil {
			return
		}
		if !p.claim(sel.Execution.ExecutionID, sel.Execution.County) {
			// Another worker holds the extremal execution or its
			// county; this worker waits for the next tick.
			return
		}

		outcome, err := p.controller.Repair(ctx, sel)
		p.release(sel.Execution.ExecutionID, sel.Execution.County)
		if err != nil {
			log.Error("repair run failed",
				"execution_id", sel.Execution.ExecutionID, "error", err)
			return
		}
		log.Info("repair run finished",
			"execution_id", outcome.ExecutionID,
			"county", outcome.County,
			"committed", outcome.Committed,
			"attempts", outcome.Attempts)
	}
}

func (p *Pool) claim(executionID, county string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimedExecs[executionID] || p.claimedCnty[county] {
		return false
	}
	p.claimedExecs[executionID] = true
	p.claimedCnty[county] = true
	p.active++
	p.lastActivity = time.Now()
	return true
}

func (p *Pool) release(executionID, county string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claimedExecs, executionID)
	delete(p.claimedCnty, county)
	p.active--
	p.lastActivity = time.Now()
}

// nextDelay jitters the interval by up to a quarter so workers do not
// pick in lockstep.
func (p *Pool) nextDelay() time.Duration {
	jitter := int64(p.interval / 4)
	if jitter <= 0 {
		return p.interval
	}
	return p.interval + time.Duration(rand.Int64N(jitter))
}
