package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arxlens/enrichd/pkg/config"
	"github.com/arxlens/enrichd/pkg/database"
	"github.com/arxlens/enrichd/pkg/logger/log"
	"github.com/arxlens/enrichd/pkg/ratelimit"
	"github.com/arxlens/enrichd/pkg/stage"
	"github.com/google/uuid"
)

// Deps bundles what workers need; one instance is shared by all pools.
type Deps struct {
	Jobs     database.JobFacadeInterface
	States   database.ProcessingStateFacadeInterface
	Limiter  *ratelimit.Limiter
	Registry *stage.Registry
	Pipeline *config.PipelineConfig
}

// Pool owns the workers for one stage sub-pool. Each pool serves a
// fixed stage set and consumes a single rate bucket.
type Pool struct {
	name   stage.Pool
	stages []string
	bucket string
	deps   *Deps

	pollEmpty  time.Duration
	maxRetries int

	mu     sync.Mutex
	target int
	active map[int]bool
	wg     sync.WaitGroup

	processed atomic.Uint64
	lastError atomic.Int64 // unix nanos of the last worker error, 0 when clean
}

func newPool(name stage.Pool, deps *Deps) *Pool {
	stages := stage.StagesForPool(name)
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	return &Pool{
		name:       name,
		stages:     names,
		bucket:     stage.BucketForPool(name),
		deps:       deps,
		pollEmpty:  deps.Pipeline.GetPollIntervalEmpty(),
		maxRetries: deps.Pipeline.GetMaxRetries(),
		active:     map[int]bool{},
	}
}

func (p *Pool) leaseFor(s string) time.Duration {
	return p.deps.Pipeline.GetLeaseDuration(stage.Stage(s))
}

// scale moves the pool toward count workers. Growth spawns immediately;
// shrink lets excess workers exit after their current job.
func (p *Pool) scale(ctx context.Context, count int) {
	if count < 0 {
		count = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = count
	for slot := 0; slot < count; slot++ {
		if p.active[slot] {
			continue
		}
		p.active[slot] = true
		w := &worker{
			id:   fmt.Sprintf("%s-%d-%s", p.name, slot, uuid.NewString()[:8]),
			slot: slot,
			pool: p,
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
}

func (p *Pool) shouldExit(slot int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slot >= p.target
}

func (p *Pool) workerExited(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, slot)
}

func (p *Pool) noteError() {
	p.lastError.Store(time.Now().UnixNano())
}

// PoolStatus is one pool's observable state.
type PoolStatus struct {
	Pool        string     `json:"pool"`
	Target      int        `json:"target"`
	Live        int        `json:"live"`
	Processed   uint64     `json:"processed"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

func (p *Pool) status() PoolStatus {
	p.mu.Lock()
	live := len(p.active)
	target := p.target
	p.mu.Unlock()

	st := PoolStatus{
		Pool:      string(p.name),
		Target:    target,
		Live:      live,
		Processed: p.processed.Load(),
	}
	if nanos := p.lastError.Load(); nanos != 0 {
		t := time.Unix(0, nanos)
		st.LastErrorAt = &t
	}
	return st
}

// Manager runs the four sub-pools.
type Manager struct {
	deps  *Deps
	pools map[stage.Pool]*Pool

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
}

func NewManager(deps *Deps) *Manager {
	m := &Manager{
		deps:  deps,
		pools: make(map[stage.Pool]*Pool, len(stage.Pools())),
	}
	for _, name := range stage.Pools() {
		m.pools[name] = newPool(name, deps)
	}
	return m
}

// Start spins every pool up to its configured size.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	m.started = true

	for name, pool := range m.pools {
		size := m.deps.Pipeline.GetPoolSize(name)
		pool.scale(runCtx, size)
		log.Infof("Started pool %s with %d workers (stages: %v)", name, size, pool.stages)
	}
	return nil
}

// Scale adjusts one pool's worker count at runtime.
func (m *Manager) Scale(pool stage.Pool, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[pool]
	if !ok {
		return fmt.Errorf("unknown pool %q", pool)
	}
	if !m.started {
		return fmt.Errorf("pool manager not started")
	}
	p.mu.Lock()
	old := p.target
	p.mu.Unlock()
	p.scale(m.runCtx, count)
	log.Infof("Scaled pool %s: %d -> %d", pool, old, count)
	return nil
}

// Stop signals every worker and waits until they exit or the graceful
// deadline passes. Jobs still processing afterwards are recovered by
// the lease sweep.
func (m *Manager) Stop(deadline time.Duration) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		for _, p := range m.pools {
			p.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("All workers stopped")
	case <-time.After(deadline):
		log.Warn("Stop deadline reached with workers still running; leases will be reclaimed")
	}
}

// Status reports every pool's state, keyed by pool name.
func (m *Manager) Status() map[string]PoolStatus {
	out := make(map[string]PoolStatus, len(m.pools))
	for name, p := range m.pools {
		out[string(name)] = p.status()
	}
	return out
}
