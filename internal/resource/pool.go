// Package resource tracks named pools of typed resources and hands them out
// to workflow executions. Pools are the only cross-execution shared mutable
// state in the orchestrator, so all mutation happens under the manager's lock.
package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"signal-responder/internal/workflow"
)

// Status of a single resource.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
)

// PoolStatus of a whole pool.
type PoolStatus string

const (
	PoolActive   PoolStatus = "ACTIVE"
	PoolDisabled PoolStatus = "DISABLED"
)

var (
	// ErrInsufficientResources is returned when a required resource type
	// has no available resource.
	ErrInsufficientResources = errors.New("insufficient resources")
	// ErrUnknownPool is returned when a resource type has no pool.
	ErrUnknownPool = errors.New("unknown resource pool")
)

// Resource is one allocatable unit within a pool.
type Resource struct {
	ID         string      `json:"id"`
	Status     Status      `json:"status"`
	Allocation *Allocation `json:"allocation,omitempty"`
}

// Allocation records which execution holds a resource and for how long.
type Allocation struct {
	AllocatedTo     string    `json:"allocated_to"`
	StartTime       time.Time `json:"start_time"`
	ExpectedEndTime time.Time `json:"expected_end_time"`
}

// Pool is a named bounded collection of interchangeable resources.
type Pool struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Capacity    int         `json:"capacity"`
	Resources   []*Resource `json:"resources"`
	Status      PoolStatus  `json:"status"`
	Utilization float64     `json:"utilization"`
}

func (p *Pool) recomputeUtilization() {
	busy := 0
	for _, r := range p.Resources {
		if r.Status == StatusBusy {
			busy++
		}
	}
	if p.Capacity > 0 {
		p.Utilization = 100 * float64(busy) / float64(p.Capacity)
	} else {
		p.Utilization = 0
	}
}

func (p *Pool) firstAvailable() *Resource {
	for _, r := range p.Resources {
		if r.Status == StatusAvailable {
			return r
		}
	}
	return nil
}

// AllocationResult describes the resources handed to one execution.
type AllocationResult struct {
	Allocated           []*Resource
	StartTime           time.Time
	ExpectedReleaseTime time.Time
}

// Manager owns all pools. Allocation and release are atomic: either every
// required resource is reserved or none are.
type Manager struct {
	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates a manager with the given pools, keyed by pool id.
// Workflow required_resources entries name pool ids; Name is display-only.
func NewManager(pools ...*Pool) *Manager {
	m := &Manager{pools: make(map[string]*Pool)}
	for _, p := range pools {
		p.recomputeUtilization()
		m.pools[p.ID] = p
	}
	return m
}

// NewPool builds a pool of the given capacity with generated resource ids.
func NewPool(id, name string, capacity int) *Pool {
	resources := make([]*Resource, capacity)
	for i := 0; i < capacity; i++ {
		resources[i] = &Resource{
			ID:     fmt.Sprintf("%s-%d", name, i+1),
			Status: StatusAvailable,
		}
	}
	return &Pool{
		ID:        id,
		Name:      name,
		Capacity:  capacity,
		Resources: resources,
		Status:    PoolActive,
	}
}

// AddPool registers a pool at runtime.
func (m *Manager) AddPool(p *Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.recomputeUtilization()
	m.pools[p.ID] = p
}

// Availability reports whether every required resource type has an ACTIVE
// pool with at least one available resource. The missing list names every
// type that cannot be satisfied.
type Availability struct {
	Available bool
	Missing   []string
}

// CheckAvailability walks resource-level status for each required type.
// Pool utilization below 100 is necessary but not sufficient; the decision
// is made on individual resource status.
func (m *Manager) CheckAvailability(requiredTypes []string) Availability {
	m.mu.Lock()
	defer m.mu.Unlock()

	var missing []string
	for _, t := range requiredTypes {
		pool, ok := m.pools[t]
		if !ok || pool.Status != PoolActive || pool.firstAvailable() == nil {
			missing = append(missing, t)
		}
	}
	return Availability{Available: len(missing) == 0, Missing: missing}
}

// Allocate reserves one resource per step requirement of the workflow and
// marks them busy for the execution. The operation is two-phase: if any
// requirement cannot be satisfied, everything reserved so far is released
// and an error is returned with no state change visible to other callers.
func (m *Manager) Allocate(wf *workflow.ResponseWorkflow, executionID string) (*AllocationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	result := &AllocationResult{
		StartTime:           now,
		ExpectedReleaseTime: now.Add(wf.Execution.OverallTimeout),
	}

	var taken []*Resource
	rollback := func() {
		for _, r := range taken {
			r.Status = StatusAvailable
			r.Allocation = nil
		}
	}

	for _, step := range wf.Steps {
		for _, t := range step.RequiredResources {
			pool, ok := m.pools[t]
			if !ok {
				rollback()
				return nil, fmt.Errorf("%w: %s", ErrUnknownPool, t)
			}
			if pool.Status != PoolActive {
				rollback()
				return nil, fmt.Errorf("%w: %s", ErrInsufficientResources, t)
			}
			res := pool.firstAvailable()
			if res == nil {
				rollback()
				return nil, fmt.Errorf("%w: %s", ErrInsufficientResources, t)
			}
			res.Status = StatusBusy
			res.Allocation = &Allocation{
				AllocatedTo:     executionID,
				StartTime:       now,
				ExpectedEndTime: result.ExpectedReleaseTime,
			}
			taken = append(taken, res)
		}
	}

	for _, pool := range m.pools {
		pool.recomputeUtilization()
	}

	result.Allocated = taken
	slog.Debug("resources allocated",
		"execution_id", executionID,
		"count", len(taken),
		"expected_release", result.ExpectedReleaseTime,
	)
	return result, nil
}

// Release returns every resource held by the execution to the available
// state. Safe to call more than once; releasing an execution that holds
// nothing is a no-op.
func (m *Manager) Release(executionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for _, pool := range m.pools {
		for _, r := range pool.Resources {
			if r.Allocation != nil && r.Allocation.AllocatedTo == executionID {
				r.Status = StatusAvailable
				r.Allocation = nil
				released++
			}
		}
		pool.recomputeUtilization()
	}

	if released > 0 {
		slog.Debug("resources released", "execution_id", executionID, "count", released)
	}
	return released
}

// ReleaseAll hard-resets every resource in every pool. Used only during
// shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pool := range m.pools {
		for _, r := range pool.Resources {
			r.Status = StatusAvailable
			r.Allocation = nil
		}
		pool.recomputeUtilization()
	}
	slog.Info("all resource pools reset")
}

// Utilization returns the current utilization percentage per pool id.
func (m *Manager) Utilization() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.pools))
	for name, pool := range m.pools {
		out[name] = pool.Utilization
	}
	return out
}

// BusyCount returns the total number of busy resources across all pools.
func (m *Manager) BusyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	busy := 0
	for _, pool := range m.pools {
		for _, r := range pool.Resources {
			if r.Status == StatusBusy {
				busy++
			}
		}
	}
	return busy
}

// TotalCapacity returns the summed capacity of all pools.
func (m *Manager) TotalCapacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, pool := range m.pools {
		total += pool.Capacity
	}
	return total
}
