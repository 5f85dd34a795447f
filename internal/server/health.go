// health.go - Ledger and prover health for the transfer service.

package server

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"ledgerproof/internal/ledger"
)

// HealthStatus is the health of one component or of the whole service.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the last check result of one component.
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// LedgerHealth is the committed ledger as seen by the check.
type LedgerHealth struct {
	Version  uint64 `json:"version"`
	Root     string `json:"root"`
	Depth    int    `json:"depth"`
	Accounts int    `json:"accounts"`
}

// SystemHealth aggregates every registered component.
type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Ledger        *LedgerHealth     `json:"ledger,omitempty"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

// Check reports the status of one component and a one-line detail.
type Check func() (HealthStatus, string)

// DepthReporter lists the tree depths a prover holds compiled programs and proving keys for.
type DepthReporter interface {
	CompiledDepths() []int
}

// HealthChecker runs registered component checks on demand.
type HealthChecker struct {
	mu         sync.Mutex
	state      *ledger.State
	components map[string]*ComponentHealth
	checks     map[string]Check
	startTime  time.Time
	version    string
}

// NewHealthChecker creates a checker reporting the given service version. A non-nil state is
// registered as the "ledger" component and summarized in every report.
func NewHealthChecker(version string, state *ledger.State) *HealthChecker {
	hc := &HealthChecker{
		state:      state,
		components: make(map[string]*ComponentHealth),
		checks:     make(map[string]Check),
		startTime:  time.Now(),
		version:    version,
	}
	if state != nil {
		hc.RegisterComponent("ledger", LedgerCheck(state))
	}
	return hc
}

// LedgerCheck is unhealthy when state holds no tree and otherwise reports the committed
// version and root.
func LedgerCheck(state *ledger.State) Check {
	return func() (HealthStatus, string) {
		tree, version := state.Committed()
		if tree == nil {
			return Unhealthy, "no committed ledger"
		}
		return Healthy, fmt.Sprintf("version %d root %s", version, tree.Root())
	}
}

// BackendCheck is degraded until r has compiled the program for depth(), since the first
// transfer at that depth then pays for compilation and key setup.
func BackendCheck(r DepthReporter, depth func() int) Check {
	return func() (HealthStatus, string) {
		compiled := r.CompiledDepths()
		d := depth()
		if !slices.Contains(compiled, d) {
			return Degraded, fmt.Sprintf("depth %d not compiled, compiled depths %v", d, compiled)
		}
		return Healthy, fmt.Sprintf("compiled depths %v", compiled)
	}
}

// RegisterComponent registers check under name. A nil check leaves the component's status
// to UpdateComponent.
func (hc *HealthChecker) RegisterComponent(name string, check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.components[name] = &ComponentHealth{
		Name:      name,
		Status:    Healthy,
		Message:   "registered",
		LastCheck: time.Now(),
	}
	if check != nil {
		hc.checks[name] = check
	}
}

// UpdateComponent sets the status of a registered component.
func (hc *HealthChecker) UpdateComponent(name string, status HealthStatus, message string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if c, ok := hc.components[name]; ok {
		c.Status = status
		c.Message = message
		c.LastCheck = time.Now()
	}
}

// CheckHealth runs every check and returns the aggregate. Components are sorted by name.
func (hc *HealthChecker) CheckHealth() *SystemHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	overall := Healthy
	components := make([]ComponentHealth, 0, len(hc.components))
	for name, c := range hc.components {
		if check, ok := hc.checks[name]; ok {
			start := time.Now()
			c.Status, c.Message = check()
			c.Latency = time.Since(start)
			c.LastCheck = time.Now()
		}

		switch {
		case c.Status == Unhealthy:
			overall = Unhealthy
		case c.Status == Degraded && overall == Healthy:
			overall = Degraded
		}
		components = append(components, *c)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	h := &SystemHealth{
		OverallStatus: overall,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(hc.startTime),
		Version:       hc.version,
	}
	if hc.state != nil {
		if tree, version := hc.state.Committed(); tree != nil {
			h.Ledger = &LedgerHealth{
				Version:  version,
				Root:     tree.Root().String(),
				Depth:    tree.Depth(),
				Accounts: tree.Len(),
			}
		}
	}
	return h
}
