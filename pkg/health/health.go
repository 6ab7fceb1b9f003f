// Package health provides readiness tracking and HTTP probe handlers for
// the gateway's HTTP transport.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// ProbeFunc checks one subsystem. A nil error means healthy.
type ProbeFunc func() error

// Checker tracks the readiness state of the gateway and any registered
// subsystem probes. It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu     sync.RWMutex
	probes map[string]ProbeFunc
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{probes: make(map[string]ProbeFunc)}
}

// RegisterProbe adds a named subsystem probe consulted by the readiness
// handler.
func (c *Checker) RegisterProbe(name string, probe ProbeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status     string            `json:"status"`
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when ready
// and every probe passes, 503 otherwise.
// Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
			return
		}

		subsystems, healthy := c.runProbes()
		resp := healthResponse{Status: "ready", Subsystems: subsystems}
		if !healthy {
			resp.Status = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// runProbes evaluates all registered probes.
func (c *Checker) runProbes() (map[string]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.probes) == 0 {
		return nil, true
	}
	results := make(map[string]string, len(c.probes))
	healthy := true
	for name, probe := range c.probes {
		if err := probe(); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
