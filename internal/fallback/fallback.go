// Package fallback implements the model fallback controller: it watches
// prompt dispatch latency and error streaks on the primary inference
// model, hot-swaps to a configured fallback model when the primary
// stalls, and probes for recovery while degraded.
//
// The controller is driven entirely by callbacks plus a periodic Tick;
// it owns no goroutines and no wall-clock timers, so tests inject time
// directly. Production callers run Tick on an interval; a tick must
// always be able to fire the timeout when no token ever arrives.
package fallback

import (
	"fmt"
	"sync"
	"time"
)

// Config holds the controller's tunables.
type Config struct {
	// FallbackProvider and FallbackModel name the degraded-mode model.
	FallbackProvider string
	FallbackModel    string

	// Timeout is how long a dispatched prompt may wait for its first
	// token before the controller activates the fallback.
	Timeout time.Duration

	// AfterFailures is the consecutive prompt-error count that activates
	// the fallback without waiting for a timeout.
	AfterFailures int

	// ProbeInterval is how often, while degraded, the controller
	// attempts to swap back to the primary model. Zero disables probing.
	ProbeInterval time.Duration
}

// nearMissFraction of the timeout window: a first token slower than this
// fraction produces an operator notice even though no swap happened.
const nearMissFraction = 0.75

// State is a snapshot of the controller.
type State struct {
	Active        bool
	ActivatedAt   time.Time
	Activations   int
	PrimaryModel  string
	FallbackModel string
	LastProbeAt   time.Time
	ProbeCount    int
}

// ModelResolver maps a provider/model name to a concrete model
// identifier. Resolution fails when the model is unknown to the serving
// layer.
type ModelResolver interface {
	Resolve(provider, model string) (string, error)
}

// ResolverFunc adapts a function to the ModelResolver interface.
type ResolverFunc func(provider, model string) (string, error)

func (f ResolverFunc) Resolve(provider, model string) (string, error) {
	return f(provider, model)
}

// Notifier delivers operator-facing notices: activation, recovery,
// near-misses, and resolution failures.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) { f(message) }

// SwapFunc applies a model switch to the live serving configuration.
type SwapFunc func(model string) error

// Controller is the fallback state machine. Safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	resolver ModelResolver
	notifier Notifier
	swap     SwapFunc
	clock    func() time.Time

	state State

	// timeout window for the in-flight prompt
	armed      bool
	dispatched time.Time
	deadline   time.Time
	firstToken time.Duration // elapsed to first token, 0 = none yet
	inFlight   bool
	paused     bool

	consecutiveFailures int
}

// New creates a Controller in primary-active state.
func New(cfg Config, primaryModel string, resolver ModelResolver, notifier Notifier, swap SwapFunc) *Controller {
	return &Controller{
		cfg:      cfg,
		resolver: resolver,
		notifier: notifier,
		swap:     swap,
		clock:    time.Now,
		state:    State{PrimaryModel: primaryModel},
	}
}

// SetClock replaces the time source. Test hook.
func (c *Controller) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// State returns a snapshot of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnPromptDispatch arms the timeout window for a newly dispatched
// prompt.
func (c *Controller) OnPromptDispatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	c.armed = true
	c.inFlight = true
	c.paused = false
	c.dispatched = now
	c.deadline = now.Add(c.cfg.Timeout)
	c.firstToken = 0
}

// OnFirstToken disarms the timeout: the model is responding.
func (c *Controller) OnFirstToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight && c.firstToken == 0 {
		c.firstToken = c.clock().Sub(c.dispatched)
	}
	c.armed = false
}

// OnTurnEnd closes out the prompt. A successful turn resets the error
// streak; a turn that came close to the timeout threshold produces a
// near-miss notice. Time to first token is preferred when it was
// captured; otherwise the whole turn latency is measured.
func (c *Controller) OnTurnEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasInFlight := c.inFlight
	c.armed = false
	c.inFlight = false
	c.consecutiveFailures = 0

	if !c.state.Active && c.cfg.Timeout > 0 && wasInFlight {
		latency := c.firstToken
		measure := "first token"
		if latency == 0 {
			latency = c.clock().Sub(c.dispatched)
			measure = "turn"
		}
		threshold := time.Duration(float64(c.cfg.Timeout) * nearMissFraction)
		if latency > threshold {
			c.notify(fmt.Sprintf("model %s %s took %s, close to the %s fallback threshold",
				c.state.PrimaryModel, measure, latency, c.cfg.Timeout))
		}
	}
	c.firstToken = 0
}

// OnPromptError records a failed prompt. A streak of AfterFailures
// consecutive errors activates the fallback.
func (c *Controller) OnPromptError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = false
	c.inFlight = false
	c.consecutiveFailures++

	if c.state.Active || c.cfg.AfterFailures <= 0 {
		return
	}
	if c.consecutiveFailures >= c.cfg.AfterFailures {
		c.activate(fmt.Sprintf("%d consecutive prompt errors (last: %v)", c.consecutiveFailures, err))
	}
}

// Pause suspends the timeout window, e.g. while the turn is blocked on a
// tool invocation that should not count against the model.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		c.paused = true
		c.armed = false
	}
}

// Resume re-arms a full fresh timeout window for the in-flight prompt.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight && c.paused {
		c.paused = false
		c.armed = true
		c.deadline = c.clock().Add(c.cfg.Timeout)
	}
}

// Tick advances the state machine to now: it fires the timeout when an
// armed window has expired, and attempts a recovery probe when degraded.
// Callers run this on a short interval.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.armed && !c.state.Active && c.cfg.Timeout > 0 && !now.Before(c.deadline) {
		c.armed = false
		c.activate(fmt.Sprintf("no token after %s", c.cfg.Timeout))
		return
	}

	if c.state.Active && c.cfg.ProbeInterval > 0 {
		last := c.state.LastProbeAt
		if last.IsZero() {
			last = c.state.ActivatedAt
		}
		if now.Sub(last) >= c.cfg.ProbeInterval {
			c.probe(now)
		}
	}
}

// activate swaps to the fallback model. Exactly-once per degradation:
// callers check state.Active first; an unresolvable or unswappable
// fallback leaves the controller on the primary.
func (c *Controller) activate(reason string) {
	if c.state.Active {
		return
	}

	resolved, err := c.resolver.Resolve(c.cfg.FallbackProvider, c.cfg.FallbackModel)
	if err != nil {
		c.notify(fmt.Sprintf("fallback wanted (%s) but model %s/%s is not available: %v; staying on %s",
			reason, c.cfg.FallbackProvider, c.cfg.FallbackModel, err, c.state.PrimaryModel))
		return
	}
	if err := c.swap(resolved); err != nil {
		c.notify(fmt.Sprintf("fallback swap to %s failed: %v; staying on %s", resolved, err, c.state.PrimaryModel))
		return
	}

	c.state.Active = true
	c.state.ActivatedAt = c.clock()
	c.state.Activations++
	c.state.FallbackModel = resolved
	c.state.LastProbeAt = time.Time{}
	c.state.ProbeCount = 0
	c.notify(fmt.Sprintf("switched to fallback model %s: %s", resolved, reason))
}

// probe attempts to swap back to the primary model.
func (c *Controller) probe(now time.Time) {
	c.state.LastProbeAt = now

	if err := c.swap(c.state.PrimaryModel); err != nil {
		c.state.ProbeCount++
		return
	}

	c.state.Active = false
	c.state.ActivatedAt = time.Time{}
	c.state.FallbackModel = ""
	c.state.ProbeCount = 0
	c.consecutiveFailures = 0
	c.notify(fmt.Sprintf("recovered to primary model %s", c.state.PrimaryModel))
}

func (c *Controller) notify(message string) {
	if c.notifier != nil {
		c.notifier.Notify(message)
	}
}
