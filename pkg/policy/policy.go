package policy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shopcrawl/pkg/config"
	"shopcrawl/pkg/models"
)

// State names one position in the per-host anti-detection state machine.
type State string

const (
	StateNormal    State = "NORMAL"    // Base delay, rotating identities
	StateThrottled State = "THROTTLED" // Transient overload, delay multiplied
	StateBackoff   State = "BACKOFF"   // Defensive failure, cooling down until blockedUntil
	StateBlocked   State = "BLOCKED"   // Excluded for the remainder of the session
)

// hostState is the mutable per-host record. Guarded by Registry.mu.
type hostState struct {
	state                State
	identityCursor       int
	consecutiveTransient int
	consecutiveDefensive int
	currentDelay         time.Duration
	blockedUntil         time.Time
	lastRequest          time.Time
}

// Registry owns per-host fetch policy state for one crawl session.
// It is never global: multiple sessions in the same process each carry
// their own Registry.
type Registry struct {
	mu    sync.Mutex
	hosts map[string]*hostState
	cfg   config.PolicyConfig
	clock Clock
	log   *logrus.Entry

	// onBlocked is invoked (outside the lock) when a host transitions to
	// BLOCKED, so the scheduler can drop its pending tasks.
	onBlocked func(host string)
}

// NewRegistry creates a session-scoped policy registry.
func NewRegistry(cfg config.PolicyConfig, clock Clock, log *logrus.Entry) *Registry {
	if clock == nil {
		clock = RealClock()
	}
	return &Registry{
		hosts: make(map[string]*hostState),
		cfg:   cfg,
		clock: clock,
		log:   log,
	}
}

// Clock returns the registry's time source, shared with collaborators
// that must sleep out policy delays.
func (r *Registry) Clock() Clock {
	return r.clock
}

// OnBlocked registers the callback fired when a host becomes BLOCKED.
func (r *Registry) OnBlocked(fn func(host string)) {
	r.mu.Lock()
	r.onBlocked = fn
	r.mu.Unlock()
}

// get returns the host record, initializing it lazily. Caller holds r.mu.
func (r *Registry) get(host string) *hostState {
	hs, ok := r.hosts[host]
	if !ok {
		hs = &hostState{
			state:          StateNormal,
			identityCursor: rand.Intn(len(r.cfg.Identities)),
			currentDelay:   r.cfg.BaseDelay,
		}
		r.hosts[host] = hs
	}
	return hs
}

// IdentityFor returns the identity currently selected for the host.
func (r *Registry) IdentityFor(host string) config.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := r.get(host)
	return r.cfg.Identities[hs.identityCursor%len(r.cfg.Identities)]
}

// DelayFor returns how long the caller must wait before issuing the next
// request to the host: the remainder of the inter-request delay, extended
// to blockedUntil while the host is in BACKOFF. Zero means go now.
func (r *Registry) DelayFor(host string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := r.get(host)
	now := r.clock.Now()

	var wait time.Duration
	if !hs.lastRequest.IsZero() {
		if elapsed := now.Sub(hs.lastRequest); elapsed < hs.currentDelay {
			wait = hs.currentDelay - elapsed
		}
	}
	if hs.state == StateBackoff && hs.blockedUntil.After(now) {
		if cooldown := hs.blockedUntil.Sub(now); cooldown > wait {
			wait = cooldown
		}
	}
	return wait
}

// RecordRequest marks the request instant for the host's delay accounting.
// Call immediately before issuing the request.
func (r *Registry) RecordRequest(host string) {
	r.mu.Lock()
	r.get(host).lastRequest = r.clock.Now()
	r.mu.Unlock()
}

// RecordSuccess resets the host to NORMAL and clears the failure counters.
// The identity rotation cursor is deliberately left where it is.
func (r *Registry) RecordSuccess(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := r.get(host)
	if hs.state == StateBlocked {
		return // Blocked is terminal for the session
	}
	hs.state = StateNormal
	hs.consecutiveTransient = 0
	hs.consecutiveDefensive = 0
	hs.currentDelay = r.cfg.BaseDelay
	hs.blockedUntil = time.Time{}
}

// RecordFailure feeds one classified fetch failure into the state machine
// and returns the host's new state.
//
// Transient failures throttle: after TransientThreshold consecutive ones
// the delay multiplies (capped at MaxDelay) and an alternate identity is
// selected. Defensive failures (captcha, explicit block) start a cooldown
// window; DefensiveThreshold consecutive defensive failures block the
// host for the remainder of the session.
func (r *Registry) RecordFailure(host string, kind models.FetchErrorKind) State {
	r.mu.Lock()
	hs := r.get(host)

	if hs.state == StateBlocked {
		r.mu.Unlock()
		return StateBlocked
	}

	var notifyBlocked bool
	if kind.Defensive() {
		hs.consecutiveTransient = 0
		hs.consecutiveDefensive++
		if hs.consecutiveDefensive >= r.cfg.DefensiveThreshold {
			hs.state = StateBlocked
			notifyBlocked = true
			r.log.WithFields(logrus.Fields{"host": host, "defensive_failures": hs.consecutiveDefensive}).
				Warn("Host blocked for remainder of session")
		} else {
			hs.state = StateBackoff
			hs.blockedUntil = r.clock.Now().Add(r.cfg.CooldownWindow)
			hs.identityCursor++
			r.log.WithFields(logrus.Fields{
				"host": host, "kind": kind, "blocked_until": hs.blockedUntil,
			}).Warn("Defensive failure detected, host entering cooldown")
		}
	} else {
		hs.consecutiveTransient++
		if hs.consecutiveTransient >= r.cfg.TransientThreshold {
			hs.state = StateThrottled
			hs.consecutiveTransient = 0
			next := time.Duration(float64(hs.currentDelay) * r.cfg.BackoffFactor)
			if next > r.cfg.MaxDelay {
				next = r.cfg.MaxDelay
			}
			hs.currentDelay = next
			hs.identityCursor++
			r.log.WithFields(logrus.Fields{"host": host, "delay": hs.currentDelay}).
				Info("Host throttled, backoff delay increased")
		}
	}

	state := hs.state
	onBlocked := r.onBlocked
	r.mu.Unlock()

	if notifyBlocked && onBlocked != nil {
		onBlocked(host)
	}
	return state
}

// StateOf returns the host's current state without mutating it.
func (r *Registry) StateOf(host string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(host).state
}

// IsBlocked reports whether the host is excluded for this session.
func (r *Registry) IsBlocked(host string) bool {
	return r.StateOf(host) == StateBlocked
}

// BlockedUntil returns the end of the host's cooldown window (zero when
// the host is not cooling down).
func (r *Registry) BlockedUntil(host string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(host).blockedUntil
}

// Penalty converts the host's state into a priority decay term for the
// frontier: hosts under remediation sink below healthy ones.
func (r *Registry) Penalty(host string) float64 {
	switch r.StateOf(host) {
	case StateThrottled:
		return 10
	case StateBackoff:
		return 30
	case StateBlocked:
		return 1000
	default:
		return 0
	}
}

// BlockedHosts lists hosts excluded so far, for summary statistics.
func (r *Registry) BlockedHosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var blocked []string
	for host, hs := range r.hosts {
		if hs.state == StateBlocked {
			blocked = append(blocked, host)
		}
	}
	return blocked
}
