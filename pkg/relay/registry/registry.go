// Package registry tracks every live session in the process: lifecycle
// phase, identity key, last activity, and the pending authoritative override
// for the turn in flight. The map is safe for concurrent use across
// sessions; a single session's entry is only ever mutated by the event loop
// that owns it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type Phase int

const (
	PhaseCreated Phase = iota
	PhasePromptConfigured
	PhaseAudioActive
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhasePromptConfigured:
		return "prompt_configured"
	case PhaseAudioActive:
		return "audio_active"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

var (
	ErrNotFound = errors.New("session not found")
	// ErrBadPhase marks a protocol violation: an operation arrived outside
	// the phase that permits it.
	ErrBadPhase = errors.New("operation not legal in current phase")
)

// Override is an authoritative answer waiting to be injected into the
// outbound stream for the turn in progress. The applied flags enforce the
// single-application invariant: each leg of the override (display, audio) is
// claimable exactly once.
type Override struct {
	Text             string
	Category         string
	IsFactQuery      bool
	AppliedToDisplay bool
	AppliedToAudio   bool
}

// Handle lets the registry reach into a running session from the outside:
// the idle reaper and process drain both terminate through it. Terminate
// must be idempotent.
type Handle struct {
	Terminate func()
	Warn      func(code, message string) error
}

type entry struct {
	id           string
	phase        Phase
	identityKey  string
	lastActivity time.Time
	override     *Override
	handle       Handle
	once         sync.Once
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
	now      func() time.Time
}

func New() *Registry {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{sessions: make(map[string]*entry), now: now}
}

// Create inserts a session in PhaseCreated and returns its unregister
// function. Registering an id that already exists replaces the old entry and
// releases it.
func (r *Registry) Create(sessionID string, h Handle) (unregister func()) {
	e := &entry{id: sessionID, phase: PhaseCreated, lastActivity: r.now(), handle: h}

	r.mu.Lock()
	old := r.sessions[sessionID]
	r.sessions[sessionID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.release(sessionID, old)
	}
	return func() { r.release(sessionID, e) }
}

func (r *Registry) release(sessionID string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions[sessionID] == e {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Remove deletes the session outright. Safe to call for ids that are already
// gone.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	e := r.sessions[sessionID]
	r.mu.Unlock()
	if e != nil {
		r.release(sessionID, e)
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Touch refreshes the session's activity clock. Called on every inbound and
// outbound event.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.sessions[sessionID]; e != nil {
		e.lastActivity = r.now()
	}
}

func (r *Registry) LastActivity(sessionID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[sessionID]
	if e == nil {
		return time.Time{}, false
	}
	return e.lastActivity, true
}

// SetIdentity stores the external lookup key. Without force it only sets an
// unset key (a phone number heard mid-utterance must not clobber an explicit
// one); with force it overwrites.
func (r *Registry) SetIdentity(sessionID, key string, force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[sessionID]
	if e == nil {
		return false
	}
	if e.identityKey != "" && !force {
		return false
	}
	e.identityKey = key
	e.lastActivity = r.now()
	return true
}

func (r *Registry) IdentityKey(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.sessions[sessionID]; e != nil {
		return e.identityKey
	}
	return ""
}

func (r *Registry) Phase(sessionID string) (Phase, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[sessionID]
	if e == nil {
		return PhaseClosed, false
	}
	return e.phase, true
}

// Advance moves the session to the requested phase, enforcing the legal
// transitions of the lifecycle machine. Closing is reachable from any
// non-terminal phase; Closed only from Closing.
func (r *Registry) Advance(sessionID string, to Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[sessionID]
	if e == nil {
		return ErrNotFound
	}

	legal := false
	switch to {
	case PhasePromptConfigured:
		legal = e.phase == PhaseCreated
	case PhaseAudioActive:
		legal = e.phase == PhasePromptConfigured
	case PhaseClosing:
		legal = e.phase != PhaseClosing && e.phase != PhaseClosed
	case PhaseClosed:
		legal = e.phase == PhaseClosing
	}
	if !legal {
		return fmt.Errorf("%w: %s -> %s", ErrBadPhase, e.phase, to)
	}
	e.phase = to
	return nil
}

// SetPendingOverride installs the authoritative answer for the current turn,
// replacing any previous one. At most one non-cleared override exists per
// session.
func (r *Registry) SetPendingOverride(sessionID string, o Override) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[sessionID]
	if e == nil {
		return false
	}
	ov := o
	e.override = &ov
	e.lastActivity = r.now()
	return true
}

func (r *Registry) PendingOverride(sessionID string) (Override, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[sessionID]
	if e == nil || e.override == nil {
		return Override{}, false
	}
	return *e.override, true
}

func (r *Registry) ClearPendingOverride(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.sessions[sessionID]; e != nil {
		e.override = nil
	}
}

// ClaimDisplay atomically marks the pending override as shown. It returns the
// override and true only for the first claim of a fact-query override; every
// later call reports false. This is the gate behind the single-application
// invariant for the text leg.
func (r *Registry) ClaimDisplay(sessionID string) (Override, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[sessionID]
	if e == nil || e.override == nil || !e.override.IsFactQuery || e.override.AppliedToDisplay {
		return Override{}, false
	}
	e.override.AppliedToDisplay = true
	return *e.override, true
}

// ClaimAudio is ClaimDisplay's counterpart for the synthesized-audio leg.
func (r *Registry) ClaimAudio(sessionID string) (Override, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[sessionID]
	if e == nil || e.override == nil || !e.override.IsFactQuery || e.override.AppliedToAudio {
		return Override{}, false
	}
	e.override.AppliedToAudio = true
	return *e.override, true
}

// OverrideDisplayed reports whether the pending override (if any) has been
// applied to the display leg.
func (r *Registry) OverrideDisplayed(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[sessionID]
	return e != nil && e.override != nil && e.override.AppliedToDisplay
}

// idleSession is a snapshot taken under the registry lock; the reaper must
// never touch entry fields directly, they belong to Touch and friends.
type idleSession struct {
	id      string
	idleFor time.Duration
	handle  Handle
}

// idleSessions returns snapshots of sessions idle past the threshold.
func (r *Registry) idleSessions(threshold time.Duration) []idleSession {
	now := r.now()
	cutoff := now.Add(-threshold)
	r.mu.Lock()
	defer r.mu.Unlock()
	var idle []idleSession
	for _, e := range r.sessions {
		if e.lastActivity.Before(cutoff) {
			idle = append(idle, idleSession{
				id:      e.id,
				idleFor: now.Sub(e.lastActivity),
				handle:  e.handle,
			})
		}
	}
	return idle
}

// WarnAll sends a warning to every live session, best effort.
func (r *Registry) WarnAll(code, message string) (sent int) {
	var warns []func(string, string) error
	r.mu.Lock()
	for _, e := range r.sessions {
		if e.handle.Warn != nil {
			warns = append(warns, e.handle.Warn)
		}
	}
	r.mu.Unlock()
	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// TerminateAll force-terminates every live session.
func (r *Registry) TerminateAll() (terminated int) {
	var terms []func()
	r.mu.Lock()
	for _, e := range r.sessions {
		if e.handle.Terminate != nil {
			terms = append(terms, e.handle.Terminate)
		}
	}
	r.mu.Unlock()
	for _, terminate := range terms {
		terminate()
		terminated++
	}
	return terminated
}

// Wait blocks until every session has unregistered or the context expires.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	if ctx == nil {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
