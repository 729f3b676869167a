package authflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/authflow/csrf"
	internalaudit "github.com/MrEthical07/authflow/internal/audit"
	"github.com/MrEthical07/authflow/internal/schedule"
	"github.com/MrEthical07/authflow/otc"
	"github.com/MrEthical07/authflow/session"
	"go.uber.org/zap"
)

// Orchestrator drives one client's authentication state machine.
//
// Mutating operations are serialised: a call made while another one is in
// flight fails with ErrAuthInProgress. Logout is the exception; it always
// runs and invalidates whatever is in flight, whose result is then discarded
// with ErrStaleResult.
type Orchestrator struct {
	config     Config
	provider   IdentityProvider
	directory  UserDirectory
	csrf       *csrf.Guard
	sessions   *session.Manager
	codes      CodeChallenger
	otcService *otc.Service
	scheduler  *schedule.Scheduler
	audit      *internalaudit.Dispatcher
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time

	stateMu sync.RWMutex
	state   AuthState
	// generation changes on every logout; guarded by stateMu.
	generation uint64
	// pending holds the provider tokens of a sign-in waiting for its code.
	pending              *ProviderSession
	lastVerificationSent time.Time
	timeout              *schedule.Task
	subs                 map[uint64]func(AuthState)
	nextSub              uint64

	// notifyMu keeps subscriber deliveries in transition order.
	notifyMu sync.Mutex

	busy   atomic.Bool
	closed atomic.Bool
}

// State returns the current snapshot.
func (o *Orchestrator) State() AuthState {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

// Subscribe registers fn for every state change and returns its cancel func.
// fn runs synchronously on the goroutine that made the transition and must
// not call mutating Orchestrator methods.
func (o *Orchestrator) Subscribe(fn func(AuthState)) (cancel func()) {
	o.stateMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.stateMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.stateMu.Lock()
			delete(o.subs, id)
			o.stateMu.Unlock()
		})
	}
}

// LastVerificationSent is when the last verification mail went out for the
// current client, zero if none since logout.
func (o *Orchestrator) LastVerificationSent() time.Time {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.lastVerificationSent
}

// CSRFToken returns the token of this client's scope, creating one if needed.
func (o *Orchestrator) CSRFToken(ctx context.Context) (string, error) {
	if o.closed.Load() {
		return "", ErrOrchestratorNotReady
	}
	return o.csrf.Issue(ctx, o.config.CSRF.Scope)
}

// Sessions exposes the session manager, e.g. to mount guard middleware.
func (o *Orchestrator) Sessions() *session.Manager {
	return o.sessions
}

// MetricsSnapshot returns the current counters.
func (o *Orchestrator) MetricsSnapshot() MetricsSnapshot {
	return o.metrics.Snapshot()
}

// Close cancels background work. The orchestrator rejects further calls.
func (o *Orchestrator) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	o.stateMu.Lock()
	o.timeout.Stop()
	o.timeout = nil
	o.stateMu.Unlock()

	o.scheduler.Close()
	if o.otcService != nil {
		o.otcService.Close()
	}
	o.audit.Close()
}

// begin claims the single operation slot and returns the generation the
// operation runs under.
func (o *Orchestrator) begin() (uint64, error) {
	if o.closed.Load() {
		return 0, ErrOrchestratorNotReady
	}
	if !o.busy.CompareAndSwap(false, true) {
		return 0, ErrAuthInProgress
	}
	o.stateMu.RLock()
	gen := o.generation
	o.stateMu.RUnlock()
	return gen, nil
}

func (o *Orchestrator) end() {
	o.busy.Store(false)
}

// commit applies fn if no logout happened since gen and reports whether it did.
func (o *Orchestrator) commit(gen uint64, fn func(s *AuthState)) bool {
	o.stateMu.Lock()
	if o.generation != gen {
		o.stateMu.Unlock()
		return false
	}
	fn(&o.state)
	o.publishLocked()
	return true
}

// transition applies fn unconditionally.
func (o *Orchestrator) transition(fn func(s *AuthState)) {
	o.stateMu.Lock()
	fn(&o.state)
	o.publishLocked()
}

// publishLocked releases stateMu and delivers the new state to subscribers.
func (o *Orchestrator) publishLocked() {
	snapshot := o.state
	subs := make([]func(AuthState), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.notifyMu.Lock()
	o.stateMu.Unlock()
	defer o.notifyMu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

func (o *Orchestrator) generationChanged(gen uint64) bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.generation != gen
}

// discard undoes whatever an operation overtaken by a logout left behind: its
// cookies and its provider sign-in.
func (o *Orchestrator) discard(ctx context.Context, op string) error {
	o.sessions.Clear()
	if err := o.provider.SignOut(ctx); err != nil {
		o.logger.Warn("provider sign-out failed", zap.Error(err))
	}
	o.metrics.Inc(MetricStaleResultDiscarded)
	o.logger.Info("discarding stale result", zap.String("op", op))
	return ErrStaleResult
}

// armTimeout schedules the automatic logout of the session established
// under gen.
func (o *Orchestrator) armTimeout(gen uint64) {
	d := o.config.Session.Timeout
	if d <= 0 {
		return
	}
	task, err := o.scheduler.After(d, func(ctx context.Context) {
		if o.generationChanged(gen) {
			return
		}
		o.metrics.Inc(MetricSessionTimeout)
		o.logger.Info("session timed out")
		// logout stops this task, which cancels ctx.
		o.logout(context.WithoutCancel(ctx), AuditSessionTimeout)
	})
	if err != nil {
		o.logger.Warn("session timeout not scheduled", zap.Error(err))
		return
	}

	o.stateMu.Lock()
	prev := o.timeout
	o.timeout = task
	o.stateMu.Unlock()
	prev.Stop()
}

// Logout always succeeds. It cancels anything in flight, clears the session
// and returns to Anonymous. Provider sign-out failures are logged.
func (o *Orchestrator) Logout(ctx context.Context) {
	o.logout(ctx, AuditLogout)
}

func (o *Orchestrator) logout(ctx context.Context, reason string) {
	var id *Identity
	o.stateMu.Lock()
	o.generation++
	o.timeout.Stop()
	o.timeout = nil
	o.pending = nil
	o.lastVerificationSent = time.Time{}
	id = o.state.Identity
	o.state = AuthState{Status: StatusAnonymous}
	o.sessions.Clear()
	o.publishLocked()

	if err := o.provider.SignOut(ctx); err != nil {
		o.logger.Warn("provider sign-out failed", zap.Error(err))
	}
	if reason == AuditLogout {
		o.metrics.Inc(MetricLogout)
	}
	o.emitAudit(ctx, reason, id, true, nil, nil)
}

// forceLogout ends the session after an unrecoverable error and records it.
func (o *Orchestrator) forceLogout(ctx context.Context, cause error) {
	o.logout(ctx, AuditLogout)
	o.transition(func(s *AuthState) { s.LastError = cause })
}

// fail returns to Anonymous with err recorded, unless a logout overtook the
// operation.
func (o *Orchestrator) fail(gen uint64, err error) {
	o.commit(gen, func(s *AuthState) {
		*s = AuthState{Status: StatusAnonymous, LastError: err}
	})
}
