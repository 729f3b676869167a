package authflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authflow/csrf"
	"github.com/MrEthical07/authflow/session"
	"go.uber.org/zap"
)

// Signup creates the account, sends the verification mail, stores a fresh CSRF
// token for the user and creates the user record. The client ends in
// EmailUnverified; no session is established.
func (o *Orchestrator) Signup(ctx context.Context, email, password string) (Identity, error) {
	gen, err := o.begin()
	if err != nil {
		return Identity{}, err
	}
	defer o.end()

	if o.State().Status == StatusAuthenticated {
		return Identity{}, ErrInvalidTransition
	}
	o.commit(gen, func(s *AuthState) {
		*s = AuthState{Status: StatusAuthenticating, Loading: true}
	})

	ps, err := o.provider.CreateAccount(ctx, email, password)
	if err != nil {
		o.metrics.Inc(MetricSignupFailure)
		o.emitAudit(ctx, AuditSignup, &Identity{Email: email}, false, err, nil)
		if o.generationChanged(gen) {
			return Identity{}, ErrStaleResult
		}
		o.fail(gen, err)
		return Identity{}, err
	}
	id := ps.Identity

	sendErr := o.provider.SendVerificationEmail(ctx, id)
	if sendErr != nil {
		o.logger.Warn("verification mail failed", zap.String("uid", id.UID), zap.Error(sendErr))
	}

	token, err := o.csrf.Rotate(ctx, o.config.CSRF.Scope)
	if err == nil {
		err = o.directory.SaveCSRFToken(ctx, id.UID, token)
	}
	if err == nil {
		err = o.directory.CreateUser(ctx, NewUserRecord(id, o.now()))
	}
	if o.generationChanged(gen) {
		return Identity{}, ErrStaleResult
	}
	if err != nil {
		err = fmt.Errorf("create user record: %w", err)
		o.metrics.Inc(MetricSignupFailure)
		o.emitAudit(ctx, AuditSignup, &id, false, err, nil)
		o.fail(gen, err)
		return Identity{}, err
	}

	now := o.now()
	o.commit(gen, func(s *AuthState) {
		*s = AuthState{Status: StatusEmailUnverified, Identity: &id}
		if sendErr == nil {
			o.lastVerificationSent = now
		}
	})
	o.metrics.Inc(MetricSignupSuccess)
	o.emitAudit(ctx, AuditSignup, &id, true, nil, nil)

	if sendErr != nil {
		return id, fmt.Errorf("send verification email: %w", sendErr)
	}
	return id, nil
}

// Login validates csrfToken, then signs in with the provider. Unverified
// accounts get one verification mail and ErrEmailNotVerified; accounts that
// require a second factor are left in TwoFactorPending with a code sent.
// Everything else ends Authenticated with a session established.
func (o *Orchestrator) Login(ctx context.Context, email, password, csrfToken string) (LoginResult, error) {
	start := o.now()
	defer func() { o.metrics.Observe(MetricLoginLatency, o.now().Sub(start)) }()

	if o.closed.Load() {
		return LoginResult{}, ErrOrchestratorNotReady
	}
	if err := o.checkCSRF(ctx, csrfToken, email); err != nil {
		o.metrics.Inc(MetricLoginFailure)
		return LoginResult{}, err
	}

	gen, err := o.begin()
	if err != nil {
		return LoginResult{}, err
	}
	defer o.end()

	prev, err := o.startSignIn(gen)
	if err != nil {
		return LoginResult{}, err
	}

	ps, err := o.provider.SignIn(ctx, email, password)
	if err != nil {
		o.metrics.Inc(MetricLoginFailure)
		o.emitAudit(ctx, AuditLogin, &Identity{Email: email}, false, err, nil)
		if o.generationChanged(gen) {
			return LoginResult{}, ErrStaleResult
		}
		o.fail(gen, err)
		return LoginResult{}, err
	}
	return o.completeSignIn(ctx, gen, prev, ps, nil, AuditLogin, MetricLoginSuccess)
}

// LoginWithFederatedProvider finishes a third-party sign-in. cred.State is
// validated as the CSRF token before the provider is contacted. The user
// record is created on first sign-in and refreshed from the provider profile
// afterwards.
func (o *Orchestrator) LoginWithFederatedProvider(ctx context.Context, cred FederatedCredential) (LoginResult, error) {
	start := o.now()
	defer func() { o.metrics.Observe(MetricLoginLatency, o.now().Sub(start)) }()

	if o.closed.Load() {
		return LoginResult{}, ErrOrchestratorNotReady
	}
	if err := o.checkCSRF(ctx, cred.State, ""); err != nil {
		o.metrics.Inc(MetricFederatedLoginFailure)
		return LoginResult{}, err
	}

	gen, err := o.begin()
	if err != nil {
		return LoginResult{}, err
	}
	defer o.end()

	prev, err := o.startSignIn(gen)
	if err != nil {
		return LoginResult{}, err
	}

	ps, err := o.provider.SignInFederated(ctx, cred)
	if err == nil {
		var rec *UserRecord
		rec, err = o.upsertFederated(ctx, ps.Identity)
		if err == nil {
			err = o.saveCSRFToken(ctx, ps.Identity.UID)
		}
		if err == nil {
			return o.completeSignIn(ctx, gen, prev, ps, rec, AuditFederatedLogin, MetricFederatedLoginSuccess)
		}
	}

	o.metrics.Inc(MetricFederatedLoginFailure)
	o.emitAudit(ctx, AuditFederatedLogin, &ps.Identity, false, err, map[string]string{"provider": cred.Provider})
	if o.generationChanged(gen) {
		return LoginResult{}, ErrStaleResult
	}
	o.fail(gen, err)
	return LoginResult{}, err
}

// Verify2FA checks code against the outstanding challenge. A wrong, expired or
// missing code leaves the client in TwoFactorPending.
func (o *Orchestrator) Verify2FA(ctx context.Context, code string) (LoginResult, error) {
	gen, err := o.begin()
	if err != nil {
		return LoginResult{}, err
	}
	defer o.end()

	o.stateMu.RLock()
	prev := o.state
	pending := o.pending
	o.stateMu.RUnlock()
	if prev.Status != StatusTwoFactorPending || prev.Identity == nil || pending == nil {
		return LoginResult{}, ErrInvalidTransition
	}
	id := *prev.Identity

	err = o.codes.Verify(ctx, id.Email, code)
	if o.generationChanged(gen) {
		return LoginResult{}, ErrStaleResult
	}
	if err != nil {
		o.metrics.Inc(MetricTwoFactorFailure)
		o.emitAudit(ctx, AuditTwoFactorVerify, &id, false, err, nil)
		o.commit(gen, func(s *AuthState) { s.LastError = err })
		return LoginResult{Identity: id, TwoFactorRequired: true}, err
	}
	o.metrics.Inc(MetricTwoFactorSuccess)
	o.emitAudit(ctx, AuditTwoFactorVerify, &id, true, nil, nil)

	return o.establish(ctx, gen, prev, id, *pending, AuditLogin, MetricLoginSuccess)
}

// Resend2FACode issues a new code for the pending sign-in, replacing the old one.
func (o *Orchestrator) Resend2FACode(ctx context.Context) error {
	gen, err := o.begin()
	if err != nil {
		return err
	}
	defer o.end()

	st := o.State()
	if st.Status != StatusTwoFactorPending || st.Identity == nil {
		return ErrInvalidTransition
	}
	err = o.sendCode(ctx, *st.Identity)
	o.commit(gen, func(s *AuthState) { s.LastError = err })
	return err
}

// checkCSRF validates the submitted token before any provider call. A
// mismatch resets the client to Anonymous with its cookies cleared. When
// another sign-in is in flight or has already completed, the mismatched
// submission is only rejected and the state is left to that sign-in.
func (o *Orchestrator) checkCSRF(ctx context.Context, token, email string) error {
	err := o.csrf.Validate(ctx, o.config.CSRF.Scope, token)
	if err == nil {
		return nil
	}

	o.metrics.Inc(MetricCSRFMismatch)
	o.emitAudit(ctx, AuditCSRFMismatch, &Identity{Email: email}, false, err, nil)
	if !errors.Is(err, csrf.ErrMismatch) {
		o.logger.Error("csrf validation failed", zap.Error(err))
		return err
	}
	if o.busy.Load() || o.State().Status == StatusAuthenticated {
		return ErrCSRFMismatch
	}

	o.stateMu.Lock()
	o.timeout.Stop()
	o.timeout = nil
	o.pending = nil
	o.state = AuthState{Status: StatusAnonymous, LastError: ErrCSRFMismatch}
	o.sessions.Clear()
	o.publishLocked()
	return ErrCSRFMismatch
}

// startSignIn moves to Authenticating and returns the state to roll back to.
func (o *Orchestrator) startSignIn(gen uint64) (AuthState, error) {
	prev := o.State()
	if prev.Status == StatusAuthenticated {
		return prev, ErrInvalidTransition
	}
	o.commit(gen, func(s *AuthState) {
		*s = AuthState{Status: StatusAuthenticating, Loading: true}
	})
	return prev, nil
}

// completeSignIn applies the verification gate, loads the user record when rec
// is nil, applies the second-factor gate and finally establishes the session.
func (o *Orchestrator) completeSignIn(ctx context.Context, gen uint64, prev AuthState, ps ProviderSession, rec *UserRecord, event string, success MetricID) (LoginResult, error) {
	id := ps.Identity

	if !id.EmailVerified {
		o.metrics.Inc(MetricLoginUnverified)
		sendErr := o.provider.SendVerificationEmail(ctx, id)
		if o.generationChanged(gen) {
			return LoginResult{}, o.discard(ctx, event)
		}
		now := o.now()
		o.commit(gen, func(s *AuthState) {
			*s = AuthState{Status: StatusEmailUnverified, Identity: &id, LastError: ErrEmailNotVerified}
			if sendErr == nil {
				o.lastVerificationSent = now
			}
		})
		o.emitAudit(ctx, event, &id, false, ErrEmailNotVerified, nil)
		if sendErr != nil {
			o.logger.Warn("verification mail failed", zap.String("uid", id.UID), zap.Error(sendErr))
			return LoginResult{Identity: id}, errors.Join(ErrEmailNotVerified, fmt.Errorf("send verification email: %w", sendErr))
		}
		return LoginResult{Identity: id}, ErrEmailNotVerified
	}

	if rec == nil {
		var err error
		rec, err = o.directory.GetUser(ctx, id.UID)
		if o.generationChanged(gen) {
			return LoginResult{}, o.discard(ctx, event)
		}
		if errors.Is(err, ErrUserRecordNotFound) {
			o.inconsistent(ctx, id, err)
			return LoginResult{}, ErrStoreInconsistency
		}
		if err != nil {
			o.fail(gen, err)
			return LoginResult{}, err
		}
	}
	if rec.Role != "" {
		id.Role = rec.Role
	}

	if rec.Requires2FA {
		o.metrics.Inc(MetricTwoFactorRequired)
		held := ps
		held.Identity = id
		ok := o.commit(gen, func(s *AuthState) {
			*s = AuthState{Status: StatusTwoFactorPending, Identity: &id, Requires2FA: true}
			o.pending = &held
		})
		if !ok {
			return LoginResult{}, o.discard(ctx, event)
		}
		res := LoginResult{Identity: id, TwoFactorRequired: true}
		if err := o.sendCode(ctx, id); err != nil {
			o.commit(gen, func(s *AuthState) { s.LastError = err })
			return res, err
		}
		return res, nil
	}

	return o.establish(ctx, gen, prev, id, ps, event, success)
}

// establish writes the session and enters Authenticated. On failure the state
// before the sign-in started is restored.
func (o *Orchestrator) establish(ctx context.Context, gen uint64, prev AuthState, id Identity, ps ProviderSession, event string, success MetricID) (LoginResult, error) {
	err := o.sessions.Establish(ctx, session.Grant{
		Subject:      id.UID,
		AccessToken:  ps.AccessToken,
		RefreshToken: ps.RefreshToken,
	})
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrSessionEstablish, err)
		o.metrics.Inc(MetricSessionEstablishFailure)
		o.emitAudit(ctx, AuditSessionEstablish, &id, false, err, nil)
		ok := o.commit(gen, func(s *AuthState) {
			*s = prev
			s.Loading = false
			s.LastError = err
		})
		if !ok {
			return LoginResult{}, o.discard(ctx, event)
		}
		return LoginResult{}, err
	}

	ok := o.commit(gen, func(s *AuthState) {
		*s = AuthState{Status: StatusAuthenticated, Identity: &id}
		o.pending = nil
	})
	if !ok {
		return LoginResult{}, o.discard(ctx, event)
	}
	o.armTimeout(gen)

	o.metrics.Inc(MetricSessionEstablished)
	o.metrics.Inc(success)
	o.emitAudit(ctx, event, &id, true, nil, nil)
	return LoginResult{Identity: id}, nil
}

func (o *Orchestrator) sendCode(ctx context.Context, id Identity) error {
	err := o.codes.Send(ctx, id.Email)
	switch {
	case err == nil:
		o.metrics.Inc(MetricCodeIssued)
	case errors.Is(err, ErrRateLimited):
		o.metrics.Inc(MetricCodeRateLimited)
	default:
		o.logger.Error("code dispatch failed", zap.String("uid", id.UID), zap.Error(err))
	}
	o.emitAudit(ctx, AuditTwoFactorIssued, &id, err == nil, err, nil)
	return err
}

// upsertFederated creates the record of a first federated sign-in or merges
// fresh profile values into the existing one.
func (o *Orchestrator) upsertFederated(ctx context.Context, id Identity) (*UserRecord, error) {
	rec, err := o.directory.GetUser(ctx, id.UID)
	if errors.Is(err, ErrUserRecordNotFound) {
		fresh := NewUserRecord(id, o.now())
		if fresh.Name == "" {
			fresh.Name = "Unnamed"
		}
		if err := o.directory.CreateUser(ctx, fresh); err != nil {
			return nil, fmt.Errorf("create user record: %w", err)
		}
		return &fresh, nil
	}
	if err != nil {
		return nil, err
	}

	update := ProfileUpdate{
		Name:           id.DisplayName,
		Email:          id.Email,
		ProfilePicture: id.PhotoURL,
	}
	if id.EmailVerified && !rec.EmailVerified {
		verified := true
		update.EmailVerified = &verified
	}
	return o.directory.MergeUser(ctx, id.UID, update)
}

func (o *Orchestrator) saveCSRFToken(ctx context.Context, uid string) error {
	token, err := o.csrf.Issue(ctx, o.config.CSRF.Scope)
	if err != nil {
		return err
	}
	return o.directory.SaveCSRFToken(ctx, uid, token)
}

// inconsistent handles a provider session whose user record is missing.
func (o *Orchestrator) inconsistent(ctx context.Context, id Identity, cause error) {
	o.metrics.Inc(MetricStoreInconsistency)
	o.logger.Error("user record missing for provider session", zap.String("uid", id.UID), zap.Error(cause))
	o.emitAudit(ctx, AuditStoreInconsistent, &id, false, cause, nil)
	o.forceLogout(ctx, ErrStoreInconsistency)
}
