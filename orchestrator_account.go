package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// verificationResendCooldown spaces verification mails for one client.
const verificationResendCooldown = time.Minute

// ResetPassword asks the provider to mail a reset link to email. It does not
// touch the state machine.
func (o *Orchestrator) ResetPassword(ctx context.Context, email string) error {
	if o.closed.Load() {
		return ErrOrchestratorNotReady
	}
	err := o.provider.SendPasswordResetEmail(ctx, strings.TrimSpace(email))
	if err == nil {
		o.metrics.Inc(MetricPasswordResetRequest)
	}
	o.emitAudit(ctx, AuditPasswordReset, &Identity{Email: email}, err == nil, err, nil)
	return err
}

// Reauthenticate confirms the password of the signed-in user.
func (o *Orchestrator) Reauthenticate(ctx context.Context, password string) error {
	if o.closed.Load() {
		return ErrOrchestratorNotReady
	}
	st := o.State()
	if !st.Authenticated() {
		return ErrNotAuthenticated
	}
	err := o.provider.Reauthenticate(ctx, password)
	o.emitAudit(ctx, AuditReauthenticate, st.Identity, err == nil, err, nil)
	return err
}

// ChangeEmail re-authenticates and then moves the user record to newEmail.
func (o *Orchestrator) ChangeEmail(ctx context.Context, newEmail, password string) error {
	gen, err := o.begin()
	if err != nil {
		return err
	}
	defer o.end()

	st := o.State()
	if !st.Authenticated() {
		return ErrNotAuthenticated
	}
	id := *st.Identity
	newEmail = strings.TrimSpace(newEmail)
	if newEmail == "" || !strings.Contains(newEmail, "@") {
		return fmt.Errorf("invalid email %q", newEmail)
	}

	if err := o.provider.Reauthenticate(ctx, password); err != nil {
		o.emitAudit(ctx, AuditReauthenticate, &id, false, err, nil)
		return err
	}
	err = o.directory.UpdateEmail(ctx, id.UID, newEmail)
	if o.generationChanged(gen) {
		return ErrStaleResult
	}
	if err != nil {
		o.emitAudit(ctx, AuditEmailChange, &id, false, err, nil)
		return err
	}

	id.Email = newEmail
	o.commit(gen, func(s *AuthState) {
		s.Identity = &id
		s.LastError = nil
	})
	o.metrics.Inc(MetricEmailChanged)
	o.emitAudit(ctx, AuditEmailChange, &id, true, nil, nil)
	return nil
}

// ConfirmEmailVerification applies the code from a verification link and
// marks the record of the account the link belongs to verified. Client state
// changes only when that account is the one signed in here; the user signs in
// again afterwards.
func (o *Orchestrator) ConfirmEmailVerification(ctx context.Context, code string) error {
	gen, err := o.begin()
	if err != nil {
		return err
	}
	defer o.end()

	uid, err := o.provider.ApplyVerificationCode(ctx, code)
	if err != nil {
		o.emitAudit(ctx, AuditEmailVerification, nil, false, err, nil)
		return err
	}
	o.metrics.Inc(MetricEmailVerified)

	verified := true
	if uid != "" {
		_, err := o.directory.MergeUser(ctx, uid, ProfileUpdate{EmailVerified: &verified})
		if err != nil && !errors.Is(err, ErrUserRecordNotFound) {
			o.logger.Warn("marking record verified failed", zap.String("uid", uid), zap.Error(err))
			return err
		}
	}

	st := o.State()
	if st.Identity == nil || st.Identity.UID != uid {
		o.emitAudit(ctx, AuditEmailVerification, &Identity{UID: uid}, true, nil, nil)
		return nil
	}
	id := *st.Identity
	id.EmailVerified = true
	o.commit(gen, func(s *AuthState) {
		s.Identity = &id
		s.LastError = nil
	})
	o.emitAudit(ctx, AuditEmailVerification, &id, true, nil, nil)
	return nil
}

// ResendVerificationEmail mails a new verification link to a client waiting
// in EmailUnverified. Sends are spaced by one minute.
func (o *Orchestrator) ResendVerificationEmail(ctx context.Context) error {
	gen, err := o.begin()
	if err != nil {
		return err
	}
	defer o.end()

	o.stateMu.RLock()
	st := o.state
	last := o.lastVerificationSent
	o.stateMu.RUnlock()
	if st.Status != StatusEmailUnverified || st.Identity == nil {
		return ErrInvalidTransition
	}
	now := o.now()
	if !last.IsZero() && now.Sub(last) < verificationResendCooldown {
		return ErrRateLimited
	}

	if err := o.provider.SendVerificationEmail(ctx, *st.Identity); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	o.stateMu.Lock()
	if o.generation == gen {
		o.lastVerificationSent = now
	}
	o.stateMu.Unlock()
	return nil
}
