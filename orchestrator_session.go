package authflow

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Restore re-enters a previously established session, e.g. after a restart.
//
// With a provider user, the session cookies must be present and bound to that
// user, and the user record must exist. Without one, a valid cookie pair
// yields a provisional Authenticated state that is confirmed against the user
// record of the session subject. Anything else ends Anonymous with the
// session cleared.
func (o *Orchestrator) Restore(ctx context.Context) (AuthState, error) {
	gen, err := o.begin()
	if err != nil {
		return o.State(), err
	}
	defer o.end()

	o.commit(gen, func(s *AuthState) { s.Loading = true })

	current, err := o.provider.CurrentIdentity(ctx)
	if o.generationChanged(gen) {
		return o.State(), ErrStaleResult
	}
	if err != nil {
		o.commit(gen, func(s *AuthState) {
			s.Loading = false
			s.LastError = err
		})
		return o.State(), err
	}

	if !o.sessions.IsValid() {
		o.resetAnonymous(gen, nil)
		return o.State(), nil
	}
	uid, err := o.sessions.Verify(ctx)
	if err != nil || (current != nil && current.UID != uid) {
		o.logger.Info("discarding unusable session", zap.Error(err))
		o.resetAnonymous(gen, nil)
		return o.State(), nil
	}

	id := Identity{UID: uid}
	if current != nil {
		id = *current
	} else {
		provisional := id
		o.commit(gen, func(s *AuthState) {
			*s = AuthState{Status: StatusAuthenticated, Identity: &provisional, Provisional: true, Loading: true}
		})
	}

	rec, err := o.directory.GetUser(ctx, uid)
	if o.generationChanged(gen) {
		return o.State(), ErrStaleResult
	}
	if errors.Is(err, ErrUserRecordNotFound) {
		o.inconsistent(ctx, id, err)
		return o.State(), ErrStoreInconsistency
	}
	if err != nil {
		o.resetAnonymous(gen, err)
		return o.State(), err
	}

	id = identityFromRecord(id, rec)
	o.commit(gen, func(s *AuthState) {
		*s = AuthState{Status: StatusAuthenticated, Identity: &id}
	})
	o.armTimeout(gen)
	o.metrics.Inc(MetricSessionRestored)
	o.emitAudit(ctx, AuditSessionRestore, &id, true, nil, nil)
	return o.State(), nil
}

// RefreshSession exchanges the refresh token for a new access token. Failure
// is terminal: the client is logged out and ErrRefreshFailed is returned.
func (o *Orchestrator) RefreshSession(ctx context.Context) (string, error) {
	gen, err := o.begin()
	if err != nil {
		return "", err
	}
	defer o.end()

	st := o.State()
	if !st.Authenticated() {
		return "", ErrNotAuthenticated
	}

	access, err := o.sessions.Refresh(ctx)
	if o.generationChanged(gen) {
		return "", o.discard(ctx, AuditRefresh)
	}
	if err != nil {
		o.metrics.Inc(MetricRefreshFailure)
		o.emitAudit(ctx, AuditRefresh, st.Identity, false, err, nil)
		o.forceLogout(ctx, err)
		return "", err
	}

	o.armTimeout(gen)
	o.metrics.Inc(MetricRefreshSuccess)
	o.emitAudit(ctx, AuditRefresh, st.Identity, true, nil, nil)
	return access, nil
}

// IDToken returns the provider's identity token for the signed-in user.
func (o *Orchestrator) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	if o.closed.Load() {
		return "", ErrOrchestratorNotReady
	}
	if !o.State().Authenticated() {
		return "", ErrNotAuthenticated
	}
	return o.provider.IDToken(ctx, forceRefresh)
}

func (o *Orchestrator) resetAnonymous(gen uint64, cause error) {
	o.sessions.Clear()
	o.commit(gen, func(s *AuthState) {
		*s = AuthState{Status: StatusAnonymous, LastError: cause}
	})
}

func identityFromRecord(id Identity, rec *UserRecord) Identity {
	if id.Email == "" {
		id.Email = rec.Email
	}
	if id.DisplayName == "" {
		id.DisplayName = rec.Name
	}
	if id.PhotoURL == "" {
		id.PhotoURL = rec.ProfilePicture
	}
	if rec.Role != "" {
		id.Role = rec.Role
	}
	id.EmailVerified = id.EmailVerified || rec.EmailVerified
	return id
}
