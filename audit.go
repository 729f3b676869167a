package authflow

import (
	"context"
	"io"

	internalaudit "github.com/MrEthical07/authflow/internal/audit"
)

// Audit types are defined in internal/audit and re-exported here.
type (
	AuditEvent     = internalaudit.Event
	AuditSink      = internalaudit.Sink
	NoOpSink       = internalaudit.NoOpSink
	ChannelSink    = internalaudit.ChannelSink
	JSONWriterSink = internalaudit.JSONWriterSink
	AuditSinkFunc  = internalaudit.FuncSink
)

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// Audit event types emitted by the orchestrator.
const (
	AuditSignup            = "signup"
	AuditLogin             = "login"
	AuditFederatedLogin    = "login_federated"
	AuditCSRFMismatch      = "csrf_mismatch"
	AuditTwoFactorIssued   = "two_factor_issued"
	AuditTwoFactorVerify   = "two_factor_verify"
	AuditSessionEstablish  = "session_establish"
	AuditSessionRestore    = "session_restore"
	AuditSessionTimeout    = "session_timeout"
	AuditRefresh           = "session_refresh"
	AuditLogout            = "logout"
	AuditPasswordReset     = "password_reset_request"
	AuditReauthenticate    = "reauthenticate"
	AuditEmailChange       = "email_change"
	AuditEmailVerification = "email_verification"
	AuditStoreInconsistent = "store_inconsistency"
)

func (o *Orchestrator) emitAudit(ctx context.Context, eventType string, id *Identity, success bool, err error, metadata map[string]string) {
	if o.audit == nil {
		return
	}
	event := AuditEvent{
		EventType: eventType,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		State:     o.State().Status.String(),
		Metadata:  metadata,
	}
	if id != nil {
		event.UserID = id.UID
		event.Email = id.Email
	}
	if err != nil {
		event.Error = err.Error()
	}
	o.audit.Emit(ctx, event)
}

// AuditDropped reports events dropped by a full audit buffer.
func (o *Orchestrator) AuditDropped() uint64 {
	return o.audit.Dropped()
}
