// ABOUTME: Audit sink persisting finished and rejected command lines
// ABOUTME: Adapts executor OnFinish and dispatcher OnReject hooks to the audit store

package sshd

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-sshd/internal/dispatch"
	"github.com/2389/coven-sshd/internal/executor"
	"github.com/2389/coven-sshd/internal/store"
)

const auditWriteTimeout = 5 * time.Second

// AuditSink writes command audit entries. Failures are logged, never returned:
// an unavailable audit log must not change a command's outcome.
type AuditSink struct {
	store  store.AuditStore
	logger *slog.Logger
}

// NewAuditSink creates a sink over st.
func NewAuditSink(st store.AuditStore, logger *slog.Logger) *AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditSink{store: st, logger: logger.With("component", "audit")}
}

// Finished records a terminal invocation. Its signature matches executor.Config.OnFinish.
func (a *AuditSink) Finished(snap executor.Snapshot, st executor.ExitStatus) {
	detail := map[string]any{
		"invocation_id": snap.ID,
		"session_id":    snap.SessionID,
		"line":          snap.Line,
		"state":         st.State.String(),
		"exit_code":     st.Code,
		"duration_ms":   time.Since(snap.StartTime).Milliseconds(),
	}
	if st.Err != nil {
		detail["error"] = st.Err.Error()
	}
	a.write(&store.AuditEntry{
		ActorPrincipalID: snap.Principal,
		Action:           store.AuditRunCommand,
		TargetType:       "command",
		TargetID:         snap.Command,
		Detail:           detail,
		TraceID:          snap.TraceID,
		SpanID:           snap.SpanID,
	})
}

// Rejected records a line that never ran. Its signature matches dispatch.Config.OnReject.
func (a *AuditSink) Rejected(_ context.Context, r dispatch.Rejection) {
	detail := map[string]any{
		"session_id": r.SessionID,
		"line":       r.Line,
		"exit_code":  r.Code,
	}
	if r.Err != nil {
		detail["error"] = r.Err.Error()
	}
	a.write(&store.AuditEntry{
		ActorPrincipalID: r.Principal,
		Action:           store.AuditRejectCommand,
		TargetType:       "command",
		TargetID:         r.Command,
		Detail:           detail,
		TraceID:          r.TraceID,
		SpanID:           r.SpanID,
	})
}

func (a *AuditSink) write(e *store.AuditEntry) {
	// Detached from the request: a cancelled session still gets its audit row
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	if err := a.store.AppendAuditLog(ctx, e); err != nil {
		a.logger.Error("failed to write audit entry",
			"action", e.Action,
			"command", e.TargetID,
			"principal", e.ActorPrincipalID,
			"error", err,
		)
	}
}
