package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess         AuditEvent = "login_success"
	AuditLoginFailure         AuditEvent = "login_failure"
	AuditLoginRateLimited     AuditEvent = "login_rate_limited"
	AuditRegister             AuditEvent = "register"
	AuditRegisterRateLimited  AuditEvent = "register_rate_limited"
	AuditLogout               AuditEvent = "logout"
	AuditPasswordChanged      AuditEvent = "password_changed"
	AuditAPIKeyCreated        AuditEvent = "api_key_created"
	AuditAPIKeyRevoked        AuditEvent = "api_key_revoked"
	AuditCLIAccessInitiated   AuditEvent = "cli_access_initiated"
	AuditCLIAccessApproved    AuditEvent = "cli_access_approved"
	AuditCLIAccessClaimed     AuditEvent = "cli_access_claimed"
	AuditCLIAccessIPMismatch  AuditEvent = "cli_access_ip_mismatch"
	AuditCLIAccessRateLimited AuditEvent = "cli_access_rate_limited"
)

// auditLogger writes security events to slog and, when configured, to a
// webhook. Credentials never appear in audit entries; users are identified
// by numeric id.
type auditLogger struct {
	logger   *slog.Logger
	clientIP func(*http.Request) string
	metrics  *metricsCollector
	webhook  *auditWebhook
}

func newAuditLogger(logger *slog.Logger, clientIP func(*http.Request) string) *auditLogger {
	return &auditLogger{
		logger:   logger.With("component", "audit"),
		clientIP: clientIP,
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	ip := al.clientIP(r)
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("client_ip", ip),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", append(base, attrs...)...)
	al.metrics.recordEvent(event)

	if al.webhook != nil {
		evt := webhookEvent{
			Event:     string(event),
			ClientIP:  ip,
			Timestamp: now.Format(time.RFC3339),
		}
		for _, a := range attrs {
			if a.Key == "user_id" {
				evt.UserID = a.Value.Int64()
				continue
			}
			if evt.Attrs == nil {
				evt.Attrs = make(map[string]string, len(attrs))
			}
			evt.Attrs[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(evt)
	}
}

// logEvent records an event attributed to a user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID int64, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.Int64("user_id", userID)}, extra...)...)
}

// logFailure records a rejected attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.String("reason", reason)}, extra...)...)
}

func idAttr(key string, id int64) slog.Attr {
	return slog.String(key, strconv.FormatInt(id, 10))
}
