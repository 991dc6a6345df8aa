package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/toothpick/billing/internal/platform/db"
)

// ErrAuditIncomplete is returned when a record lacks its action or subject.
var ErrAuditIncomplete = errors.New("audit: action, entity and entity id are required")

// AuditLog is one operator-visible action on a billing entity.
type AuditLog struct {
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger appends records to audit_logs. The table is insert only.
type AuditLogger struct {
	exec db.Execer
}

// NewAuditLogger accepts a pool, a connection or a transaction.
func NewAuditLogger(exec db.Execer) *AuditLogger {
	return &AuditLogger{exec: exec}
}

const insertAudit = `INSERT INTO audit_logs (actor, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`

// Record persists the entry. A blank actor falls back to the one carried by
// ctx, then to "system".
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.exec == nil {
		return errors.New("audit: logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return ErrAuditIncomplete
	}
	if log.Actor == "" {
		log.Actor = ActorFromContext(ctx)
	}
	if log.Meta == nil {
		log.Meta = map[string]any{}
	}
	meta, err := json.Marshal(log.Meta)
	if err != nil {
		return fmt.Errorf("audit: encode meta: %w", err)
	}
	var at *time.Time
	if !log.At.IsZero() {
		utc := log.At.UTC()
		at = &utc
	}
	if _, err := l.exec.Exec(ctx, insertAudit, log.Actor, log.Action, log.Entity, log.EntityID, meta, at); err != nil {
		return fmt.Errorf("audit: insert %s %s: %w", log.Entity, log.EntityID, err)
	}
	return nil
}
