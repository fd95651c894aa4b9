package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/lattice/internal/domainmodel"
)

// QueryFilter narrows an audit log query (spec §6 "Audit: query with filters").
type QueryFilter struct {
	Actor      *string
	Action     *string
	Resource   *string
	NotebookID *string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// Query runs a filtered, paginated read over the audit log, newest first.
func Query(ctx context.Context, db *sqlx.DB, f QueryFilter) ([]domainmodel.AuditEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var clauses []string
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, strings.Replace(clause, "?", argPlaceholder(len(args)), 1))
	}

	if f.Actor != nil {
		add("actor = ?", *f.Actor)
	}
	if f.Action != nil {
		add("action = ?", *f.Action)
	}
	if f.Resource != nil {
		add("resource = ?", *f.Resource)
	}
	if f.NotebookID != nil {
		add("notebook_id = ?", *f.NotebookID)
	}
	if f.Since != nil {
		add("timestamp >= ?", *f.Since)
	}
	if f.Until != nil {
		add("timestamp <= ?", *f.Until)
	}

	query := "SELECT id, timestamp, actor, action, resource, detail, ip, ua, notebook_id FROM audit_log"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT " + argPlaceholder(len(args)+1) + " OFFSET " + argPlaceholder(len(args)+2)
	args = append(args, limit, f.Offset)

	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domainmodel.AuditEvent
	for rows.Next() {
		var ev domainmodel.AuditEvent
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Actor, &ev.Action, &ev.Resource, &detail, &ev.IP, &ev.UA, &ev.NotebookID); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &ev.Detail)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func argPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}
