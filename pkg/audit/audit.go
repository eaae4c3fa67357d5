package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Record is one terminal proxy outcome: completed, streamed, or failed.
type Record struct {
	RequestID   string    `json:"request_id"`
	Tenant      string    `json:"tenant"`
	Alias       string    `json:"alias"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Outcome     string    `json:"outcome"` // completed | streaming | failed
	Status      int       `json:"status"`
	ErrorSource string    `json:"error_source,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

type Writer struct {
	DB auditDB
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	rec.Path = RedactPath(rec.Path)
	_, err := w.DB.Exec(ctx, `
		INSERT INTO oagw_request_log
		(request_id, tenant, alias, method, path, outcome, status, error_source, error_code, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.RequestID, rec.Tenant, rec.Alias, rec.Method, rec.Path, rec.Outcome, rec.Status,
		rec.ErrorSource, rec.ErrorCode, rec.DurationMS, rec.CreatedAt)
	return err
}

// Recent lists the newest records, tenant-scoped when tenant is non-empty.
func (w *Writer) Recent(ctx context.Context, tenant string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if tenant != "" {
		rows, err = w.DB.Query(ctx, `
			SELECT request_id, tenant, alias, method, path, outcome, status, error_source, error_code, duration_ms, created_at
			FROM oagw_request_log WHERE tenant=$1 ORDER BY created_at DESC LIMIT $2
		`, tenant, limit)
	} else {
		rows, err = w.DB.Query(ctx, `
			SELECT request_id, tenant, alias, method, path, outcome, status, error_source, error_code, duration_ms, created_at
			FROM oagw_request_log ORDER BY created_at DESC LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.RequestID, &rec.Tenant, &rec.Alias, &rec.Method, &rec.Path, &rec.Outcome,
			&rec.Status, &rec.ErrorSource, &rec.ErrorCode, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
