// Package audit records the outcome of every request: a log line on finish
// and, when a database is configured, one row in the security log.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is one finished request.
type Record struct {
	RequestID string
	Service   string
	Method    string
	DN        string
	Status    int
	ElapsedMS int64
	CreatedAt time.Time
}

// Writer appends records to the security log table. When Redact is set the
// DN is replaced by a salted hash before it reaches storage.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec.DN = hashDN(rec.DN, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO security_log
		(request_id, service, method, dn, status, elapsed_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.RequestID, rec.Service, rec.Method, rec.DN, rec.Status, rec.ElapsedMS, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, requestID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT request_id, service, method, dn, status, elapsed_ms, created_at
		FROM security_log WHERE request_id=$1
	`, requestID)
	if err := row.Scan(&rec.RequestID, &rec.Service, &rec.Method, &rec.DN, &rec.Status, &rec.ElapsedMS, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

// Logger emits the end-of-request audit line and forwards to the optional
// Writer. A nil Logger is usable and only logs.
type Logger struct {
	Writer *Writer
}

// Finish records a completed request. Called on every path through the
// lifecycle, success or not.
func (l *Logger) Finish(ctx context.Context, rec Record, elapsed time.Duration) {
	rec.ElapsedMS = elapsed.Milliseconds()
	rec.CreatedAt = time.Now().UTC()
	dn := rec.DN
	if dn == "" {
		dn = "unknown"
	}
	log.Printf("ending request to /%s method=%s dn=%s status=%d after %.6fs",
		rec.Service, rec.Method, dn, rec.Status, elapsed.Seconds())
	if l == nil || l.Writer == nil {
		return
	}
	if err := l.Writer.Append(ctx, rec); err != nil {
		log.Printf("security log append failed for %s: %v", rec.RequestID, err)
	}
}
