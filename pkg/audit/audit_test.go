package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execSQL  string
	execArgs []any
	execErr  error
	row      pgx.Row
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = args
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

type fakeRow struct {
	rec Record
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.rec.RequestID
	*(dest[1].(*string)) = r.rec.Service
	*(dest[2].(*string)) = r.rec.Method
	*(dest[3].(*string)) = r.rec.DN
	*(dest[4].(*int)) = r.rec.Status
	*(dest[5].(*int64)) = r.rec.ElapsedMS
	*(dest[6].(*time.Time)) = r.rec.CreatedAt
	return nil
}

func TestAppendStoresRecord(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db}
	rec := Record{
		RequestID: "r1",
		Service:   "Framework/Echo",
		Method:    "echo",
		DN:        "/O=Grid/CN=alice",
		Status:    200,
		ElapsedMS: 12,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(db.execSQL, "INSERT INTO security_log") {
		t.Fatalf("sql = %s", db.execSQL)
	}
	if db.execArgs[3] != "/O=Grid/CN=alice" {
		t.Fatalf("dn arg = %v", db.execArgs[3])
	}
}

func TestAppendRedactsDN(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db, Redact: true, HashSalt: []byte("s")}
	if err := w.Append(context.Background(), Record{DN: "/O=Grid/CN=alice"}); err != nil {
		t.Fatal(err)
	}
	stored, _ := db.execArgs[3].(string)
	if !strings.HasPrefix(stored, "sha256:") || strings.Contains(stored, "alice") {
		t.Fatalf("dn not redacted: %q", stored)
	}
	// Same DN and salt must hash identically for correlation.
	if hashDN("/O=Grid/CN=alice", []byte("s")) != stored {
		t.Fatal("hash not deterministic")
	}
}

func TestGetReturnsRecord(t *testing.T) {
	want := Record{RequestID: "r2", Service: "Framework/Echo", Method: "ping", DN: "x", Status: 200, ElapsedMS: 3, CreatedAt: time.Now().UTC()}
	w := &Writer{DB: &fakeDB{row: fakeRow{rec: want}}}
	got, err := w.Get(context.Background(), "r2")
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != "r2" || got.Method != "ping" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetPropagatesError(t *testing.T) {
	w := &Writer{DB: &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}}
	if _, err := w.Get(context.Background(), "missing"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoggerFinishWithoutWriter(t *testing.T) {
	var l *Logger
	// Must not panic without a writer.
	l.Finish(context.Background(), Record{Service: "Framework/Echo", Method: "ping", Status: 200}, 5*time.Millisecond)
}

func TestLoggerFinishAppendFailure(t *testing.T) {
	l := &Logger{Writer: &Writer{DB: &fakeDB{execErr: errors.New("down")}}}
	// Append failures are logged, never propagated to the request path.
	l.Finish(context.Background(), Record{RequestID: "r3"}, time.Millisecond)
}
