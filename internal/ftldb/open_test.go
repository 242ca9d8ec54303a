package ftldb

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/etc/pihole/pihole-FTL.db", "file:/etc/pihole/pihole-FTL.db?mode=ro"},
		{"/tmp/my dbs/ftl#1.db", "file:/tmp/my%20dbs/ftl%231.db?mode=ro"},
		{"/tmp/a?b=c&d.db", "file:/tmp/a%3Fb%3Dc%26d.db?mode=ro"},
		{"file:/x.db?mode=ro&immutable=1", "file:/x.db?mode=ro&immutable=1"},
		{"file:/x.db", "file:/x.db?mode=ro"},
		{"file:/x.db?", "file:/x.db?mode=ro"},
		{"file:/x.db?immutable=1", "file:/x.db?immutable=1&mode=ro"},
		{"file::memory:?cache=shared", "file::memory:?cache=shared&mode=ro"},
	}
	for _, tt := range tests {
		got, err := DSN(tt.in)
		if err != nil {
			t.Errorf("DSN(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDSNRejectsWritableModes(t *testing.T) {
	for _, in := range []string{
		"file:/x.db?mode=rw",
		"file:/x.db?mode=rwc",
		"file:/x.db?mode=memory",
		"file:/x.db?mode=ro&mode=rwc",
	} {
		if got, err := DSN(in); err == nil {
			t.Errorf("DSN(%q) = %q, want error", in, got)
		}
	}
}

func TestFilePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"file:/etc/pihole/pihole-FTL.db?mode=ro", "/etc/pihole/pihole-FTL.db"},
		{"file:///tmp/a%20b.db", "/tmp/a b.db"},
		{"file://localhost/tmp/x.db#frag", "/tmp/x.db"},
		{"file:rel.db", "rel.db"},
		{"file::memory:?cache=shared", ""},
	}
	for _, tt := range tests {
		got, err := filePath(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("filePath(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.db"), nil)
	if err == nil {
		t.Fatal("expected error for missing database")
	}
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *OpenError, got %T", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected error to unwrap to fs.ErrNotExist, got %v", err)
	}
}

func TestOpenDirectory(t *testing.T) {
	if _, err := Open(context.Background(), t.TempDir(), nil); err == nil {
		t.Fatal("expected error when path is a directory")
	}
}

func TestOpenMissingFileURIDoesNotCreate(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.db")
	for _, locator := range []string{"file:" + missing, "file:" + missing + "?cache=private"} {
		_, err := Open(context.Background(), locator, nil)
		if !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("Open(%q) = %v, want fs.ErrNotExist", locator, err)
		}
		if _, err := os.Stat(missing); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("Open(%q) created the database file", locator)
		}
	}
}

func TestOpenRejectsWritableURI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftl.db")
	seed(t, path, `CREATE TABLE t (v INTEGER);`)
	_, err := Open(context.Background(), "file:"+path+"?mode=rwc", nil)
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *OpenError, got %v", err)
	}
}

func TestOpenURIIsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uri.db")
	seed(t, path, `CREATE TABLE t (v INTEGER);`)
	db, err := Open(context.Background(), "file:"+path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`INSERT INTO t VALUES (1)`); err == nil {
		t.Fatal("expected write to fail on read-only handle")
	}
}

func TestOpenIsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro test.db")
	seed(t, path, `CREATE TABLE counters (id INTEGER PRIMARY KEY, value INTEGER);
INSERT INTO counters VALUES (0, 42);`)

	db, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`INSERT INTO counters VALUES (1, 7)`); err == nil {
		t.Fatal("expected write to fail on read-only handle")
	}
	total, err := Scalar[int64](context.Background(), db, "total", `SELECT value FROM counters WHERE id = 0`)
	if err != nil || total != 42 {
		t.Fatalf("Scalar = %d, %v; want 42", total, err)
	}
}

func TestScalar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scalar.db")
	seed(t, path, `CREATE TABLE t (v INTEGER);
INSERT INTO t VALUES (1), (2), (NULL);`)
	db, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	missing, err := Scalar[int64](ctx, db, "no row", `SELECT v FROM t WHERE v = 99`)
	if err != nil || missing != 0 {
		t.Fatalf("no row: got %d, %v; want 0, nil", missing, err)
	}
	null, err := Scalar[int64](ctx, db, "null", `SELECT MAX(v) FROM t WHERE v > 5`)
	if err != nil || null != 0 {
		t.Fatalf("null: got %d, %v; want 0, nil", null, err)
	}
	avg, err := Scalar[float64](ctx, db, "avg", `SELECT AVG(v) FROM t`)
	if err != nil || avg != 1.5 {
		t.Fatalf("avg: got %v, %v; want 1.5", avg, err)
	}
	_, err = Scalar[int64](ctx, db, "broken query", `SELECT nope FROM t`)
	if err == nil {
		t.Fatal("expected error for bad column")
	}
	if got := err.Error(); len(got) < len("broken query") || got[:len("broken query")] != "broken query" {
		t.Fatalf("expected error prefixed with query name, got %q", got)
	}
}

func seed(t *testing.T, path, ddl string) {
	t.Helper()
	db, err := sql.Open(driverName, path)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(ddl); err != nil {
		t.Fatalf("seed db: %v", err)
	}
}
