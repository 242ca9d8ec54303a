package ftl

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

const ftlSchema = `
CREATE TABLE counters (id INTEGER PRIMARY KEY NOT NULL, value INTEGER NOT NULL);
CREATE TABLE queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	type INTEGER NOT NULL,
	status INTEGER NOT NULL,
	domain TEXT NOT NULL,
	client TEXT NOT NULL,
	forward TEXT,
	reply_type INTEGER,
	reply_time REAL
);
CREATE TABLE client_by_id (id INTEGER PRIMARY KEY, ip TEXT NOT NULL, name TEXT);
CREATE TABLE domain_by_id (id INTEGER PRIMARY KEY, domain TEXT NOT NULL);
`

type row struct {
	ts        int64
	qtype     int
	status    int
	domain    string
	client    string
	forward   any
	replyType any
	replyTime any
}

type fixture struct {
	t       *testing.T
	ftl     string
	gravity string
	db      *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		t:       t,
		ftl:     filepath.Join(dir, "pihole-FTL.db"),
		gravity: filepath.Join(dir, "gravity.db"),
	}
	db, err := sql.Open("sqlite3", f.ftl)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	f.db = db
	f.exec(ftlSchema)
	f.counters(0, 0)
	return f
}

func (f *fixture) exec(query string, args ...any) {
	f.t.Helper()
	if _, err := f.db.Exec(query, args...); err != nil {
		f.t.Fatalf("fixture exec %q: %v", query, err)
	}
}

func (f *fixture) counters(total, blocked int64) {
	f.t.Helper()
	f.exec(`INSERT OR REPLACE INTO counters (id, value) VALUES (0, ?), (1, ?)`, total, blocked)
}

func (f *fixture) insert(rows ...row) {
	f.t.Helper()
	for _, r := range rows {
		if r.client == "" {
			r.client = "10.0.0.2"
		}
		if r.qtype == 0 {
			r.qtype = 1
		}
		f.exec(`INSERT INTO queries (timestamp, type, status, domain, client, forward, reply_type, reply_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, r.ts, r.qtype, r.status, r.domain, r.client, r.forward, r.replyType, r.replyTime)
	}
}

func (f *fixture) client(ip, name string) {
	f.t.Helper()
	f.exec(`INSERT INTO client_by_id (ip, name) VALUES (?, ?)`, ip, name)
}

func (f *fixture) domains(names ...string) {
	f.t.Helper()
	for _, n := range names {
		f.exec(`INSERT INTO domain_by_id (domain) VALUES (?)`, n)
	}
}

func (f *fixture) gravityRows(domains ...string) {
	f.t.Helper()
	db, err := sql.Open("sqlite3", f.gravity)
	if err != nil {
		f.t.Fatalf("open gravity: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS gravity (domain TEXT NOT NULL, adlist_id INTEGER NOT NULL)`); err != nil {
		f.t.Fatalf("gravity schema: %v", err)
	}
	for _, d := range domains {
		if _, err := db.Exec(`INSERT INTO gravity (domain, adlist_id) VALUES (?, 1)`, d); err != nil {
			f.t.Fatalf("gravity insert: %v", err)
		}
	}
}
