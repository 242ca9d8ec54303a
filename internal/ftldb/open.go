// Package ftldb opens Pi-hole's SQLite databases strictly read-only.
package ftldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const driverName = "sqlite3"

// OpenError reports a database that could not be opened. It unwraps to the
// underlying cause so callers can test for fs.ErrNotExist or fs.ErrPermission.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open sqlite %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Querier is the read subset of *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DSN turns a locator into a read-only SQLite URI. "file:" URIs keep their
// parameters; mode=ro is appended when they carry no mode and any other mode
// is refused.
func DSN(path string) (string, error) {
	if !strings.HasPrefix(path, "file:") {
		return "file:" + escapePath(path) + "?mode=ro", nil
	}
	_, rawQuery, hasQuery := strings.Cut(path, "?")
	rawQuery, _, _ = strings.Cut(rawQuery, "#")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("sqlite uri parameters: %w", err)
	}
	if !params.Has("mode") {
		switch {
		case !hasQuery:
			return path + "?mode=ro", nil
		case strings.HasSuffix(path, "?"), strings.HasSuffix(path, "&"):
			return path + "mode=ro", nil
		default:
			return path + "&mode=ro", nil
		}
	}
	for _, mode := range params["mode"] {
		if mode != "ro" {
			return "", fmt.Errorf("sqlite uri mode %q is not read-only", mode)
		}
	}
	return path, nil
}

// filePath extracts the filesystem path named by a "file:" URI, or "" for an
// in-memory database.
func filePath(uri string) (string, error) {
	p := strings.TrimPrefix(uri, "file:")
	p, _, _ = strings.Cut(p, "?")
	p, _, _ = strings.Cut(p, "#")
	if rest, ok := strings.CutPrefix(p, "//"); ok {
		// authority is empty or "localhost"; the path starts at the next slash
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			p = rest[i:]
		} else {
			p = ""
		}
	}
	p, err := url.PathUnescape(p)
	if err != nil {
		return "", fmt.Errorf("sqlite uri path: %w", err)
	}
	if p == ":memory:" {
		return "", nil
	}
	return p, nil
}

// escapePath percent-encodes every byte outside [A-Za-z0-9_.~/-].
func escapePath(path string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
			b.WriteByte(c)
		case c == '_' || c == '.' || c == '-' || c == '~' || c == '/':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// Open connects to the database at path without write access. The handle is
// limited to a single connection and verified with a ping before returning.
func Open(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	if path == "" {
		return nil, &OpenError{Path: path, Err: errors.New("empty database path")}
	}
	dsn, err := DSN(path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	target := path
	if strings.HasPrefix(path, "file:") {
		if target, err = filePath(path); err != nil {
			return nil, &OpenError{Path: path, Err: err}
		}
	}
	if target != "" {
		info, err := os.Stat(target)
		if err != nil {
			return nil, &OpenError{Path: path, Err: err}
		}
		if info.IsDir() {
			return nil, &OpenError{Path: path, Err: errors.New("is a directory")}
		}
	}
	if logger != nil {
		logger.Debug("opening sqlite db read-only", "path", path)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &OpenError{Path: path, Err: err}
	}
	return db, nil
}

// Scalar runs a single-value query. No row or a NULL value yields the zero
// value of T. Errors are wrapped with name so failures identify the sub-query.
func Scalar[T any](ctx context.Context, q Querier, name, query string, args ...any) (T, error) {
	var v sql.Null[T]
	err := q.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, nil
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", name, err)
	}
	return v.V, nil
}
