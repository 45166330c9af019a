package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/vinayprograms/taskhub/query"
)

// flavor binds a query dialect to a driver and its DDL.
type flavor struct {
	query.Dialect
	driver      string
	seqColumn   string
	columnType  func(kind query.Kind) string
	forUpdate   string
	isDuplicate func(err error) bool
}

var sqliteFlavor = flavor{
	Dialect:   query.SQLite{},
	driver:    "sqlite",
	seqColumn: "seq INTEGER PRIMARY KEY AUTOINCREMENT",
	columnType: func(kind query.Kind) string {
		switch kind {
		case query.KindTime:
			return "INTEGER"
		case query.KindNumber:
			return "REAL"
		case query.KindBytes:
			return "BLOB"
		}
		return "TEXT"
	},
	isDuplicate: func(err error) bool {
		var se *sqlite.Error
		return stderrors.As(err, &se) &&
			(se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
	},
}

var postgresFlavor = flavor{
	Dialect:   query.Postgres{},
	driver:    "pgx",
	seqColumn: "seq BIGSERIAL",
	columnType: func(kind query.Kind) string {
		switch kind {
		case query.KindTime:
			return "BIGINT"
		case query.KindNumber:
			return "DOUBLE PRECISION"
		case query.KindBytes:
			return "BYTEA"
		case query.KindStrings, kindBuffers:
			return "JSONB"
		}
		return "TEXT"
	},
	forUpdate: " FOR UPDATE",
	isDuplicate: func(err error) bool {
		var pe *pgconn.PgError
		return stderrors.As(err, &pe) && pe.Code == "23505"
	},
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore keeps records in one table of a SQL database. Times are stored
// as Unix nanoseconds and string lists as JSON.
type SQLStore struct {
	db    *sql.DB
	f     flavor
	table string
}

// OpenSQLite opens (creating if needed) a sqlite database file. The path
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path, table string) (*SQLStore, error) {
	db, err := sql.Open(sqliteFlavor.driver, path)
	if err != nil {
		return nil, storeErr(err, "open sqlite")
	}
	// sqlite allows one writer; a single connection also keeps :memory:
	// databases shared across calls.
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, storeErr(err, "sqlite "+p)
		}
	}
	return newSQLStore(ctx, db, sqliteFlavor, table)
}

// OpenPostgres connects to postgres through the pgx database/sql driver.
func OpenPostgres(ctx context.Context, dsn, table string) (*SQLStore, error) {
	db, err := sql.Open(postgresFlavor.driver, dsn)
	if err != nil {
		return nil, storeErr(err, "open postgres")
	}
	return newSQLStore(ctx, db, postgresFlavor, table)
}

func newSQLStore(ctx context.Context, db *sql.DB, f flavor, table string) (*SQLStore, error) {
	if table == "" {
		table = "tasks"
	}
	if !identRe.MatchString(table) {
		db.Close()
		return nil, fmt.Errorf("recordstore: invalid table name %q", table)
	}
	s := &SQLStore{db: db, f: f, table: table}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	cols := []string{s.f.seqColumn}
	for _, fd := range fields {
		def := fd.name + " " + s.f.columnType(fd.kind)
		if fd.name == FieldMsgID {
			def += " NOT NULL UNIQUE"
		}
		cols = append(cols, def)
	}
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.table, strings.Join(cols, ", ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_submitted ON %s (submitted)", s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storeErr(err, "migrate")
		}
	}
	return nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Add inserts a record.
func (s *SQLStore) Add(ctx context.Context, rec *Record) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	names := make([]string, len(fields))
	phs := make([]string, len(fields))
	args := make([]any, len(fields))
	for i, fd := range fields {
		names[i] = fd.name
		phs[i] = s.f.Placeholder(i + 1)
		args[i] = columnValue(fd, rec)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.table, strings.Join(names, ", "), strings.Join(phs, ", "))
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		if s.f.isDuplicate(err) {
			return duplicate(rec.MsgID)
		}
		return storeErr(err, "add")
	}
	return nil
}

// Get loads a record.
func (s *SQLStore) Get(ctx context.Context, msgID string) (*Record, error) {
	recs, err := s.selectWhere(ctx, s.db, FieldMsgID+" = "+s.f.Placeholder(1), []any{msgID}, nil, "")
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, notFound(msgID)
	}
	return recs[0], nil
}

// Update merges partial into the stored record inside a transaction.
func (s *SQLStore) Update(ctx context.Context, msgID string, partial *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin update")
	}
	defer tx.Rollback()

	recs, err := s.selectWhere(ctx, tx, FieldMsgID+" = "+s.f.Placeholder(1), []any{msgID}, nil, s.f.forUpdate)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return notFound(msgID)
	}
	rec := recs[0]
	rec.Merge(partial)

	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for _, fd := range fields {
		if fd.name == FieldMsgID {
			continue
		}
		args = append(args, columnValue(fd, rec))
		sets = append(sets, fd.name+" = "+s.f.Placeholder(len(args)))
	}
	args = append(args, msgID)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		s.table, strings.Join(sets, ", "), FieldMsgID, s.f.Placeholder(len(args)))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return storeErr(err, "update")
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err, "commit update")
	}
	return nil
}

// Drop deletes a record.
func (s *SQLStore) Drop(ctx context.Context, msgID string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", s.table, FieldMsgID, s.f.Placeholder(1))
	if _, err := s.db.ExecContext(ctx, stmt, msgID); err != nil {
		return storeErr(err, "drop")
	}
	return nil
}

// DropMatching deletes every matching record.
func (s *SQLStore) DropMatching(ctx context.Context, q query.Query) (int, error) {
	where, err := query.CompileSQL(q, s.f, 0)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", s.table, where.Where), where.Args...)
	if err != nil {
		return 0, storeErr(err, "drop matching")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err, "drop matching")
	}
	return int(n), nil
}

// Find returns the matching records in insertion order.
func (s *SQLStore) Find(ctx context.Context, q query.Query, keys []string) ([]*Record, error) {
	if err := ValidateKeys(keys); err != nil {
		return nil, err
	}
	where, err := query.CompileSQL(q, s.f, 0)
	if err != nil {
		return nil, err
	}
	return s.selectWhere(ctx, s.db, where.Where, where.Args, keys, "")
}

// History returns submitted msg_ids by submission time.
func (s *SQLStore) History(ctx context.Context) ([]string, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE submitted IS NOT NULL ORDER BY submitted, seq", FieldMsgID, s.table)
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, storeErr(err, "history")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr(err, "history")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "history")
	}
	return ids, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) selectWhere(ctx context.Context, db queryer, where string, args []any, keys []string, suffix string) ([]*Record, error) {
	selected := fields
	if len(keys) > 0 {
		selected = []field{fieldsByName[FieldMsgID]}
		for _, k := range keys {
			if k != FieldMsgID {
				selected = append(selected, fieldsByName[k])
			}
		}
	}
	names := make([]string, len(selected))
	for i, fd := range selected {
		names[i] = fd.name
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY seq%s",
		strings.Join(names, ", "), s.table, where, suffix)

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, storeErr(err, "select")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		dest := make([]any, len(selected))
		for i, fd := range selected {
			dest[i] = scanTarget(fd)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, storeErr(err, "scan")
		}
		rec := &Record{}
		for i, fd := range selected {
			if err := assignColumn(fd, rec, dest[i]); err != nil {
				return nil, storeErr(err, "decode "+fd.name)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "select")
	}
	return out, nil
}

// columnValue converts a field to a driver argument; nil for unset.
func columnValue(fd field, rec *Record) any {
	v := fd.get(rec)
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case time.Time:
		return x.UnixNano()
	case []string:
		data, _ := json.Marshal(x)
		return string(data)
	case [][]byte:
		data, _ := json.Marshal(x)
		return string(data)
	}
	return v
}

func scanTarget(fd field) any {
	switch fd.kind {
	case query.KindTime:
		return new(sql.NullInt64)
	case query.KindNumber:
		return new(sql.NullFloat64)
	case query.KindBytes:
		return new([]byte)
	}
	return new(sql.NullString)
}

func assignColumn(fd field, rec *Record, dest any) error {
	switch d := dest.(type) {
	case *sql.NullInt64:
		if d.Valid {
			fd.set(rec, time.Unix(0, d.Int64).UTC())
		}
	case *sql.NullFloat64:
		if d.Valid {
			fd.set(rec, d.Float64)
		}
	case *[]byte:
		if *d != nil {
			fd.set(rec, *d)
		}
	case *sql.NullString:
		if !d.Valid {
			return nil
		}
		switch fd.kind {
		case query.KindStrings:
			list := []string{}
			if err := json.Unmarshal([]byte(d.String), &list); err != nil {
				return err
			}
			fd.set(rec, list)
		case kindBuffers:
			bufs := [][]byte{}
			if err := json.Unmarshal([]byte(d.String), &bufs); err != nil {
				return err
			}
			fd.set(rec, bufs)
		default:
			fd.set(rec, d.String)
		}
	}
	return nil
}
