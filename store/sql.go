package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"github.com/alimasry/go-delta/delta"
)

// Driver names accepted by OpenSQLStore.
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// schema is kept to the subset of DDL shared by SQLite and MySQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
    id          VARCHAR(191) NOT NULL PRIMARY KEY,
    ops         LONGTEXT NOT NULL,
    version     INTEGER NOT NULL,
    created_at  BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS document_operations (
    document_id VARCHAR(191) NOT NULL,
    version     INTEGER NOT NULL,
    ops         LONGTEXT NOT NULL,
    PRIMARY KEY (document_id, version)
)`,
}

// SQLStore is a database/sql implementation of DocumentStore for SQLite and
// MySQL. Ops are stored as JSON arrays.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLStore opens the database and applies the schema. For SQLite the dsn
// is a file path whose parent directory is created if needed.
func OpenSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverMySQL:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewSQLStore(context.Background(), db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and applies the schema.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Create(ctx context.Context, id string, doc *delta.Document) error {
	data, err := encodeOps(cloneDoc(doc).Ops())
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, ops, version, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		id, data, now, now,
	)
	if isDuplicate(err) {
		return fmt.Errorf("document %q: %w", id, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ops, version, created_at, updated_at FROM documents WHERE id = ?`, id)
	info, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *SQLStore) List(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ops, version, created_at, updated_at FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var result []DocumentInfo
	for rows.Next() {
		info, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *info)
	}
	return result, rows.Err()
}

func (s *SQLStore) UpdateContent(ctx context.Context, id string, doc *delta.Document, version int) error {
	data, err := encodeOps(cloneDoc(doc).Ops())
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET ops = ?, version = ?, updated_at = ? WHERE id = ?`,
		data, version, time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *SQLStore) AppendOperation(ctx context.Context, id string, ops []*delta.Op, version int) error {
	data, err := encodeOps(ops)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET version = ?, updated_at = ? WHERE id = ?`,
		version, time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("update document version: %w", err)
	}
	if err := s.checkAffected(ctx, res, id); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO document_operations (document_id, version, ops) VALUES (?, ?, ?)`,
		id, version, data,
	)
	// A batch that is already stored was flushed before; keep the first copy.
	if err != nil && !isDuplicate(err) {
		return fmt.Errorf("insert op batch %d: %w", version, err)
	}
	return tx.Commit()
}

func (s *SQLStore) GetOperations(ctx context.Context, id string, fromVersion int) ([][]*delta.Op, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if fromVersion < 0 {
		return nil, fmt.Errorf("invalid version %d", fromVersion)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ops FROM document_operations WHERE document_id = ? AND version > ? ORDER BY version`,
		id, fromVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("query op batches: %w", err)
	}
	defer rows.Close()

	history := [][]*delta.Op{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		ops, err := decodeOps(data)
		if err != nil {
			return nil, err
		}
		history = append(history, ops)
	}
	return history, rows.Err()
}

// checkAffected maps an update that matched no row to ErrNotFound. MySQL
// reports 0 affected rows for an unchanged row, so existence is re-checked.
func (s *SQLStore) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if s.driver == DriverMySQL {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	return fmt.Errorf("document %q: %w", id, ErrNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*DocumentInfo, error) {
	var (
		info               DocumentInfo
		data               string
		createdAt, updated int64
	)
	if err := row.Scan(&info.ID, &data, &info.Version, &createdAt, &updated); err != nil {
		return nil, err
	}
	ops, err := decodeOps(data)
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", info.ID, err)
	}
	info.Delta = delta.New(ops)
	info.CreatedAt = time.Unix(0, createdAt)
	info.UpdatedAt = time.Unix(0, updated)
	return &info, nil
}

func encodeOps(ops []*delta.Op) (string, error) {
	if ops == nil {
		ops = []*delta.Op{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("encode ops: %w", err)
	}
	return string(data), nil
}

func decodeOps(data string) ([]*delta.Op, error) {
	var ops []*delta.Op
	if err := json.Unmarshal([]byte(data), &ops); err != nil {
		return nil, fmt.Errorf("decode ops: %w", err)
	}
	return ops, nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return true
	}
	return false
}
