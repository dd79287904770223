// Package sqlstore implements the remote record store on a local SQLite
// database. It executes composite graphs with the same reference and
// all-or-nothing semantics as the hosted API, which makes it usable for
// offline runs and tests.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/schaermu/metasyncd/internal/remote"
	"github.com/schaermu/metasyncd/internal/remote/sqlstore/migrations"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store implements remote.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ remote.Store = (*Store)(nil)

// Open opens the database at path (or ":memory:") and applies migrations.
func Open(path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenConnection opens and configures a SQLite connection without migrating.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// graphs run in one transaction; a single connection also keeps
	// ":memory:" databases alive across calls
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// QueryComponents returns the component records of the target branch stored
// under the given file names.
func (s *Store) QueryComponents(ctx context.Context, target remote.Target, fileNames []string) ([]remote.ComponentRecord, error) {
	if len(fileNames) == 0 {
		return nil, nil
	}
	args := []any{remote.ObjectComponent, target.BranchID}
	placeholders := make([]string, len(fileNames))
	for i, n := range fileNames {
		placeholders[i] = "?"
		args = append(args, n)
	}
	query := `SELECT id, fields FROM records
		WHERE object = ?
		  AND json_extract(fields, '$.Branch__c') = ?
		  AND json_extract(fields, '$.File_Name__c') IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query components: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []remote.ComponentRecord
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var f remote.ComponentFields
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("corrupt component record %s: %w", id, err)
		}
		records = append(records, remote.ComponentRecord{
			ID:          id,
			Name:        f.Name,
			Type:        f.Type,
			FileName:    f.FileName,
			Fingerprint: f.Fingerprint,
			Version:     f.Version,
		})
	}
	return records, rows.Err()
}

// ComponentBody returns the archive attached to the newest history entry of
// a component.
func (s *Store) ComponentBody(ctx context.Context, componentID string) ([]byte, error) {
	var historyID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM records
		WHERE object = ? AND json_extract(fields, '$.Metadata__c') = ?
		ORDER BY json_extract(fields, '$.Version__c') DESC, seq DESC LIMIT 1`,
		remote.ObjectHistory, componentID).Scan(&historyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history of %s: %w", componentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT fields FROM records
		WHERE object = ? AND json_extract(fields, '$.FirstPublishLocationId') = ?
		ORDER BY seq DESC LIMIT 1`,
		remote.ObjectAttachment, historyID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment of %s: %w", componentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var att remote.AttachmentFields
	if err := json.Unmarshal([]byte(raw), &att); err != nil {
		return nil, fmt.Errorf("corrupt attachment of %s: %w", componentID, err)
	}
	return att.Decode()
}

// Checkpoint returns the checkpoint stored on the branch record.
func (s *Store) Checkpoint(ctx context.Context, target remote.Target) (remote.Checkpoint, error) {
	fields, err := s.get(ctx, s.db, remote.ObjectBranch, target.BranchID)
	if errors.Is(err, ErrNotFound) {
		return remote.Checkpoint{}, nil
	}
	if err != nil {
		return nil, err
	}
	cp, _ := fields["Checkpoint__c"].(string)
	return remote.DecodeCheckpoint(cp)
}

// SaveCheckpoint replaces the checkpoint of the branch record.
func (s *Store) SaveCheckpoint(ctx context.Context, target remote.Target, cp remote.Checkpoint) error {
	encoded, err := remote.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.upsert(ctx, remote.ObjectBranch, target.BranchID, map[string]any{"Checkpoint__c": encoded})
}

// SetStatus records the sync status on the branch record.
func (s *Store) SetStatus(ctx context.Context, target remote.Target, status remote.Status, message string) error {
	return s.upsert(ctx, remote.ObjectBranch, target.BranchID, map[string]any{
		"Status__c":         string(status),
		"Status_Message__c": message,
	})
}

// Status returns the sync status and message of the branch record.
func (s *Store) Status(ctx context.Context, target remote.Target) (remote.Status, string, error) {
	fields, err := s.get(ctx, s.db, remote.ObjectBranch, target.BranchID)
	if errors.Is(err, ErrNotFound) {
		return remote.StatusNotSynchronized, "", nil
	}
	if err != nil {
		return "", "", err
	}
	status, _ := fields["Status__c"].(string)
	msg, _ := fields["Status_Message__c"].(string)
	return remote.Status(status), msg, nil
}

// AppendLog stores log lines as one log record of the branch.
func (s *Store) AppendLog(ctx context.Context, target remote.Target, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	_, err := s.insert(ctx, s.db, remote.ObjectLog, map[string]any{
		"Branch__c":  target.BranchID,
		"Message__c": strings.Join(lines, "\n"),
	})
	return err
}

// Logs returns the log messages of a branch in insertion order.
func (s *Store) Logs(ctx context.Context, target remote.Target) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT json_extract(fields, '$.Message__c') FROM records
		WHERE object = ? AND json_extract(fields, '$.Branch__c') = ? ORDER BY seq`,
		remote.ObjectLog, target.BranchID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var msgs []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Count returns the number of records of an object.
func (s *Store) Count(ctx context.Context, object string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE object = ?", object).Scan(&n)
	return n, err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q execer, object, id string) (map[string]any, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT fields FROM records WHERE object = ? AND id = ?", object, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", object, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", id, err)
	}
	return fields, nil
}

func (s *Store) insert(ctx context.Context, q execer, object string, fields map[string]any) (string, error) {
	return s.insertWithID(ctx, q, object, uuid.NewString(), fields)
}

func (s *Store) insertWithID(ctx context.Context, q execer, object, id string, fields map[string]any) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	_, err = q.ExecContext(ctx, "INSERT INTO records (id, object, fields, created_at) VALUES (?, ?, ?, ?)",
		id, object, string(raw), s.now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to insert %s: %w", object, err)
	}
	return id, nil
}

func (s *Store) patch(ctx context.Context, q execer, object, id string, changes map[string]any) error {
	fields, err := s.get(ctx, q, object, id)
	if err != nil {
		return err
	}
	for k, v := range changes {
		fields[k] = v
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, "UPDATE records SET fields = ? WHERE object = ? AND id = ?", string(raw), object, id)
	return err
}

func (s *Store) remove(ctx context.Context, q execer, object, id string) error {
	res, err := q.ExecContext(ctx, "DELETE FROM records WHERE object = ? AND id = ?", object, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", object, id, ErrNotFound)
	}
	return nil
}

// upsert patches a record with a caller-chosen id, creating it when missing.
func (s *Store) upsert(ctx context.Context, object, id string, changes map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	err = s.patch(ctx, tx, object, id, changes)
	if errors.Is(err, ErrNotFound) {
		_, err = s.insertWithID(ctx, tx, object, id, changes)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s %s: %w", object, id, err)
	}
	return tx.Commit()
}
