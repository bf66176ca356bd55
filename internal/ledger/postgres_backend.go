package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresStateTableName      = "cvs_cms_state"
	postgresMembershipTableName = "cvs_cms_memberships"
	postgresStateKey            = "default"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend persists ledger snapshots and owns the
// membership join table. The unique index on (project, folder,
// subject, action, username) turns add-if-absent into a single
// INSERT ... ON CONFLICT DO NOTHING, so concurrent writers cannot lose
// each other's memberships.
type PostgresStateBackend struct {
	dsn             string
	stateTableName  string
	memberTableName string
	stateKey        string
	openDB          sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (*PostgresStateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:             dsn,
		stateTableName:  postgresStateTableName,
		memberTableName: postgresMembershipTableName,
		stateKey:        postgresStateKey,
		openDB:          sql.Open,
	}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.stateTableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.stateTableName))
	_, err = b.db.ExecContext(ctx, query, b.stateKey, string(payload))
	return err
}

// AddMember inserts one membership row, reporting false when the row
// already exists. A serialization failure maps to ErrConflict so the
// ledger's retry loop re-applies the insert.
func (b *PostgresStateBackend) AddMember(projectID, folder, subject string, action Action, username, at string) (bool, error) {
	if b == nil {
		return false, ErrInvalidInput
	}
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(subject) == "" || strings.TrimSpace(username) == "" {
		return false, ErrInvalidInput
	}
	if action != ActionPreview && action != ActionDownload {
		return false, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (project_id, folder, subject_name, action, username, acted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, folder, subject_name, action, username) DO NOTHING`,
		postgresQuoteIdentifier(b.memberTableName))
	result, err := b.db.ExecContext(ctx, query, projectID, folder, subject, string(action), username, at)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01") {
			return false, &MembershipConflictError{ProjectID: projectID, Subject: subject, Username: username}
		}
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Members returns the usernames recorded for (project, subject, action)
// across every folder, in insertion order.
func (b *PostgresStateBackend) Members(projectID, subject string, action Action) ([]string, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT username FROM %s
		WHERE project_id = $1 AND subject_name = $2 AND action = $3
		ORDER BY id ASC`, postgresQuoteIdentifier(b.memberTableName))
	rows, err := b.db.QueryContext(ctx, query, projectID, subject, string(action))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var username string
		if scanErr := rows.Scan(&username); scanErr != nil {
			continue
		}
		members = append(members, username)
	}
	return members, rows.Err()
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		stateQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.stateTableName))
		if _, err := db.ExecContext(ctx, stateQuery); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		memberQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				project_id TEXT NOT NULL,
				folder TEXT NOT NULL DEFAULT '',
				subject_name TEXT NOT NULL,
				action TEXT NOT NULL,
				username TEXT NOT NULL,
				acted_at TEXT NOT NULL,
				UNIQUE (project_id, folder, subject_name, action, username)
			)`, postgresQuoteIdentifier(b.memberTableName))
		if _, err := db.ExecContext(ctx, memberQuery); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
