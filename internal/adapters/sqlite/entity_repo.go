// Package sqlite contains SQLite implementations of repository interfaces.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/example/pipectl/internal/ports/secondary"
)

// EntityRepository implements secondary.EntityRepository with SQLite.
// Snapshot and history live in two tables written inside one transaction,
// so a reader never observes a snapshot that disagrees with the last
// history record.
type EntityRepository struct {
	db *sql.DB
}

// NewEntityRepository creates a new SQLite entity repository.
func NewEntityRepository(db *sql.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

// Create persists a new entity at version 1 with empty history.
func (r *EntityRepository) Create(ctx context.Context, rec *secondary.EntityRecord) (*secondary.EntityRecord, error) {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO entities (entity_id, external_ref, phase, phase_detail, version) VALUES (?, ?, ?, ?, 1)",
		rec.EntityID, rec.ExternalRef, rec.Phase, rec.PhaseDetail,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", secondary.ErrAlreadyExists, rec.EntityID)
		}
		return nil, fmt.Errorf("%w: failed to create entity %s: %v", secondary.ErrStorageIO, rec.EntityID, err)
	}

	return r.GetByID(ctx, rec.EntityID)
}

// GetByID retrieves an entity with its full history.
func (r *EntityRepository) GetByID(ctx context.Context, entityID string) (*secondary.EntityRecord, error) {
	rec, err := scanEntity(r.db.QueryRowContext(ctx, selectEntitySQL+" WHERE entity_id = ?", entityID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", secondary.ErrNotFound, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get entity %s: %v", secondary.ErrStorageIO, entityID, err)
	}

	history, err := r.loadHistory(ctx, r.db, entityID)
	if err != nil {
		return nil, err
	}
	rec.History = history

	return rec, nil
}

// CompareAndSwap applies mutate under the stored-version check and persists
// snapshot plus appended history atomically.
func (r *EntityRepository) CompareAndSwap(ctx context.Context, entityID string, expectedVersion int64, mutate secondary.Mutator) (*secondary.EntityRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return nil, fmt.Errorf("%w: entity %s: write lock contended: %v",
				secondary.ErrVersionConflict, entityID, err)
		}
		return nil, fmt.Errorf("%w: failed to begin transaction: %v", secondary.ErrStorageIO, err)
	}
	defer tx.Rollback()

	rec, err := scanEntity(tx.QueryRowContext(ctx, selectEntitySQL+" WHERE entity_id = ?", entityID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", secondary.ErrNotFound, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read entity %s: %v", secondary.ErrStorageIO, entityID, err)
	}

	if rec.Version != expectedVersion {
		return nil, fmt.Errorf("%w: entity %s is at version %d, expected %d",
			secondary.ErrVersionConflict, entityID, rec.Version, expectedVersion)
	}

	trec, err := mutate(rec)
	if err != nil {
		return nil, err
	}

	newVersion := expectedVersion + 1

	var em, es, ea any
	retryCount := 0
	if rec.Error != nil {
		em = rec.Error.Message
		es = rec.Error.Step
		retryCount = rec.Error.RetryCount
		if rec.Error.Timestamp == "" {
			ea = time.Now().UTC()
		} else {
			t, perr := time.Parse(time.RFC3339, rec.Error.Timestamp)
			if perr != nil {
				return nil, fmt.Errorf("invalid error timestamp %q for entity %s: %w",
					rec.Error.Timestamp, entityID, perr)
			}
			ea = t
		}
	}

	// The version guard on the UPDATE is the actual CAS: if another
	// writer committed between our read and this write, zero rows match
	// and no version number is consumed.
	res, err := tx.ExecContext(ctx,
		`UPDATE entities
		 SET phase = ?, phase_detail = ?, version = ?,
		     error_message = ?, error_step = ?, error_retry_count = ?, error_at = ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE entity_id = ? AND version = ?`,
		rec.Phase, rec.PhaseDetail, newVersion, em, es, retryCount, ea,
		entityID, expectedVersion,
	)
	if err != nil {
		// A deferred transaction whose read snapshot went stale under
		// WAL fails busy here instead of matching zero rows. Same
		// outcome as losing the version guard: the caller re-reads
		// and retries.
		if isBusy(err) {
			return nil, fmt.Errorf("%w: entity %s lost the write race at version %d: %v",
				secondary.ErrVersionConflict, entityID, expectedVersion, err)
		}
		return nil, fmt.Errorf("%w: failed to update entity %s: %v", secondary.ErrStorageIO, entityID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", secondary.ErrStorageIO, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: entity %s moved past version %d during write",
			secondary.ErrVersionConflict, entityID, expectedVersion)
	}

	if trec != nil {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO transitions (entity_id, version_after, from_phase, to_phase, detail, actor) VALUES (?, ?, ?, ?, ?, ?)",
			entityID, newVersion, trec.FromPhase, trec.ToPhase, trec.Detail, trec.Actor,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to append transition for %s: %v", secondary.ErrStorageIO, entityID, err)
		}
	}

	// Assemble the committed view inside the transaction so the returned
	// record matches exactly what this CAS wrote.
	updated, err := scanEntity(tx.QueryRowContext(ctx, selectEntitySQL+" WHERE entity_id = ?", entityID))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to re-read entity %s: %v", secondary.ErrStorageIO, entityID, err)
	}
	history, err := r.loadHistory(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}
	updated.History = history

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit entity %s: %v", secondary.ErrStorageIO, entityID, err)
	}

	return updated, nil
}

// List retrieves entity summaries (no history) matching the filters.
func (r *EntityRepository) List(ctx context.Context, filters secondary.EntityFilters) ([]*secondary.EntityRecord, error) {
	query := selectEntitySQL
	var args []any
	if filters.Phase != "" {
		query += " WHERE phase = ?"
		args = append(args, filters.Phase)
	}
	query += " ORDER BY entity_id ASC"
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list entities: %v", secondary.ErrStorageIO, err)
	}
	defer rows.Close()

	var out []*secondary.EntityRecord
	for rows.Next() {
		rec, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan entity: %v", secondary.ErrStorageIO, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", secondary.ErrStorageIO, err)
	}

	return out, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy matches SQLITE_BUSY and SQLITE_LOCKED in all their message
// variants ("database is locked", "database table is locked").
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "table is locked")
}

const selectEntitySQL = `SELECT entity_id, external_ref, phase, phase_detail, version,
	error_message, error_step, error_retry_count, error_at, created_at, updated_at
	FROM entities`

// querier covers both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*secondary.EntityRecord, error) {
	var (
		em, es     sql.NullString
		ea         sql.NullTime
		retryCount int
		createdAt  time.Time
		updatedAt  time.Time
	)

	rec := &secondary.EntityRecord{}
	err := row.Scan(&rec.EntityID, &rec.ExternalRef, &rec.Phase, &rec.PhaseDetail, &rec.Version,
		&em, &es, &retryCount, &ea, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if em.Valid {
		e := &secondary.ErrorRecord{
			Message:    em.String,
			Step:       es.String,
			RetryCount: retryCount,
		}
		if ea.Valid {
			e.Timestamp = ea.Time.UTC().Format(time.RFC3339)
		}
		rec.Error = e
	}
	rec.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	rec.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)

	return rec, nil
}

func (r *EntityRepository) loadHistory(ctx context.Context, q querier, entityID string) ([]*secondary.TransitionRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT version_after, from_phase, to_phase, detail, actor, created_at
		 FROM transitions WHERE entity_id = ? ORDER BY version_after ASC`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load history for %s: %v", secondary.ErrStorageIO, entityID, err)
	}
	defer rows.Close()

	var history []*secondary.TransitionRecord
	for rows.Next() {
		var createdAt time.Time
		trec := &secondary.TransitionRecord{}
		err := rows.Scan(&trec.VersionAfter, &trec.FromPhase, &trec.ToPhase, &trec.Detail, &trec.Actor, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan transition: %v", secondary.ErrStorageIO, err)
		}
		trec.Timestamp = createdAt.UTC().Format(time.RFC3339)
		history = append(history, trec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", secondary.ErrStorageIO, err)
	}

	return history, nil
}
