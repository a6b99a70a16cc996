package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/songzhibin97/lab-workflow/types"
)

// PostgresStorage keeps entities and records as JSON documents next to the
// columns the transition guards need.
type PostgresStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgresStorage)(nil)

const schemaDDL = `
create table if not exists workflow_entities (
	id         bigint primary key,
	kind       text   not null,
	status     text   not null,
	version    bigint not null default 0,
	data       jsonb  not null,
	updated_at timestamptz not null default now()
);
create table if not exists approval_records (
	id        bigint primary key,
	entity_id bigint not null references workflow_entities(id),
	step      int    not null,
	user_id   text,
	data      jsonb  not null
);
create unique index if not exists approval_records_one_pending
	on approval_records(entity_id) where user_id is null;
create index if not exists workflow_entities_status on workflow_entities(kind, status);
`

// OpenPostgres opens a pgx-backed database handle with pooled defaults.
func OpenPostgres(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresStorage{db: db}, nil
}

// NewPostgresStorage wraps an existing handle.
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) Close() error { return s.db.Close() }

// Migrate creates the tables if they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

func nullUser(r types.ApprovalRecord) sql.NullString {
	return sql.NullString{String: r.UserID, Valid: r.UserID != ""}
}

func insertRecord(ctx context.Context, tx *sql.Tx, r types.ApprovalRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record %d: %w", r.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		insert into approval_records(id, entity_id, step, user_id, data)
		values ($1,$2,$3,$4,$5)
	`, int64(r.ID), int64(r.EntityID), r.Step, nullUser(r), data)
	if err != nil {
		return fmt.Errorf("insert record %d: %w", r.ID, err)
	}
	return nil
}

// Create stores a new entity and its initial records in one transaction.
func (s *PostgresStorage) Create(ctx context.Context, entity types.WorkflowEntity, records []types.ApprovalRecord) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(entity)
		if err != nil {
			return fmt.Errorf("marshal entity %d: %w", entity.ID, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			insert into workflow_entities(id, kind, status, version, data)
			values ($1,$2,$3,$4,$5)
			on conflict (id) do nothing
		`, int64(entity.ID), string(entity.Kind), entity.Status, entity.Version, data)
		if err != nil {
			return fmt.Errorf("insert entity %d: %w", entity.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: id=%d", ErrDuplicate, entity.ID)
		}
		for _, r := range records {
			if err := insertRecord(ctx, tx, r); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Entity retrieves an entity by ID.
func (s *PostgresStorage) Entity(ctx context.Context, id uint64) (types.WorkflowEntity, error) {
	return withContext(ctx, func() (types.WorkflowEntity, error) {
		var (
			version int64
			data    []byte
		)
		err := s.db.QueryRowContext(ctx, `select version, data from workflow_entities where id=$1`, int64(id)).Scan(&version, &data)
		if errors.Is(err, sql.ErrNoRows) {
			return types.WorkflowEntity{}, fmt.Errorf("%w: id=%d", ErrEntityNotFound, id)
		}
		if err != nil {
			return types.WorkflowEntity{}, err
		}
		var e types.WorkflowEntity
		if err := json.Unmarshal(data, &e); err != nil {
			return types.WorkflowEntity{}, fmt.Errorf("unmarshal entity %d: %w", id, err)
		}
		e.Version = version
		return e, nil
	})
}

// Records lists an entity's records ordered by step.
func (s *PostgresStorage) Records(ctx context.Context, entityID uint64) ([]types.ApprovalRecord, error) {
	if _, err := s.Entity(ctx, entityID); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, `select data from approval_records where entity_id=$1 order by step, id`, entityID)
}

// Pending returns the entity's pending record.
func (s *PostgresStorage) Pending(ctx context.Context, entityID uint64) (types.ApprovalRecord, error) {
	if _, err := s.Entity(ctx, entityID); err != nil {
		return types.ApprovalRecord{}, err
	}
	records, err := s.queryRecords(ctx, `select data from approval_records where entity_id=$1 and user_id is null`, entityID)
	if err != nil {
		return types.ApprovalRecord{}, err
	}
	if len(records) == 0 {
		return types.ApprovalRecord{}, fmt.Errorf("%w: entity=%d", ErrNoPending, entityID)
	}
	return records[0], nil
}

func (s *PostgresStorage) queryRecords(ctx context.Context, query string, entityID uint64) ([]types.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, int64(entityID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ApprovalRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r types.ApprovalRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal record of entity %d: %w", entityID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Apply commits a transition. Both updates are conditional; if either matches
// no row the transaction is rolled back with ErrConflict.
func (s *PostgresStorage) Apply(ctx context.Context, tr Transition) error {
	return withContextError(ctx, func() error {
		entity := tr.Entity
		entity.Version = tr.ExpectedVersion + 1
		data, err := json.Marshal(entity)
		if err != nil {
			return fmt.Errorf("marshal entity %d: %w", entity.ID, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			update workflow_entities
			set status=$2, version=$3, data=$4, updated_at=now()
			where id=$1 and version=$5
		`, int64(entity.ID), entity.Status, entity.Version, data, tr.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update entity %d: %w", entity.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: entity=%d expected version %d", ErrConflict, entity.ID, tr.ExpectedVersion)
		}

		if tr.Processed != nil {
			raw, err := json.Marshal(tr.Processed)
			if err != nil {
				return fmt.Errorf("marshal record %d: %w", tr.Processed.ID, err)
			}
			res, err := tx.ExecContext(ctx, `
				update approval_records set user_id=$2, data=$3
				where id=$1 and user_id is null
			`, int64(tr.Processed.ID), nullUser(*tr.Processed), raw)
			if err != nil {
				return fmt.Errorf("update record %d: %w", tr.Processed.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: record=%d is no longer pending", ErrConflict, tr.Processed.ID)
			}
		}

		if tr.Next != nil {
			if err := insertRecord(ctx, tx, *tr.Next); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}
